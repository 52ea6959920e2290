// Package ipc carries newline-delimited JSON commands between the micpin CLI
// and a running daemon over a unix socket.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type Response struct {
	OK      bool            `json:"ok"`
	State   string          `json:"state,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WithData attaches v as the JSON payload.
func (r Response) WithData(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		r.OK = false
		r.Error = fmt.Sprintf("encode response data: %v", err)
		return r
	}
	r.Data = raw
	return r
}

// DecodeData unmarshals the payload into v.
func (r Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response carries no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
