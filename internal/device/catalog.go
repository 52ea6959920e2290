package device

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Source lists input-capable handles and reads their properties.
type Source interface {
	PropertySource
	InputHandles(ctx context.Context) ([]Handle, error)
}

// Catalog turns a Source into device snapshots. It keeps no state between
// calls.
type Catalog struct {
	src    Source
	logger *slog.Logger
	now    func() time.Time

	// OnFailure, when set, is called for every absorbed enumeration error.
	OnFailure func(error)
}

func NewCatalog(src Source, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Catalog{src: src, logger: logger, now: time.Now}
}

// Enumerate returns the current input devices. Platform failures are logged
// and produce an empty snapshot; devices whose identity cannot be read are
// skipped.
func (c *Catalog) Enumerate(ctx context.Context) Snapshot {
	snap := Snapshot{TakenAt: c.now()}

	handles, err := c.src.InputHandles(ctx)
	if err != nil {
		c.logger.Warn("enumeration failed", "error", err.Error())
		if c.OnFailure != nil {
			c.OnFailure(err)
		}
		return snap
	}

	snap.Devices = make([]Device, 0, len(handles))
	for _, handle := range handles {
		dev, err := c.describe(ctx, handle)
		if err != nil {
			c.logger.Debug("skip device", "handle", uint32(handle), "error", err.Error())
			continue
		}
		snap.Devices = append(snap.Devices, dev)
	}
	return snap
}

func (c *Catalog) describe(ctx context.Context, handle Handle) (Device, error) {
	uid, err := Read(ctx, c.src, handle, UID)
	if err != nil {
		return Device{}, err
	}
	if uid == "" {
		return Device{}, errEmptyUID
	}
	name, err := Read(ctx, c.src, handle, Name)
	if err != nil {
		return Device{}, err
	}
	channels, err := Read(ctx, c.src, handle, InputChannels)
	if err != nil {
		return Device{}, err
	}
	rate, err := Read(ctx, c.src, handle, SampleRate)
	if err != nil {
		return Device{}, err
	}
	return Device{
		Handle:        handle,
		UID:           uid,
		Name:          name,
		InputChannels: channels,
		SampleRate:    rate,
	}, nil
}

var errEmptyUID = errors.New("device has empty uid")
