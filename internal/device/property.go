package device

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrPropertyUnsupported is returned by a PropertySource that cannot report a
// property for a device. Read decodes it to the zero value.
var ErrPropertyUnsupported = errors.New("property unsupported")

// PropertyKind enumerates the device properties micpin reads.
type PropertyKind uint8

const (
	KindName PropertyKind = iota + 1
	KindUID
	KindInputChannels
	KindSampleRate
)

func (k PropertyKind) String() string {
	switch k {
	case KindName:
		return "name"
	case KindUID:
		return "uid"
	case KindInputChannels:
		return "input_channels"
	case KindSampleRate:
		return "sample_rate"
	default:
		return fmt.Sprintf("property(%d)", uint8(k))
	}
}

// PropertySource is implemented by platform backends. Raw values are backend
// native (string, integer, float64, per-buffer channel list).
type PropertySource interface {
	Property(ctx context.Context, handle Handle, kind PropertyKind) (any, error)
}

// Property binds a kind to its typed decoder.
type Property[T any] struct {
	Kind   PropertyKind
	decode func(raw any) (T, error)
}

var (
	Name          = Property[string]{Kind: KindName, decode: decodeString}
	UID           = Property[string]{Kind: KindUID, decode: decodeString}
	InputChannels = Property[int]{Kind: KindInputChannels, decode: decodeChannelCount}
	SampleRate    = Property[int]{Kind: KindSampleRate, decode: decodeSampleRate}
)

// Read fetches and decodes one property.
func Read[T any](ctx context.Context, src PropertySource, handle Handle, prop Property[T]) (T, error) {
	var zero T
	raw, err := src.Property(ctx, handle, prop.Kind)
	if errors.Is(err, ErrPropertyUnsupported) {
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("read %s of device %d: %w", prop.Kind, handle, err)
	}
	value, err := prop.decode(raw)
	if err != nil {
		return zero, fmt.Errorf("decode %s of device %d: %w", prop.Kind, handle, err)
	}
	return value, nil
}

func decodeString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unexpected %T", raw)
	}
}

// decodeChannelCount accepts a scalar count or a per-buffer channel list,
// which is summed.
func decodeChannelCount(raw any) (int, error) {
	switch v := raw.(type) {
	case []uint32:
		total := 0
		for _, n := range v {
			total += int(n)
		}
		return total, nil
	case []int:
		total := 0
		for _, n := range v {
			total += n
		}
		return total, nil
	default:
		n, err := decodeInt(raw)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, fmt.Errorf("negative channel count %d", n)
		}
		return n, nil
	}
}

func decodeSampleRate(raw any) (int, error) {
	if f, ok := raw.(float64); ok {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("invalid sample rate %v", f)
		}
		return int(math.Round(f)), nil
	}
	n, err := decodeInt(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative sample rate %d", n)
	}
	return n, nil
}

func decodeInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected %T", raw)
	}
}
