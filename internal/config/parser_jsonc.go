package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Audio     *jsoncAudio     `json:"audio"`
	Selection *jsoncSelection `json:"selection"`
	Stability *jsoncStability `json:"stability"`
	Notify    *jsoncNotify    `json:"notify"`
	State     *jsoncState     `json:"state"`
	Metrics   *jsoncMetrics   `json:"metrics"`
	Debug     *jsoncDebug     `json:"debug"`
}

type jsoncAudio struct {
	Backend    *string `json:"backend"`
	SampleRate *int    `json:"sample_rate"`
	Channels   *int    `json:"channels"`
}

type jsoncSelection struct {
	DebounceMS *int `json:"debounce_ms"`
	PollMS     *int `json:"poll_ms"`
}

type jsoncStability struct {
	ContinuityPatterns *jsoncStringList `json:"continuity_patterns"`
	VirtualPatterns    *jsoncStringList `json:"virtual_patterns"`
	BluetoothPatterns  *jsoncStringList `json:"bluetooth_patterns"`
	BuiltInPatterns    *jsoncStringList `json:"builtin_patterns"`
	AllowedSampleRates []int            `json:"allowed_sample_rates"`
	MaxInputChannels   *int             `json:"max_input_channels"`
}

type jsoncNotify struct {
	Enable  *bool   `json:"enable"`
	Backend *string `json:"backend"`
	AppName *string `json:"app_name"`
	Command *string `json:"command"`
}

type jsoncState struct {
	Dir *string `json:"dir"`
}

type jsoncMetrics struct {
	Listen *string `json:"listen"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
}

// jsoncStringList accepts either a string array or one comma-delimited string.
type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("expected string array or comma-delimited string")
	}
	*l = trimList(strings.Split(joined, ","))
	return nil
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if payload.Audio != nil {
		if payload.Audio.Backend != nil {
			cfg.Audio.Backend = strings.ToLower(strings.TrimSpace(*payload.Audio.Backend))
		}
		if payload.Audio.SampleRate != nil {
			cfg.Audio.SampleRate = *payload.Audio.SampleRate
		}
		if payload.Audio.Channels != nil {
			cfg.Audio.Channels = *payload.Audio.Channels
		}
	}

	if payload.Selection != nil {
		if payload.Selection.DebounceMS != nil {
			cfg.Selection.DebounceMS = *payload.Selection.DebounceMS
		}
		if payload.Selection.PollMS != nil {
			cfg.Selection.PollMS = *payload.Selection.PollMS
		}
	}

	if st := payload.Stability; st != nil {
		if st.ContinuityPatterns != nil {
			cfg.Stability.ContinuityPatterns = trimList(*st.ContinuityPatterns)
		}
		if st.VirtualPatterns != nil {
			cfg.Stability.VirtualPatterns = trimList(*st.VirtualPatterns)
		}
		if st.BluetoothPatterns != nil {
			cfg.Stability.BluetoothPatterns = trimList(*st.BluetoothPatterns)
		}
		if st.BuiltInPatterns != nil {
			cfg.Stability.BuiltInPatterns = trimList(*st.BuiltInPatterns)
		}
		if st.AllowedSampleRates != nil {
			cfg.Stability.AllowedSampleRates = append([]int(nil), st.AllowedSampleRates...)
		}
		if st.MaxInputChannels != nil {
			cfg.Stability.MaxInputChannels = *st.MaxInputChannels
		}
		if st.ContinuityPatterns != nil && len(cfg.Stability.ContinuityPatterns) == 0 {
			warnings = append(warnings, Warning{Message: "stability.continuity_patterns is empty; phone microphones will not be rejected"})
		}
	}

	if payload.Notify != nil {
		if payload.Notify.Enable != nil {
			cfg.Notify.Enable = *payload.Notify.Enable
		}
		if payload.Notify.Backend != nil {
			cfg.Notify.Backend = strings.ToLower(strings.TrimSpace(*payload.Notify.Backend))
		}
		if payload.Notify.AppName != nil {
			cfg.Notify.AppName = strings.TrimSpace(*payload.Notify.AppName)
		}
		if payload.Notify.Command != nil {
			raw := *payload.Notify.Command
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid notify.command: %w", err)
			}
			cfg.Notify.Command = CommandConfig{Raw: raw, Argv: argv}
		}
	}

	if payload.State != nil && payload.State.Dir != nil {
		cfg.State.Dir = strings.TrimSpace(*payload.State.Dir)
	}

	if payload.Metrics != nil && payload.Metrics.Listen != nil {
		cfg.Metrics.Listen = strings.TrimSpace(*payload.Metrics.Listen)
	}

	if payload.Debug != nil && payload.Debug.AudioDump != nil {
		cfg.Debug.EnableAudioDump = *payload.Debug.AudioDump
	}

	return warnings, nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeJSONC blanks comments and trailing commas with spaces. Byte
// offsets are unchanged, so decoder errors still point into the source.
func normalizeJSONC(content string) (string, error) {
	out := []byte(content)
	inString, escaped := false, false
	pendingComma := -1

	for i := 0; i < len(out); i++ {
		ch := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case ' ', '\t', '\n', '\r':
		case '"':
			inString = true
			pendingComma = -1
		case ',':
			pendingComma = i
		case '}', ']':
			if pendingComma >= 0 {
				out[pendingComma] = ' '
			}
			pendingComma = -1
		case '/':
			if i+1 >= len(out) {
				pendingComma = -1
				continue
			}
			switch out[i+1] {
			case '/':
				end := i
				for end < len(out) && out[end] != '\n' && out[end] != '\r' {
					end++
				}
				blank(out[i:end])
				i = end - 1
			case '*':
				closeAt := strings.Index(content[i+2:], "*/")
				if closeAt < 0 {
					return "", errors.New("unterminated block comment in JSONC")
				}
				end := i + 2 + closeAt + 2
				blank(out[i:end])
				i = end - 1
			default:
				pendingComma = -1
			}
		default:
			pendingComma = -1
		}
	}
	return string(out), nil
}

// blank replaces everything but line structure with spaces.
func blank(b []byte) {
	for i, ch := range b {
		if ch != '\n' && ch != '\r' && ch != '\t' {
			b[i] = ' '
		}
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	_, err := decoder.Token()
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errors.New("multiple JSON values are not allowed")
	}
}

// wrapJSONDecodeError prefixes syntax and type errors with their source position.
func wrapJSONDecodeError(content string, err error) error {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return err
	}
	line, col := offsetToLineCol(content, offset)
	return fmt.Errorf("line %d column %d: %w", line, col, err)
}

// offsetToLineCol maps a decoder offset (bytes consumed) to a 1-based position.
func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}
	limit := min(int(offset), len(content))
	prefix := content[:limit-1]
	line := 1 + strings.Count(prefix, "\n")
	col := len(prefix) - strings.LastIndex(prefix, "\n")
	return line, col
}
