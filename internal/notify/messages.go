package notify

import (
	"fmt"
	"os"
	"strings"

	"github.com/rbright/micpin/internal/device"
)

type locale string

const (
	localeEnglish locale = "en"
)

type messages struct {
	rejectedSummary string
	rejectedBody    string
	reasons         map[device.Reason]string
	unknownReason   string
}

func messagesFromEnv() messages {
	return localeMessages(resolveLocale(os.Getenv("LANG")))
}

func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "en") {
		return localeEnglish
	}
	return localeEnglish
}

func localeMessages(tag locale) messages {
	switch tag {
	case localeEnglish:
		fallthrough
	default:
		return messages{
			rejectedSummary: "Microphone not pinned",
			rejectedBody:    "%s is %s. Staying on the system default.",
			reasons: map[device.Reason]string{
				device.ReasonContinuity:            "a phone or tablet microphone",
				device.ReasonVirtual:               "a virtual or aggregate device",
				device.ReasonUnsupportedSampleRate: "running at an unsupported sample rate",
				device.ReasonExcessChannels:        "a multi-channel interface",
			},
			unknownReason: "not a stable input",
		}
	}
}

func (m messages) rejected(name, reason string) Message {
	text, ok := m.reasons[device.Reason(reason)]
	if !ok {
		text = m.unknownReason
	}
	if strings.TrimSpace(name) == "" {
		name = "The selected device"
	}
	return Message{
		Summary: m.rejectedSummary,
		Body:    fmt.Sprintf(m.rejectedBody, name, text),
	}
}
