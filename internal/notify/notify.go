// Package notify tells the user when a microphone they picked was refused.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/rbright/micpin/internal/config"
	"github.com/rbright/micpin/internal/hypr"
)

// Message is one user-facing notice.
type Message struct {
	Summary string
	Body    string
}

// Sender delivers a message through one backend.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier formats selection notices and dispatches them off the caller.
type Notifier struct {
	enabled  bool
	sender   Sender
	logger   *slog.Logger
	messages messages
	timeout  time.Duration
}

// New builds a notifier from config. A disabled config yields a notifier that
// drops everything.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	n := &Notifier{
		enabled:  cfg.Enable,
		logger:   logger,
		messages: messagesFromEnv(),
		timeout:  2 * time.Second,
	}
	if !cfg.Enable {
		return n, nil
	}
	sender, err := newSender(cfg)
	if err != nil {
		return nil, err
	}
	n.sender = sender
	return n, nil
}

// NewWithSender wires an explicit backend.
func NewWithSender(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		enabled:  sender != nil,
		sender:   sender,
		logger:   logger,
		messages: messagesFromEnv(),
		timeout:  2 * time.Second,
	}
}

// DeviceRejected reports that name was refused for reason and the selection
// stayed on the system default. It does not block.
func (n *Notifier) DeviceRejected(name, reason string) {
	if !n.enabled {
		return
	}
	msg := n.messages.rejected(name, reason)
	go n.send(msg)
}

func (n *Notifier) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, msg); err != nil {
		n.logger.Debug("notification dispatch failed", "error", err.Error())
	}
}

func newSender(cfg config.NotifyConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "desktop":
		return desktopSender{appName: cfg.AppName}, nil
	case "hypr":
		return hyprSender{duration: 5 * time.Second}, nil
	case "command":
		if len(cfg.Command.Argv) == 0 {
			return nil, errors.New("notify.command is empty")
		}
		return commandSender{argv: cfg.Command.Argv}, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

// desktopSender posts a freedesktop/OS notification.
type desktopSender struct {
	appName string
}

func (d desktopSender) Send(_ context.Context, msg Message) error {
	title := msg.Summary
	if d.appName != "" {
		title = d.appName + ": " + msg.Summary
	}
	return beeep.Notify(title, msg.Body, "")
}

type hyprSender struct {
	duration time.Duration
}

func (h hyprSender) Send(ctx context.Context, msg Message) error {
	return hypr.Notify(ctx, hypr.Alert{
		Icon:     hypr.IconWarning,
		Duration: h.duration,
		Color:    "rgb(f9e2af)",
		Text:     msg.Summary + ": " + msg.Body,
	})
}

// commandSender runs argv with summary and body appended.
type commandSender struct {
	argv []string
}

func (c commandSender) Send(ctx context.Context, msg Message) error {
	args := append(append([]string(nil), c.argv[1:]...), msg.Summary, msg.Body)
	out, err := exec.CommandContext(ctx, c.argv[0], args...).CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return fmt.Errorf("notify command failed: %w", err)
		}
		return fmt.Errorf("notify command failed: %w (%s)", err, trimmed)
	}
	return nil
}
