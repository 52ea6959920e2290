package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live daemon answers on the socket.
var ErrAlreadyRunning = errors.New("micpin daemon already running")

const (
	commandSocketName = "micpin.sock"
	healthSocketName  = "micpin-health.sock"
)

// RuntimeSocketPath is the command socket of the daemon.
func RuntimeSocketPath() (string, error) { return runtimePath(commandSocketName) }

// HealthSocketPath is the gRPC health socket of the daemon.
func HealthSocketPath() (string, error) { return runtimePath(healthSocketName) }

func runtimePath(name string) (string, error) {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, name), nil
}

// Acquire listens on path. A socket file nobody answers on is unlinked and
// the listen retried up to retries times; a live daemon yields ErrAlreadyRunning.
// A probe that neither connects nor is refused leaves the file in place.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int, logger *slog.Logger) (net.Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 25 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		listener, err := net.Listen("unix", path)
		if err == nil {
			if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
				logger.Warn("restrict socket permissions failed", "socket", path, "error", chmodErr.Error())
			}
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}
		lastErr = err

		alive, probeErr := Probe(ctx, path, probeTimeout)
		switch {
		case alive:
			return nil, ErrAlreadyRunning
		case probeErr != nil:
			return nil, fmt.Errorf("probe existing socket %s: %w", path, probeErr)
		}

		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, rmErr)
		}
		logger.Info("removed stale socket", "socket", path, "attempt", attempt+1)
	}

	return nil, fmt.Errorf("acquire socket %s after %d retries: %w", path, retries, lastErr)
}
