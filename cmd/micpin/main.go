// Command micpin keeps the microphone you chose as the input device and
// controls the daemon that enforces it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbright/micpin/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run cancels the command context on SIGINT or SIGTERM so a foreground daemon
// or timed recording can release its sockets and finalize files.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Execute(ctx, args, os.Stdout, os.Stderr)
}
