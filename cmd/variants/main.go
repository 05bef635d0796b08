// Command variants renders a batch of scene variants locally and writes the
// bundle (or the single output) to a directory.
//
//	variants -scene poster.scene -variations cities.yaml -out ./renders
//
// Without -variations the five-city demo set is used.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
	exitUsage   = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
