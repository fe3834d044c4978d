package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/querymesh/querymesh/internal/cli/querymesh"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := querymesh.Run(ctx, os.Args[1:], querymesh.Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
