package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tg_shop_bot/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		logging.Error("command failed", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
