package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"burstfuse/internal/cli"
	"burstfuse/internal/config"
	"burstfuse/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := cli.NewRoot(cfg, logger)
	err = cli.NewRootCmd(root).ExecuteContext(ctx)

	stop()
	root.Close()
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}
