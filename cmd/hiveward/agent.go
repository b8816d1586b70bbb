package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/runtime"
)

// runAgent is the entry point for supervisor-spawned agent processes.
// Identity and bus location arrive through the environment; a registration
// or runtime failure exits non-zero so the supervisor sees the crash.
func runAgent() error {
	id, err := runtime.IdentityFromEnv()
	if err != nil {
		return err
	}

	busURL := os.Getenv(runtime.EnvBusURL)
	if busURL == "" {
		return fmt.Errorf("%s is required", runtime.EnvBusURL)
	}

	client, err := bus.NewClientFromURL(busURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()

	rt := runtime.New(client, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM from the supervisor triggers the same graceful drain as a
	// shutdown broadcast.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("agent stopping", "instance", id.InstanceID, "signal", sig)
		rt.Stop()
	}()

	return rt.Run(ctx)
}
