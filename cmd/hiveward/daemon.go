package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/launcher"
	"github.com/hiveward/hiveward/internal/protocol"
	"github.com/hiveward/hiveward/internal/scheduler"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/vault"
	"github.com/hiveward/hiveward/internal/web"
)

// shutdownGrace is how long agents get to drain after the system shutdown
// broadcast before the launcher force-stops the stragglers.
const shutdownGrace = 10 * time.Second

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting hiveward daemon", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite archive
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS, unless pointed at an external one
	busURL := cfg.Bus.URL
	if busURL == "" {
		b, err := bus.New(cfg.Bus)
		if err != nil {
			return fmt.Errorf("init bus: %w", err)
		}
		defer b.Close()
		busURL = b.ClientURL()
		slog.Info("bus started", "url", busURL)
	}

	client, err := bus.NewClientFromURL(busURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()

	// Event archiver
	archiver := store.NewArchiver(db, client)
	if err := archiver.Start(); err != nil {
		return fmt.Errorf("start archiver: %w", err)
	}
	defer archiver.Stop()

	// Vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase, db)
	} else {
		slog.Warn("vault passphrase not set, secret resolution disabled")
	}

	// Supervisor
	l := launcher.New(client, cfg.Launcher, busURL)
	if v != nil {
		l.SetSecretResolver(v)
	}

	// Scheduler speaks the message protocol as its own participant.
	schedProto := protocol.New(client, "scheduler", "")
	if err := schedProto.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler protocol: %w", err)
	}
	defer schedProto.Close()
	sched := scheduler.New(db, schedProto, client.KV(), cfg.Scheduler)
	go sched.Start(ctx)

	// Web dashboard
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, l, sched, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Control plane for --status and --stop
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopCh) }) }

	statusSub, err := client.Subscribe(bus.TopicControlStatus, func(msg *nats.Msg) {
		data, err := json.Marshal(l.Status())
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("subscribe control status: %w", err)
	}
	defer statusSub.Unsubscribe()

	stopSub, err := client.Subscribe(bus.TopicControlStop, func(msg *nats.Msg) {
		_ = msg.Respond([]byte("ok"))
		requestStop()
	})
	if err != nil {
		return fmt.Errorf("subscribe control stop: %w", err)
	}
	defer stopSub.Unsubscribe()

	// Roster
	if err := l.LaunchAll(ctx, cfg.Teams); err != nil {
		slog.Warn("roster launched with failures", "error", err)
	}
	go l.WatchLiveness(ctx)

	// Signals: SIGHUP reloads the roster, the rest shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case <-stopCh:
			slog.Info("shutdown requested over bus")
			break loop
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				slog.Info("shutting down", "signal", sig)
				break loop
			}
			cfg = reloadRoster(ctx, cfg, l, sched)
		}
	}

	shutdown(client, l)
	return nil
}

// reloadRoster applies a SIGHUP config reload. Returns the config now in
// effect; a failed reload keeps the old one.
func reloadRoster(ctx context.Context, cfg *config.Config, l *launcher.Launcher, sched *scheduler.Scheduler) *config.Config {
	newCfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return cfg
	}

	diff := config.Diff(cfg, newCfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config field requires restart, ignoring change", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reload: no roster changes")
		return cfg
	}

	slog.Info("applying roster reload",
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	l.ApplyRoster(ctx, diff)

	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewPollInterval.PollInterval)
	}
	return newCfg
}

// shutdown broadcasts system_shutdown so agents drain gracefully, then has
// the launcher stop whatever is still running.
func shutdown(client *bus.Client, l *launcher.Launcher) {
	proto := protocol.New(client, "daemon", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := proto.Start(ctx); err == nil {
		defer proto.Close()
		if _, err := proto.SendSystem(protocol.MsgSystemShutdown, nil, protocol.PriorityCritical, nil); err != nil {
			slog.Warn("shutdown broadcast failed", "error", err)
		}
		waitForDrain(l)
	}
	l.StopAll()
}

// waitForDrain waits until every managed instance leaves the running state or
// the grace window passes.
func waitForDrain(l *launcher.Launcher) {
	deadline := time.After(shutdownGrace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("agents did not drain in time, forcing stop")
			return
		case <-ticker.C:
			if l.Status().Running == 0 {
				return
			}
		}
	}
}
