package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/launcher"
)

const controlTimeout = 5 * time.Second

// daemonClient connects to the bus of an already running daemon.
func daemonClient() (*bus.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	url := cfg.Bus.URL
	if url == "" {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)
	}

	client, err := bus.NewClientFromURL(url)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s (is it running?): %w", url, err)
	}
	return client, nil
}

func runStatus() error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Request(bus.TopicControlStatus, nil, controlTimeout)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}

	var snap launcher.StatusSnapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("Instances: %d running, %d failed\n\n", snap.Running, snap.Failed)
	if len(snap.Instances) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tTEAM\tROLE\tSTATE\tPID\tRESTARTS\tLAST ERROR")
	for _, inst := range snap.Instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			inst.InstanceID, inst.Team, inst.Role, inst.State, inst.PID, inst.Restarts, inst.LastError)
	}
	return w.Flush()
}

func runStop() error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Request(bus.TopicControlStop, nil, controlTimeout); err != nil {
		return fmt.Errorf("stop request: %w", err)
	}
	fmt.Println("Shutdown requested.")
	return nil
}

const configSkeleton = `# hiveward configuration
bus:
  port: 4222
  data_dir: data/bus

store:
  path: data/hiveward.db

web:
  enabled: true
  port: 8080
  # auth: change-me

launcher:
  startup_timeout: 10s
  max_restarts: 5
  restart_backoff: 2s
  poll_interval: 10s
  heartbeat_timeout: 30s
  grace_period: 2s

scheduler:
  poll_interval: 30s

# vault:
#   passphrase: ${HIVEWARD_VAULT_PASSPHRASE}

teams:
  teamA:
    roleX:
      count: 2
      model: default
`

func runSetup() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	for _, dir := range []string{cfg.Bus.DataDir, filepath.Dir(cfg.Store.Path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		fmt.Printf("created %s\n", dir)
	}

	path := os.Getenv("HIVEWARD_CONFIG")
	if path == "" {
		path = "config/hiveward.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("config %s already exists, leaving it alone\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(configSkeleton), 0o644); err != nil {
		return fmt.Errorf("write config skeleton: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
