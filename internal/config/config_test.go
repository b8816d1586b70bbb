package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Bus.Port != 4222 {
		t.Errorf("expected bus port 4222, got %d", cfg.Bus.Port)
	}
	if cfg.Store.Path != "data/hiveward.db" {
		t.Errorf("expected store path data/hiveward.db, got %s", cfg.Store.Path)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Launcher.MaxRestarts != 5 {
		t.Errorf("expected max_restarts 5, got %d", cfg.Launcher.MaxRestarts)
	}
	if cfg.Launcher.StartupTimeout != 10*time.Second {
		t.Errorf("expected startup_timeout 10s, got %v", cfg.Launcher.StartupTimeout)
	}
	if cfg.Launcher.HeartbeatTimeout != 30*time.Second {
		t.Errorf("expected heartbeat_timeout 30s, got %v", cfg.Launcher.HeartbeatTimeout)
	}
	if cfg.Launcher.GracePeriod != 2*time.Second {
		t.Errorf("expected grace_period 2s, got %v", cfg.Launcher.GracePeriod)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("HIVEWARD_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("HIVEWARD_BUS_PORT", "14222")
	t.Setenv("HIVEWARD_WEB_PASSWORD", "secret")
	t.Setenv("HIVEWARD_STORE_PATH", "/tmp/other.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Bus.Port != 14222 {
		t.Errorf("expected bus port 14222, got %d", cfg.Bus.Port)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("expected store path /tmp/other.db, got %s", cfg.Store.Path)
	}
}

func TestLoadRosterFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hiveward.yaml")
	content := `
teams:
  teamA:
    roleX:
      count: 2
      specialization: "general work"
    roleY:
      count: 1
      model: small
      env:
        API_TOKEN: secret:teamA-token
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HIVEWARD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slots := cfg.Teams.Instances()
	if len(slots) != 3 {
		t.Fatalf("expected 3 instance slots, got %d", len(slots))
	}
	// Sorted by instance id: teamA-roleX-1, teamA-roleX-2, teamA-roleY-1
	if slots[0].InstanceID != "teamA-roleX-1" || slots[1].InstanceID != "teamA-roleX-2" {
		t.Errorf("unexpected slot order: %s, %s", slots[0].InstanceID, slots[1].InstanceID)
	}
	if slots[2].Config.Env["API_TOKEN"] != "secret:teamA-token" {
		t.Errorf("expected secret ref in roleY env, got %q", slots[2].Config.Env["API_TOKEN"])
	}
}

func TestRosterValidate(t *testing.T) {
	bad := RosterConfig{"teamA": {"roleX": {Count: -1}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative count")
	}
	ok := RosterConfig{"teamA": {"roleX": {Count: 2}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDiff(t *testing.T) {
	old := defaults()
	old.Teams = RosterConfig{"teamA": {"roleX": {Count: 2}}}
	updated := defaults()
	updated.Teams = RosterConfig{"teamA": {"roleX": {Count: 1}, "roleY": {Count: 1}}}
	updated.Scheduler.PollInterval = time.Minute
	updated.Web.Port = 9090

	d := Diff(&old, &updated)
	if !d.HasChanges() {
		t.Fatal("expected changes")
	}
	if len(d.Added) != 1 || d.Added[0].InstanceID != "teamA-roleY-1" {
		t.Errorf("expected teamA-roleY-1 added, got %+v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].InstanceID != "teamA-roleX-2" {
		t.Errorf("expected teamA-roleX-2 removed, got %+v", d.Removed)
	}
	if !d.SchedulerChanged {
		t.Error("expected scheduler change")
	}
	if len(d.NonReloadable) != 1 || d.NonReloadable[0] != "web.port" {
		t.Errorf("expected web.port non-reloadable, got %v", d.NonReloadable)
	}
}

func TestDiffChangedRoleConfig(t *testing.T) {
	old := defaults()
	old.Teams = RosterConfig{"teamA": {"roleX": {Count: 1, Model: "small"}}}
	updated := defaults()
	updated.Teams = RosterConfig{"teamA": {"roleX": {Count: 1, Model: "large"}}}

	d := Diff(&old, &updated)
	if len(d.Changed) != 1 || d.Changed[0].InstanceID != "teamA-roleX-1" {
		t.Errorf("expected teamA-roleX-1 changed, got %+v", d.Changed)
	}
}
