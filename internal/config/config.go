package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Launcher  LauncherConfig  `yaml:"launcher"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Teams     RosterConfig    `yaml:"teams"`
}

type BusConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL points agent processes and control commands at an already
	// running daemon. Empty means "this process embeds the server".
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type LauncherConfig struct {
	StartupTimeout   time.Duration `yaml:"startup_timeout"`
	MaxRestarts      int           `yaml:"max_restarts"`
	RestartBackoff   time.Duration `yaml:"restart_backoff"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// RosterConfig declares the desired agent population: team -> role -> config.
type RosterConfig map[string]map[string]RoleConfig

type RoleConfig struct {
	Count          int               `yaml:"count"`
	Specialization string            `yaml:"specialization"`
	Model          string            `yaml:"model"`
	Env            map[string]string `yaml:"env"`
}

func defaults() Config {
	return Config{
		Bus: BusConfig{
			Port:    4222,
			DataDir: "data/bus",
		},
		Store: StoreConfig{
			Path: "data/hiveward.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Launcher: LauncherConfig{
			StartupTimeout:   10 * time.Second,
			MaxRestarts:      5,
			RestartBackoff:   2 * time.Second,
			PollInterval:     10 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			GracePeriod:      2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEWARD_CONFIG")
	if path == "" {
		path = "config/hiveward.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Teams.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEWARD_BUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Port = port
		}
	}
	if v := os.Getenv("HIVEWARD_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("HIVEWARD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEWARD_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVEWARD_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVEWARD_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}

// Validate rejects rosters that cannot produce a well-formed instance id.
func (r RosterConfig) Validate() error {
	for team, roles := range r {
		if team == "" {
			return fmt.Errorf("roster: empty team name")
		}
		for role, rc := range roles {
			if role == "" {
				return fmt.Errorf("roster: team %s has an empty role name", team)
			}
			if rc.Count < 0 {
				return fmt.Errorf("roster: %s/%s has negative count %d", team, role, rc.Count)
			}
		}
	}
	return nil
}

// InstanceID derives the unique per-process identity for one declared slot.
// Index is 1-based.
func InstanceID(team, role string, index int) string {
	return fmt.Sprintf("%s-%s-%d", team, role, index)
}

// InstanceSlot is one declared agent process: a roster triple expanded to a
// concrete instance id.
type InstanceSlot struct {
	Team       string
	Role       string
	InstanceID string
	Config     RoleConfig
}

// Instances expands the roster into the flat list of declared instance slots,
// sorted for deterministic launch order.
func (r RosterConfig) Instances() []InstanceSlot {
	var slots []InstanceSlot
	for team, roles := range r {
		for role, rc := range roles {
			for i := 1; i <= rc.Count; i++ {
				slots = append(slots, InstanceSlot{
					Team:       team,
					Role:       role,
					InstanceID: InstanceID(team, role, i),
					Config:     rc,
				})
			}
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].InstanceID < slots[j].InstanceID })
	return slots
}
