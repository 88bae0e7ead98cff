// Package config loads and validates fleetsync's process configuration:
// the directory layout the Bundle Builder and Heartbeat Intake operate
// on, the transport and queue sizing knobs, and the ambient logging and
// admin-surface settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is fleetsync's top-level configuration.
type Config struct {
	// Transport selects the wire protocol used to stream files to
	// agents: "tcp" or "udp".
	Transport string `yaml:"transport" validate:"oneof=tcp udp"`
	// ListenAddr is the address the Heartbeat Intake listens on.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// SharedConfigDir is the shared-configuration root scanned by the
	// Bundle Builder; each immediate subdirectory names a group.
	SharedConfigDir string `yaml:"shared_config_dir" validate:"required"`
	// ActiveResponseFile, if set, is merged into every group's bundle.
	ActiveResponseFile string `yaml:"active_response_file"`
	// AgentInfoDir holds one keep-alive file per agent.
	AgentInfoDir string `yaml:"agent_info_dir" validate:"required"`
	// GroupStorePath is the directory holding the BoltDB agent→group
	// assignment database.
	GroupStorePath string `yaml:"group_store_path" validate:"required"`

	// MaxAgents bounds the Pending queue's capacity.
	MaxAgents int `yaml:"max_agents" validate:"min=1"`
	// ReconcileWorkers is how many goroutines drain the Pending queue.
	ReconcileWorkers int `yaml:"reconcile_workers" validate:"min=1"`
	// RefreshInterval is how often the Periodic Refresher rebuilds the
	// Index regardless of agent activity. Bounded the way the original
	// daemon bounds its shared_reload setting (1s..5h).
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"min=1000000000,max=18000000000000"`
	// WatchFS enables an fsnotify-triggered early rebuild in addition
	// to RefreshInterval.
	WatchFS bool `yaml:"watch_fs"`

	// AdminAddr is the address the admin HTTP surface listens on.
	AdminAddr string `yaml:"admin_addr" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	// LogJSON selects JSON log output over the console writer.
	LogJSON bool `yaml:"log_json"`
}

// Default returns a Config with fleetsync's out-of-the-box defaults,
// suitable as a base before Load overlays a file's contents.
func Default() Config {
	return Config{
		Transport:        "tcp",
		ListenAddr:       ":1514",
		SharedConfigDir:  "/var/fleetsync/shared",
		AgentInfoDir:     "/var/fleetsync/agent-info",
		GroupStorePath:   "/var/fleetsync/data",
		MaxAgents:        1024,
		ReconcileWorkers: 4,
		RefreshInterval:  10 * time.Second,
		AdminAddr:        ":9090",
		LogLevel:         "info",
	}
}

// Load reads and validates a YAML config file at path, overlaying its
// contents onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
