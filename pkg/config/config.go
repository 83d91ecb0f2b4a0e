package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/types"
)

const (
	// ConfigFile is the agent config file name inside the data directory
	ConfigFile = "sa.cfg"

	// DatabaseFile is the instance database file name
	DatabaseFile = "sa.sqlite"

	// SocketFile is the local control socket name
	SocketFile = "sa.sock"

	// LeaseFile is the lease metadata cache file name
	LeaseFile = "sa.leases"
)

// Paths resolves the well-known files under a data directory
type Paths struct {
	DataDir string
}

func (p Paths) Config() string   { return filepath.Join(p.DataDir, ConfigFile) }
func (p Paths) Database() string { return filepath.Join(p.DataDir, DatabaseFile) }
func (p Paths) Socket() string   { return filepath.Join(p.DataDir, SocketFile) }
func (p Paths) Leases() string   { return filepath.Join(p.DataDir, LeaseFile) }

// Load reads sa.cfg from dataDir and returns the validated agent config
func Load(dataDir string) (*types.AgentConfig, error) {
	v := viper.New()
	v.SetConfigFile(Paths{DataDir: dataDir}.Config())
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}

	var cfg types.AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hp.host_address", "127.0.0.1")
	v.SetDefault("hp.init_peer_port", 22861)
	v.SetDefault("hp.init_user_port", 26201)
	v.SetDefault("system.max_instance_count", 3)
	v.SetDefault("system.user_install_sh", "/usr/bin/sashimono-user-install.sh")
	v.SetDefault("system.user_uninstall_sh", "/usr/bin/sashimono-user-uninstall.sh")
	v.SetDefault("log.log_level", "inf")
}

// Validate checks the fields the lifecycle depends on
func Validate(cfg *types.AgentConfig) error {
	if cfg.System.MaxInstanceCount <= 0 {
		return fmt.Errorf("system.max_instance_count must be positive")
	}
	if cfg.HP.InitPeerPort == 0 || cfg.HP.InitUserPort == 0 {
		return fmt.Errorf("hp.init_peer_port and hp.init_user_port must be set")
	}
	if cfg.HP.TemplateDir == "" {
		return fmt.Errorf("hp.template_dir must be set")
	}
	if cfg.Log.Level != "" && !log.Level(cfg.Log.Level).Valid() {
		return fmt.Errorf("log.log_level must be one of dbg|inf|wrn|err, got %q", cfg.Log.Level)
	}
	return nil
}
