package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0644))
	return dir
}

// TestPaths verifies the well-known file layout under the data dir
func TestPaths(t *testing.T) {
	p := Paths{DataDir: "/etc/sashimono"}
	assert.Equal(t, "/etc/sashimono/sa.cfg", p.Config())
	assert.Equal(t, "/etc/sashimono/sa.sqlite", p.Database())
	assert.Equal(t, "/etc/sashimono/sa.sock", p.Socket())
	assert.Equal(t, "/etc/sashimono/sa.leases", p.Leases())
}

// TestLoad verifies a full config parses into the typed document
func TestLoad(t *testing.T) {
	dir := writeConfig(t, `{
    "version": "0.5.0",
    "hp": {
        "host_address": "45.32.1.10",
        "init_peer_port": 23000,
        "init_user_port": 27000,
        "template_dir": "/etc/sashimono/contract_template"
    },
    "system": {
        "max_instance_count": 5,
        "max_cpu_us": 900000,
        "max_mem_kbytes": 3145728,
        "max_storage_kbytes": 5242880
    },
    "docker": {
        "image_registry": "registry.example.com",
        "default_image": "hp:latest"
    },
    "log": {
        "log_level": "dbg"
    },
    "remote": {
        "host": "controller.example.com",
        "port": 443
    }
}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.5.0", cfg.Version)
	assert.Equal(t, "45.32.1.10", cfg.HP.HostAddress)
	assert.Equal(t, uint16(23000), cfg.HP.InitPeerPort)
	assert.Equal(t, uint16(27000), cfg.HP.InitUserPort)
	assert.Equal(t, 5, cfg.System.MaxInstanceCount)
	assert.Equal(t, "dbg", cfg.Log.Level)
	assert.Equal(t, "controller.example.com", cfg.Remote.Host)
	assert.Equal(t, uint16(443), cfg.Remote.Port)
}

// TestLoadDefaults verifies a minimal config picks up the standard defaults
func TestLoadDefaults(t *testing.T) {
	dir := writeConfig(t, `{
    "hp": {
        "template_dir": "/etc/sashimono/contract_template"
    }
}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.HP.HostAddress)
	assert.Equal(t, uint16(22861), cfg.HP.InitPeerPort)
	assert.Equal(t, uint16(26201), cfg.HP.InitUserPort)
	assert.Equal(t, 3, cfg.System.MaxInstanceCount)
	assert.Equal(t, "inf", cfg.Log.Level)
	assert.Equal(t, "/usr/bin/sashimono-user-install.sh", cfg.System.UserInstallSh)
}

// TestLoadRejections verifies missing files and invalid values fail
func TestLoadRejections(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("missing template dir", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "template_dir")
	})

	t.Run("bad log level", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{
    "hp": {"template_dir": "/tmp/template"},
    "log": {"log_level": "verbose"}
}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log_level")
	})

	t.Run("zero instance count", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{
    "hp": {"template_dir": "/tmp/template"},
    "system": {"max_instance_count": 0}
}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_instance_count")
	})
}
