package hpfs

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/types"
)

// The two user-mode filesystem units backing every instance
var serviceUnits = []string{"contract_fs", "ledger_fs"}

const (
	// ServiceConfFile is the KEY=VALUE env file in the instance user's home
	ServiceConfFile = ".serviceconf"

	mergeKey = "HPFS_MERGE"
	traceKey = "HPFS_TRACE"
)

// ServiceDriver starts and stops the per-user filesystem service units and
// maintains their environment file.
type ServiceDriver struct{}

// NewServiceDriver creates a filesystem service driver
func NewServiceDriver() *ServiceDriver {
	return &ServiceDriver{}
}

// Configure rewrites ~<username>/.serviceconf for the given history mode and
// hpfs log level. Keys the driver does not own are preserved.
func (d *ServiceDriver) Configure(username string, history types.HistoryMode, hpfsLogLevel string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", username, err)
	}

	confPath := filepath.Join(u.HomeDir, ServiceConfFile)
	if err := updateServiceConf(confPath, history, hpfsLogLevel); err != nil {
		return err
	}

	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	if err := os.Chown(confPath, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", confPath, err)
	}

	return nil
}

// updateServiceConf merges the driver-owned keys into the env file. The fs
// units expect bare KEY=VALUE lines, so values are written unquoted.
func updateServiceConf(confPath string, history types.HistoryMode, hpfsLogLevel string) error {
	env, err := godotenv.Read(confPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", confPath, err)
		}
		env = map[string]string{}
	}

	// Merge mode is only on when the instance keeps partial history
	env[mergeKey] = strconv.FormatBool(history != types.HistoryFull)
	env[traceKey] = hpfsLogLevel

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, env[k])
	}

	if err := os.WriteFile(confPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", confPath, err)
	}
	return nil
}

// Start enables and starts both filesystem units for the user
func (d *ServiceDriver) Start(username string) error {
	if err := d.systemctl(username, "enable", serviceUnits); err != nil {
		return err
	}
	return d.systemctl(username, "start", serviceUnits)
}

// Stop stops and disables both filesystem units for the user
func (d *ServiceDriver) Stop(username string) error {
	if err := d.systemctl(username, "stop", serviceUnits); err != nil {
		return err
	}
	return d.systemctl(username, "disable", serviceUnits)
}

// systemctl runs `sudo -u <user> XDG_RUNTIME_DIR=/run/user/<uid> systemctl
// --user <verb> <units...>` in its own process group.
func (d *ServiceDriver) systemctl(username, verb string, units []string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", username, err)
	}

	args := []string{
		"-u", username,
		fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/%s", u.Uid),
		"systemctl", "--user", verb,
	}
	args = append(args, units...)

	cmd := exec.Command("sudo", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithComponent("hpfs").Error().
			Str("user", username).Str("verb", verb).
			Str("output", string(out)).Msg("systemctl failed")
		return fmt.Errorf("failed to %s fs services for %s: %w", verb, username, err)
	}
	return nil
}
