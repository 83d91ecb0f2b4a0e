package provision

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/types"
)

// Sentinels printed as the last stdout line by the provisioning scripts.
// Success is encoded in stdout, not the exit code, so the parser keys off
// these rather than Wait status alone.
const (
	installSuccess   = "INST_SUC"
	installError     = "INST_ERR"
	uninstallSuccess = "UNINST_SUC"
	uninstallError   = "UNINST_ERR"
)

// Contract processes inside the container run as this fixed uid/gid
const (
	ContractUID = 10000
	ContractGID = 10000
)

// InstallResult carries the named outputs of a successful user install
type InstallResult struct {
	UID      int
	Username string
}

// UserProvisioner creates and deletes per-instance Linux users by shelling
// out to the configured install/uninstall scripts.
type UserProvisioner struct {
	installSh   string
	uninstallSh string
	system      types.SystemConfig
}

// NewUserProvisioner builds a provisioner from the system section of sa.cfg
func NewUserProvisioner(system types.SystemConfig) *UserProvisioner {
	return &UserProvisioner{
		installSh:   system.UserInstallSh,
		uninstallSh: system.UserUninstallSh,
		system:      system,
	}
}

// InstanceQuota returns the per-instance resource budget: system caps
// divided by max_instance_count.
func (p *UserProvisioner) InstanceQuota() (cpuUS, memKB, storageKB int64) {
	n := int64(p.system.MaxInstanceCount)
	if n <= 0 {
		n = 1
	}
	return p.system.MaxCPUMicroSec / n, p.system.MaxMemKBytes / n, p.system.MaxStorageKBytes / n
}

// Install provisions a Linux user for the named container and returns the
// uid and username the script reports.
func (p *UserProvisioner) Install(containerName string) (*InstallResult, error) {
	cpuUS, memKB, storageKB := p.InstanceQuota()

	out, err := p.run(p.installSh,
		strconv.FormatInt(cpuUS, 10),
		strconv.FormatInt(memKB, 10),
		strconv.FormatInt(storageKB, 10),
		containerName,
		strconv.Itoa(ContractUID),
		strconv.Itoa(ContractGID),
	)

	lines := outputLines(out)
	if err != nil && len(lines) == 0 {
		return nil, fmt.Errorf("user install script failed: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("user install script produced no output")
	}

	last := lines[len(lines)-1]
	switch {
	case strings.HasPrefix(last, installSuccess):
		if len(lines) < 3 {
			return nil, fmt.Errorf("user install script did not report uid and username")
		}
		uid, perr := strconv.Atoi(lines[len(lines)-3])
		if perr != nil {
			return nil, fmt.Errorf("user install script reported invalid uid %q: %w", lines[len(lines)-3], perr)
		}
		return &InstallResult{UID: uid, Username: lines[len(lines)-2]}, nil
	case strings.HasPrefix(last, installError):
		return nil, fmt.Errorf("user install failed: %s", sentinelMessage(last, installError, lines))
	default:
		return nil, fmt.Errorf("user install script ended without a sentinel: %q", last)
	}
}

// Uninstall deletes the Linux user owning an instance
func (p *UserProvisioner) Uninstall(username string) error {
	out, err := p.run(p.uninstallSh, username)

	lines := outputLines(out)
	if err != nil && len(lines) == 0 {
		return fmt.Errorf("user uninstall script failed: %w", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("user uninstall script produced no output")
	}

	last := lines[len(lines)-1]
	switch {
	case strings.HasPrefix(last, uninstallSuccess):
		return nil
	case strings.HasPrefix(last, uninstallError):
		return fmt.Errorf("user uninstall failed: %s", sentinelMessage(last, uninstallError, lines))
	default:
		return fmt.Errorf("user uninstall script ended without a sentinel: %q", last)
	}
}

// run executes a script with stdout capture. The child gets its own process
// group and default signal handling so terminal signals aimed at the agent
// do not propagate into provisioning.
func (p *UserProvisioner) run(script string, args ...string) ([]byte, error) {
	cmd := exec.Command(script, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger := log.WithComponent("provision")
	logger.Debug().Str("script", script).Strs("args", args).Msg("running provisioning script")

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			logger.Error().Str("script", script).Str("stderr", string(ee.Stderr)).Msg("provisioning script stderr")
		}
	}
	return out, err
}

// outputLines splits stdout into trimmed non-empty lines
func outputLines(out []byte) []string {
	raw := strings.Split(string(out), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// sentinelMessage extracts the human message attached to an error sentinel:
// the remainder of the sentinel line when present, otherwise the line before.
func sentinelMessage(last, sentinel string, lines []string) string {
	if msg := strings.TrimSpace(strings.TrimPrefix(last, sentinel)); msg != "" {
		return msg
	}
	if len(lines) >= 2 {
		return lines[len(lines)-2]
	}
	return "no reason reported"
}
