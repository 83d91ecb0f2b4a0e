package manager

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sashimono/agent/pkg/contract"
	"github.com/sashimono/agent/pkg/events"
	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/ports"
	"github.com/sashimono/agent/pkg/provision"
	"github.com/sashimono/agent/pkg/storage"
	"github.com/sashimono/agent/pkg/types"
)

// createNameRetries bounds generated-name collisions before create gives up
const createNameRetries = 10

// ContainerDriver is the container runtime surface the manager drives
type ContainerDriver interface {
	Create(username, image, name, contractDir string, peerPort, userPort uint16) error
	Start(username, name string) error
	Stop(username, name string) error
	Remove(username, name string) error
	Inspect(username, name string) (string, error)
}

// Provisioner creates and deletes per-instance Linux users
type Provisioner interface {
	Install(containerName string) (*provision.InstallResult, error)
	Uninstall(username string) error
}

// FsServices drives the per-user filesystem service units
type FsServices interface {
	Configure(username string, history types.HistoryMode, hpfsLogLevel string) error
	Start(username string) error
	Stop(username string) error
}

// Templater materializes and patches contract directories
type Templater interface {
	Materialize(username, ownerPubkey, contractID, contractDir string, pair types.PortPair) (*contract.Keypair, error)
	ApplyOverrides(contractDir string, overlay map[string]interface{}) error
	ReadServiceSettings(contractDir string) (contract.ServiceSettings, error)
}

// Config carries the slice of sa.cfg the manager depends on
type Config struct {
	HostAddress      string
	MaxInstanceCount int
	HomeRoot         string // parent of per-user home dirs, normally /home
}

// InstanceManager orchestrates the lifecycle state machine. All transitions
// are serialized behind one mutex; every transition re-reads the record from
// the store so crash recovery needs no transient state beyond ports.
type InstanceManager struct {
	mu sync.Mutex

	cfg         Config
	store       storage.Store
	allocator   *ports.Allocator
	provisioner Provisioner
	templater   Templater
	containers  ContainerDriver
	fs          FsServices
	bus         *events.Broker
}

// NewInstanceManager wires the lifecycle manager from its collaborators
func NewInstanceManager(cfg Config, store storage.Store, allocator *ports.Allocator,
	provisioner Provisioner, templater Templater, containers ContainerDriver, fs FsServices) *InstanceManager {
	if cfg.HomeRoot == "" {
		cfg.HomeRoot = "/home"
	}
	return &InstanceManager{
		cfg:         cfg,
		store:       store,
		allocator:   allocator,
		provisioner: provisioner,
		templater:   templater,
		containers:  containers,
		fs:          fs,
	}
}

// SetEvents attaches an event broker; transitions are published to it
func (m *InstanceManager) SetEvents(bus *events.Broker) {
	m.bus = bus
}

func (m *InstanceManager) emit(name, username string, status types.InstanceStatus) {
	m.bus.Publish(&events.Event{
		Type:     events.ForStatus(status),
		Name:     name,
		Username: username,
	})
}

// ContractDir returns the per-instance contract tree location
func (m *InstanceManager) ContractDir(username, name string) string {
	return filepath.Join(m.cfg.HomeRoot, username, name)
}

// Create provisions a user, materializes the contract template, creates the
// container (without starting it) and persists the record.
func (m *InstanceManager) Create(ownerPubkey, contractID, image string) (*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !contract.ValidPubkey(ownerPubkey) {
		return nil, fmt.Errorf("%w: owner_pubkey must be an ed-prefixed 66 character hex key", ErrBadRequest)
	}
	if u, err := uuid.Parse(contractID); err != nil || u.Version() != 4 {
		return nil, fmt.Errorf("%w: contract_id must be a valid uuid (v4)", ErrBadRequest)
	}

	count, err := m.store.AllocatedCount()
	if err != nil {
		return nil, err
	}
	if count >= int64(m.cfg.MaxInstanceCount) {
		return nil, ErrMaxInstances
	}

	name, err := m.newContainerName()
	if err != nil {
		return nil, err
	}

	pair, fromVacant, err := m.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	rollbackPorts := func() {
		if fromVacant {
			m.allocator.Release(pair)
		}
	}

	installed, err := m.provisioner.Install(name)
	if err != nil {
		rollbackPorts()
		return nil, err
	}
	username := installed.Username

	contractDir := m.ContractDir(username, name)
	keys, err := m.templater.Materialize(username, ownerPubkey, contractID, contractDir, pair)
	if err != nil {
		m.rollbackUser(username)
		rollbackPorts()
		return nil, err
	}

	if err := m.containers.Create(username, image, name, contractDir, pair.Peer, pair.User); err != nil {
		m.rollbackUser(username)
		rollbackPorts()
		return nil, err
	}

	inst := &types.Instance{
		OwnerPubkey: ownerPubkey,
		Name:        name,
		ContractID:  contractID,
		Pubkey:      keys.PublicKey,
		IP:          m.cfg.HostAddress,
		PeerPort:    pair.Peer,
		UserPort:    pair.User,
		Status:      types.InstanceStatusCreated,
		Username:    username,
		Image:       image,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := m.store.InsertInstance(inst); err != nil {
		if rerr := m.containers.Remove(username, name); rerr != nil {
			log.WithInstance(name).Error().Err(rerr).Msg("rollback container remove failed")
		}
		m.rollbackUser(username)
		rollbackPorts()
		return nil, err
	}

	m.allocator.Commit(pair)
	m.emit(name, username, types.InstanceStatusCreated)
	log.WithInstance(name).Info().
		Str("user", username).Uint16("peer_port", pair.Peer).Uint16("user_port", pair.User).
		Msg("instance created")
	return inst, nil
}

// Initiate patches the contract config with the caller's overrides, brings
// up the filesystem services and starts the container for the first time.
func (m *InstanceManager) Initiate(name string, overlay map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.mustGet(name)
	if err != nil {
		return err
	}
	if inst.Status != types.InstanceStatusCreated {
		return fmt.Errorf("%w: instance %s is not in created state", ErrPrecondition, name)
	}

	contractDir := m.ContractDir(inst.Username, inst.Name)
	if err := m.templater.ApplyOverrides(contractDir, overlay); err != nil {
		return err
	}

	return m.bringUp(inst, contractDir)
}

// Start resumes a stopped instance. Exited instances are deliberately
// startable too: an explicit operator start is the recovery path after the
// supervisor has given up.
func (m *InstanceManager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.mustGet(name)
	if err != nil {
		return err
	}
	if inst.Status != types.InstanceStatusStopped && inst.Status != types.InstanceStatusExited {
		return fmt.Errorf("%w: instance %s is not stopped", ErrPrecondition, name)
	}

	return m.bringUp(inst, m.ContractDir(inst.Username, inst.Name))
}

// bringUp reconfigures and starts fs services plus the container, rolling
// back forward side effects on failure. Shared by Initiate and Start.
func (m *InstanceManager) bringUp(inst *types.Instance, contractDir string) error {
	settings, err := m.templater.ReadServiceSettings(contractDir)
	if err != nil {
		return err
	}

	if err := m.fs.Configure(inst.Username, settings.History, settings.HpfsLogLevel); err != nil {
		return err
	}
	if err := m.fs.Start(inst.Username); err != nil {
		return err
	}

	if err := m.containers.Start(inst.Username, inst.Name); err != nil {
		m.rollbackFsStop(inst.Username)
		return err
	}

	if err := m.store.UpdateStatus(inst.Name, types.InstanceStatusRunning); err != nil {
		if serr := m.containers.Stop(inst.Username, inst.Name); serr != nil {
			log.WithInstance(inst.Name).Error().Err(serr).Msg("rollback container stop failed")
		}
		m.rollbackFsStop(inst.Username)
		return err
	}

	m.emit(inst.Name, inst.Username, types.InstanceStatusRunning)
	log.WithInstance(inst.Name).Info().Msg("instance running")
	return nil
}

// Stop halts a running instance's container and filesystem services
func (m *InstanceManager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.mustGet(name)
	if err != nil {
		return err
	}
	if inst.Status != types.InstanceStatusRunning {
		return fmt.Errorf("%w: instance %s is not running", ErrPrecondition, name)
	}

	if err := m.containers.Stop(inst.Username, inst.Name); err != nil {
		return err
	}
	if err := m.fs.Stop(inst.Username); err != nil {
		return err
	}

	if err := m.store.UpdateStatus(name, types.InstanceStatusStopped); err != nil {
		return err
	}

	m.emit(name, inst.Username, types.InstanceStatusStopped)
	log.WithInstance(name).Info().Msg("instance stopped")
	return nil
}

// Destroy tears an instance down from any state: container removed, user
// uninstalled, ports released. Re-destroying a destroyed record is a no-op
// at the status level and never re-runs the user uninstall. The status
// update happens even when the user uninstall fails, but that failure still
// fails the request.
func (m *InstanceManager) Destroy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.mustGet(name)
	if err != nil {
		return err
	}
	if inst.Status == types.InstanceStatusDestroyed {
		return nil
	}

	if err := m.containers.Remove(inst.Username, inst.Name); err != nil {
		log.WithInstance(name).Warn().Err(err).Msg("container remove failed during destroy")
	}
	if inst.Status == types.InstanceStatusRunning {
		m.rollbackFsStop(inst.Username)
	}

	uninstallErr := m.provisioner.Uninstall(inst.Username)

	if err := m.store.UpdateStatus(name, types.InstanceStatusDestroyed); err != nil {
		return err
	}
	m.allocator.Release(types.PortPair{Peer: inst.PeerPort, User: inst.UserPort})
	m.emit(name, inst.Username, types.InstanceStatusDestroyed)

	if uninstallErr != nil {
		return uninstallErr
	}

	log.WithInstance(name).Info().Msg("instance destroyed")
	return nil
}

// Get returns the stored record for a container name
func (m *InstanceManager) Get(name string) (*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mustGet(name)
}

// List returns every stored record
func (m *InstanceManager) List() ([]*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ListInstances()
}

// Revive is the supervisor's entry point for one running-marked instance:
// if the runtime reports the container non-running, attempt a restart and
// mark the record exited when that fails. Restart success is reported so the
// caller can count it; (false, nil) means nothing needed doing.
func (m *InstanceManager) Revive(username, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-validate under the lock: a user stop may have won the race
	inst, found, err := m.store.GetInstance(name)
	if err != nil || !found || inst.Status != types.InstanceStatusRunning {
		return false, err
	}

	status, err := m.containers.Inspect(username, name)
	if err == nil && status == "running" {
		return false, nil
	}

	if startErr := m.containers.Start(username, name); startErr != nil {
		if uerr := m.store.UpdateStatus(name, types.InstanceStatusExited); uerr != nil {
			log.WithInstance(name).Error().Err(uerr).Msg("failed to mark instance exited")
		}
		m.emit(name, username, types.InstanceStatusExited)
		return false, fmt.Errorf("failed to restart container %s: %w", name, startErr)
	}
	return true, nil
}

// mustGet loads a record or reports ErrNotFound
func (m *InstanceManager) mustGet(name string) (*types.Instance, error) {
	inst, found, err := m.store.GetInstance(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst, nil
}

// newContainerName generates a UUIDv4 name, retrying on the unlikely
// collision with an existing record.
func (m *InstanceManager) newContainerName() (string, error) {
	for i := 0; i < createNameRetries; i++ {
		name := uuid.NewString()
		_, found, err := m.store.GetInstance(name)
		if err != nil {
			return "", err
		}
		if !found {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: could not generate a unique container name", ErrPrecondition)
}

func (m *InstanceManager) rollbackUser(username string) {
	if err := m.provisioner.Uninstall(username); err != nil {
		log.WithUser(username).Error().Err(err).Msg("rollback user uninstall failed")
	}
}

func (m *InstanceManager) rollbackFsStop(username string) {
	if err := m.fs.Stop(username); err != nil {
		log.WithUser(username).Error().Err(err).Msg("fs service stop failed")
	}
}
