package storage

import (
	"github.com/sashimono/agent/pkg/types"
)

// Store defines the interface for instance state persistence.
// Implemented by the SQLite-backed store in this package.
type Store interface {
	// InsertInstance persists a new instance record
	InsertInstance(inst *types.Instance) error

	// GetInstance fetches a record by container name. The boolean reports
	// whether a record exists; err is reserved for storage failures.
	GetInstance(name string) (*types.Instance, bool, error)

	// UpdateStatus mutates only the status column of a record
	UpdateStatus(name string, status types.InstanceStatus) error

	// ListInstances returns every record, including destroyed ones
	ListInstances() ([]*types.Instance, error)

	// MaxPorts returns the highest peer and user port over non-destroyed
	// rows. Either component is zero when no such rows exist.
	MaxPorts() (types.PortPair, error)

	// VacantPorts returns pairs from destroyed rows whose user_port is not
	// held by any non-destroyed row, in insertion order.
	VacantPorts() ([]types.PortPair, error)

	// AllocatedCount counts non-destroyed rows
	AllocatedCount() (int64, error)

	// RunningInstances returns (username, name) for rows with status running
	RunningInstances() ([]types.RunningInstance, error)

	// Close releases the underlying database
	Close() error
}
