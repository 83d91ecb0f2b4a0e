package types

// InstanceStatus represents the lifecycle state of a contract instance
type InstanceStatus string

const (
	InstanceStatusCreated   InstanceStatus = "created"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusStopped   InstanceStatus = "stopped"
	InstanceStatusDestroyed InstanceStatus = "destroyed"
	InstanceStatusExited    InstanceStatus = "exited"
)

// Instance is the persisted record for a single contract instance.
// Keyed by Name (a UUIDv4 string, also used as the container name).
type Instance struct {
	ID          uint           `gorm:"primaryKey" json:"-"`
	OwnerPubkey string         `gorm:"index;column:owner_pubkey" json:"owner_pubkey"`
	Name        string         `gorm:"uniqueIndex;column:name" json:"name"`
	ContractID  string         `gorm:"column:contract_id" json:"contract_id"`
	Pubkey      string         `gorm:"column:pubkey" json:"pubkey"`
	IP          string         `gorm:"column:ip" json:"ip"`
	PeerPort    uint16         `gorm:"column:peer_port" json:"peer_port"`
	UserPort    uint16         `gorm:"column:user_port" json:"user_port"`
	Status      InstanceStatus `gorm:"column:status" json:"status"`
	Username    string         `gorm:"column:username" json:"username"`
	Image       string         `gorm:"column:image" json:"image"`
	CreatedAt   int64          `gorm:"column:created_at" json:"created_at"` // epoch ms
}

// TableName pins the gorm table name
func (Instance) TableName() string { return "instances" }

// PortPair is a (peer_port, user_port) assignment
type PortPair struct {
	Peer uint16
	User uint16
}

// IsZero reports whether either port of the pair is unset
func (p PortPair) IsZero() bool { return p.Peer == 0 || p.User == 0 }

// RunningInstance is the (username, container name) projection the
// supervisor polls
type RunningInstance struct {
	Username string
	Name     string
}

// Lease holds external lease metadata attached to list responses when a
// matching lease exists. Timestamps are epoch seconds.
type Lease struct {
	ContainerName    string `json:"container_name"`
	Tenant           string `json:"tenant"`
	CreatedTimestamp int64  `json:"created_timestamp"`
	CreatedLedger    int64  `json:"created_ledger"`
	ExpiryTimestamp  int64  `json:"expiry_timestamp"`
}

// HistoryMode selects how much consensus history an instance retains
type HistoryMode string

const (
	HistoryFull   HistoryMode = "full"
	HistoryCustom HistoryMode = "custom"
)

// NodeRole is the consensus role of an instance
type NodeRole string

const (
	RoleObserver  NodeRole = "observer"
	RoleValidator NodeRole = "validator"
)

// AgentConfig is the on-disk sa.cfg document
type AgentConfig struct {
	Version string        `json:"version" mapstructure:"version"`
	HP      HPConfig      `json:"hp" mapstructure:"hp"`
	System  SystemConfig  `json:"system" mapstructure:"system"`
	Docker  DockerConfig  `json:"docker" mapstructure:"docker"`
	Log     LogConfig     `json:"log" mapstructure:"log"`
	Remote  RemoteConfig  `json:"remote" mapstructure:"remote"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// HPConfig covers the Hot Pocket side of sa.cfg
type HPConfig struct {
	HostAddress  string `json:"host_address" mapstructure:"host_address"`
	InitPeerPort uint16 `json:"init_peer_port" mapstructure:"init_peer_port"`
	InitUserPort uint16 `json:"init_user_port" mapstructure:"init_user_port"`
	TemplateDir  string `json:"template_dir" mapstructure:"template_dir"`
}

// SystemConfig carries host-wide resource caps divided across instances
type SystemConfig struct {
	MaxInstanceCount int    `json:"max_instance_count" mapstructure:"max_instance_count"`
	MaxCPUMicroSec   int64  `json:"max_cpu_us" mapstructure:"max_cpu_us"`
	MaxMemKBytes     int64  `json:"max_mem_kbytes" mapstructure:"max_mem_kbytes"`
	MaxStorageKBytes int64  `json:"max_storage_kbytes" mapstructure:"max_storage_kbytes"`
	UserInstallSh    string `json:"user_install_sh" mapstructure:"user_install_sh"`
	UserUninstallSh  string `json:"user_uninstall_sh" mapstructure:"user_uninstall_sh"`
}

// DockerConfig names the container image defaults
type DockerConfig struct {
	ImageRegistry string `json:"image_registry" mapstructure:"image_registry"`
	DefaultImage  string `json:"default_image" mapstructure:"default_image"`
}

// LogConfig is the agent's own log setup
type LogConfig struct {
	Level string `json:"log_level" mapstructure:"log_level"`
	JSON  bool   `json:"json" mapstructure:"json"`
}

// RemoteConfig points at the cluster-level controller
type RemoteConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port uint16 `json:"port" mapstructure:"port"`
}

// MetricsConfig optionally exposes prometheus metrics
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// InstanceSummary is the per-instance element of a list response
type InstanceSummary struct {
	Name       string `json:"name"`
	User       string `json:"user"`
	Image      string `json:"image"`
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
	PeerPort   uint16 `json:"peer_port"`
	UserPort   uint16 `json:"user_port"`

	// Lease annotations, present only when a matching lease exists
	CreatedTimestamp *int64  `json:"created_timestamp,omitempty"`
	CreatedLedger    *int64  `json:"created_ledger,omitempty"`
	ExpiryTimestamp  *int64  `json:"expiry_timestamp,omitempty"`
	Tenant           *string `json:"tenant,omitempty"`
}
