// Package model defines the entities shared by the master's store, command
// router, and HTTP/websocket surfaces.
package model

import "time"

// Node lifecycle states.
const (
	NodeStatePending = "pending"
	NodeStatePaired  = "paired"
)

// Node is one managed host running an agent.
type Node struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	PairCode        string          `json:"pair_code,omitempty"`
	State           string          `json:"state"`
	PairToken       string          `json:"-"` // never serialized to API responses
	CreatedAt       time.Time       `json:"created_at"`
	PairedAt        *time.Time      `json:"paired_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	AgentHostname   string          `json:"agent_hostname,omitempty"`
	AgentInfo       map[string]any  `json:"agent_info,omitempty"`
	AgentCommit     string          `json:"agent_commit,omitempty"`
	RuntimeMetrics  *RuntimeMetrics `json:"runtime_metrics,omitempty"`
	Capabilities    map[string]any  `json:"capabilities,omitempty"`
}

// RuntimeMetrics is the normalized heartbeat usage snapshot for a node.
type RuntimeMetrics struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	MemoryUsedBytes  int64     `json:"memory_used_bytes"`
	MemoryTotalBytes int64     `json:"memory_total_bytes"`
	StoragePercent   float64   `json:"storage_percent"`
	StorageUsedBytes int64     `json:"storage_used_bytes"`
	StorageTotal     int64     `json:"storage_total_bytes"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// VM lifecycle states.
const (
	VMStateCreating  = "creating"
	VMStateRunning   = "running"
	VMStateStopped   = "stopped"
	VMStateRebooting = "rebooting"
	VMStateDeleting  = "deleting"
	VMStateError     = "error"
	VMStateUnknown   = "unknown"
)

// VM is a libvirt-backed guest managed on behalf of a node.
type VM struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	Name       string    `json:"name"`
	DomainName string    `json:"domain_name"`
	State      string    `json:"state"`
	Provider   string    `json:"provider"`
	ImageID    string    `json:"image_id"`
	VCPU       int       `json:"vcpu"`
	MemoryMB   int       `json:"memory_mb"`
	DiskGB     int       `json:"disk_gb"`
	Bridge     string    `json:"bridge"`
	IPAddress  string    `json:"ip_address,omitempty"`
	DomainUUID string    `json:"domain_uuid,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OSFamily values for VMImage.
const (
	OSFamilyLinux   = "linux"
	OSFamilyWindows = "windows"
)

// VMImage is a reusable base image for VM creation.
type VMImage struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	OSFamily          string    `json:"os_family"`
	SourceURL         string    `json:"source_url"`
	SHA256            string    `json:"sha256,omitempty"`
	DefaultUsername   string    `json:"default_username"`
	CloudInitEnabled  bool      `json:"cloud_init_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Operation type and status values.
const (
	OpCreate = "create"
	OpStart  = "start"
	OpStop   = "stop"
	OpReboot = "reboot"
	OpDelete = "delete"
	OpSync   = "sync"

	OpStatusQueued    = "queued"
	OpStatusRunning   = "running"
	OpStatusSucceeded = "succeeded"
	OpStatusFailed    = "failed"
)

// Operation is a durable record of an asynchronous request dispatched to an agent.
type Operation struct {
	ID            string         `json:"id"`
	NodeID        string         `json:"node_id"`
	VMID          string         `json:"vm_id,omitempty"`
	OperationType string         `json:"operation_type"`
	Status        string         `json:"status"`
	Request       map[string]any `json:"request,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// IsTerminal reports whether the operation has reached a final status.
func (o *Operation) IsTerminal() bool {
	return o.Status == OpStatusSucceeded || o.Status == OpStatusFailed
}

// Log levels accepted from agents and the master itself.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// LogEntry is one append-only record in a node's log stream. IDs are
// monotonic per node, assigned by the store.
type LogEntry struct {
	ID        int64          `json:"id"`
	NodeID    string         `json:"node_id"`
	CreatedAt time.Time      `json:"created_at"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NormalizeLogLevel returns level unchanged if it is LogDebug, LogInfo,
// LogWarning or LogError; anything else is normalized to LogInfo.
func NormalizeLogLevel(level string) string {
	switch level {
	case LogDebug, LogInfo, LogWarning, LogError:
		return level
	default:
		return LogInfo
	}
}

// Terminal session kinds.
const (
	TerminalNodeShell      = "node_shell"
	TerminalVMConsole      = "vm_console"
	TerminalContainerShell = "container_shell"
	TerminalContainerLogs  = "container_logs"
)
