package v1

import "time"

// CommMode is how the broker communicates with a registered agent.
type CommMode string

const (
	CommHeadless CommMode = "headless"
	CommTmux     CommMode = "tmux"
	CommShadow   CommMode = "shadow"
)

// AgentStatus is the liveness state of an agent record.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentReady    AgentStatus = "ready"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
	AgentOffline  AgentStatus = "offline"
)

// BootstrapStatus tracks the progress of an agent's context bootstrap.
type BootstrapStatus string

const (
	BootstrapPending    BootstrapStatus = "pending"
	BootstrapInProgress BootstrapStatus = "in_progress"
	BootstrapCompleted  BootstrapStatus = "completed"
	BootstrapFailed     BootstrapStatus = "failed"
	BootstrapReady      BootstrapStatus = "ready"
)

// AgentRecord is the in-memory liveness record for one registered agent.
type AgentRecord struct {
	AgentID         string                 `json:"agentId"`
	Type            string                 `json:"type"`
	CommMode        CommMode               `json:"commMode"`
	Status          AgentStatus            `json:"status"`
	BootstrapStatus BootstrapStatus        `json:"bootstrapStatus"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	LastHeartbeat   time.Time              `json:"lastHeartbeat"`
	HeartbeatMs     int64                  `json:"heartbeatIntervalMs"`
	RegisteredAt    time.Time              `json:"registeredAt"`
}

// MetaCommMode / MetaRole / MetaWorkingDirectory are recognized keys inside
// AgentRecord.Metadata.
const (
	MetaCommMode        = "commMode"
	MetaRole            = "role"
	MetaWorkingDirectory = "workingDirectory"
)
