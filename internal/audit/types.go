// Package audit captures security-relevant events with bounded overhead on
// the request path: risk-scored events flow through a bounded queue into an
// append-only LDJSON log and an embedded SQLite store, and a query surface
// serves realtime stats and compliance reports.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventSessionStart        EventType = "session_start"
	EventDocumentUpload      EventType = "document_upload"
	EventDocumentProcessing  EventType = "document_processing"
	EventDocumentAccess      EventType = "document_access"
	EventRAGQuery            EventType = "rag_query"
	EventRAGSearch           EventType = "rag_search"
	EventAgentMessage        EventType = "agent_message"
	EventSensitiveDataAccess EventType = "sensitive_data_access"
	EventRiskAssessment      EventType = "risk_assessment"
	EventProductQuery        EventType = "product_query"
	EventComplianceCheck     EventType = "compliance_check"
	EventSystemError         EventType = "system_error"
	EventAuthentication      EventType = "authentication"
)

// Level is the event severity class.
type Level string

const (
	LevelInfo       Level = "info"
	LevelWarn       Level = "warn"
	LevelError      Level = "error"
	LevelSecurity   Level = "security"
	LevelCompliance Level = "compliance"
)

// Event is one audit record. IDs are 128-bit random so concurrent producers
// never collide.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type"`
	Level     Level     `json:"level"`

	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Resource string         `json:"resource,omitempty"`
	Action   string         `json:"action"`
	Details  map[string]any `json:"details,omitempty"`

	Success         bool     `json:"success"`
	RiskScore       int      `json:"risk_score"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
	Category        string   `json:"category,omitempty"`

	// DataContent is hashed into DataHash at enqueue and never persisted.
	DataContent string `json:"-"`
	DataHash    string `json:"data_hash,omitempty"`

	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	// Dir holds audit.log and audit.db.
	Dir string

	// QueueSize bounds the in-flight event queue.
	QueueSize int

	// Workers is the number of queue drainers.
	Workers int

	// Risk overrides the default scoring tables when non-nil.
	Risk *RiskConfig
}

// Defaults for the pipeline queue.
const (
	DefaultQueueSize = 4096
	DefaultWorkers   = 2
)

// RealtimeStats is a point-in-time summary of the event store.
type RealtimeStats struct {
	TotalEvents          int64   `json:"total_events"`
	HighRiskEvents       int64   `json:"high_risk_events"`
	MediumRiskEvents     int64   `json:"medium_risk_events"`
	LowRiskEvents        int64   `json:"low_risk_events"`
	FinancialEvents      int64   `json:"financial_events"`
	ComplianceViolations int64   `json:"compliance_violations"`
	AvgRiskScore         float64 `json:"avg_risk_score"`
	UptimeHours          float64 `json:"uptime_hours"`
	DroppedEvents        int64   `json:"dropped_events"`
}

// Risk score bands used by stats and reports.
const (
	highRiskFloor   = 70
	mediumRiskFloor = 40
)
