package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Role classifies an authenticated connection.
type Role string

const (
	RoleAgent Role = "AGENT"
	RoleUser  Role = "USER"
)

// RoleFromQuery maps the upgrade request's role parameter to a Role.
// Only the literal "agent" selects RoleAgent.
func RoleFromQuery(v string) Role {
	if v == "agent" {
		return RoleAgent
	}
	return RoleUser
}

// String returns the lowercase role name used in persisted records
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	default:
		return "user"
	}
}

// Stats tracks gateway statistics
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time
	Mu                 sync.RWMutex
	CPUPercent         float64
	MemoryMB           float64

	RateLimitedMessages int64 // Count of inbound frames dropped by the per-connection limiter
	IdleTimeouts        int64 // Connections closed by the idle watchdog

	DisconnectsByReason map[string]int64 // Disconnect counts by reason
	DisconnectsMu       sync.RWMutex     // Protects DisconnectsByReason map
}

// NewStats returns a Stats stamped with the current time
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}
