package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

// ServerID identifies a single managed child server process instance.
type ServerID uint64

// ServerStatus is the lifecycle status of a managed server.
type ServerStatus int

const (
	// ServerStatusStarting indicates the entry exists but the process is not confirmed running yet.
	ServerStatusStarting ServerStatus = iota
	// ServerStatusRunning indicates the child process is up and serving.
	ServerStatusRunning
	// ServerStatusStopped indicates the child process exited gracefully.
	ServerStatusStopped
	// ServerStatusCrashed indicates the child process exited abnormally.
	ServerStatusCrashed
)

// String implements fmt.Stringer.
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusStarting:
		return "starting"
	case ServerStatusRunning:
		return "running"
	case ServerStatusStopped:
		return "stopped"
	case ServerStatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Live reports whether a server in this status can accept attachments and traffic.
func (s ServerStatus) Live() bool {
	return s == ServerStatusStarting || s == ServerStatusRunning
}

// MarshalJSON encodes the status as its string form on the wire.
func (s ServerStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the wire string form of a status.
func (s *ServerStatus) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"starting"`:
		*s = ServerStatusStarting
	case `"running"`:
		*s = ServerStatusRunning
	case `"stopped"`:
		*s = ServerStatusStopped
	case `"crashed"`:
		*s = ServerStatusCrashed
	default:
		*s = ServerStatusCrashed
	}
	return nil
}

// ProjectKey is the deduplication identity of a server launch configuration.
// It is derived deterministically from the command, arguments and working
// directory, and is immutable once computed.
type ProjectKey uuid.UUID

// String implements fmt.Stringer.
func (k ProjectKey) String() string {
	return uuid.UUID(k).String()
}

// LaunchConfig describes how to start one child server process.
// It doubles as the wire parameters of the server/acquire method.
type LaunchConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`

	// Optional per-server overrides of broker-wide defaults. Zero means default.
	IdleLeaseMillis      int64 `json:"idleLeaseMs,omitempty"`
	RequestTimeoutMillis int64 `json:"requestTimeoutMs,omitempty"`
}

// IdleLease returns the configured idle lease override, or fallback when unset.
func (c LaunchConfig) IdleLease(fallback time.Duration) time.Duration {
	if c.IdleLeaseMillis <= 0 {
		return fallback
	}
	return time.Duration(c.IdleLeaseMillis) * time.Millisecond
}

// RequestTimeout returns the configured request timeout override, or fallback when unset.
func (c LaunchConfig) RequestTimeout(fallback time.Duration) time.Duration {
	if c.RequestTimeoutMillis <= 0 {
		return fallback
	}
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}
