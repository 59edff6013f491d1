// Package errors defines the sessiond error taxonomy.
package errors

import (
	stderr "errors"
	"fmt"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"go.lsp.dev/uri"
)

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// NoSessionOnContextError reports that a request context carries no session ID.
	NoSessionOnContextError = New("no session ID on context")
	// BrokerClosedError reports that the broker is shutting down.
	BrokerClosedError = New("broker is shutting down")
)

// DedupKeyInvalidError reports a malformed launch configuration that cannot
// produce a project key.
type DedupKeyInvalidError struct {
	Reason string
}

// Error is an implementation of the error interface.
func (e *DedupKeyInvalidError) Error() string {
	return fmt.Sprintf("invalid launch configuration: %s", e.Reason)
}

// SessionNotFoundError is a domain error for an unknown session ID.
type SessionNotFoundError struct {
	Session entity.SessionID
}

// Error is an implementation of the error interface.
func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %d not found", e.Session)
}

// ServerUnavailableError reports that a server is not live; the caller should
// retry server/acquire to launch a fresh process.
type ServerUnavailableError struct {
	Server entity.ServerID
	Status entity.ServerStatus
}

// Error is an implementation of the error interface.
func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("server %d unavailable (status %s)", e.Server, e.Status)
}

// CancelCause names the independent causes that can resolve a pending request.
type CancelCause string

const (
	// CancelTimeout is raised when the per-request deadline elapses.
	CancelTimeout CancelCause = "timeout"
	// CancelDisconnect is raised when the responder or origin session disconnects.
	CancelDisconnect CancelCause = "disconnect"
	// CancelLeaderChange is raised when the leader detaches before replying.
	CancelLeaderChange CancelCause = "leader change"
	// CancelServerExit is raised when the child process exits.
	CancelServerExit CancelCause = "server exit"
	// CancelShutdown is raised when the broker itself shuts down.
	CancelShutdown CancelCause = "broker shutdown"
)

// RequestCancelledError is the synthetic error returned for a pending request
// that was resolved by something other than a real reply.
type RequestCancelledError struct {
	Cause CancelCause
}

// Error is an implementation of the error interface.
func (e *RequestCancelledError) Error() string {
	return fmt.Sprintf("request cancelled: %s", e.Cause)
}

// RequestNotFoundError reports a reply whose ID matches no pending request.
// It is logged and dropped, never fatal.
type RequestNotFoundError struct {
	ID string
}

// Error is an implementation of the error interface.
func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("no pending request with id %s", e.ID)
}

// SyncNotOpenError reports a sync operation against a document the session has not opened.
type SyncNotOpenError struct {
	URI uri.URI
}

// Error is an implementation of the error interface.
func (e *SyncNotOpenError) Error() string {
	return fmt.Sprintf("document %q is not open", e.URI)
}

// SyncEpochMismatchError rejects a delta built against a stale ownership epoch.
// The sender must resync from a fresh snapshot.
type SyncEpochMismatchError struct {
	URI  uri.URI
	Have uint64
	Want uint64
}

// Error is an implementation of the error interface.
func (e *SyncEpochMismatchError) Error() string {
	return fmt.Sprintf("stale epoch %d for %q, current epoch is %d", e.Have, e.URI, e.Want)
}

// SyncSeqMismatchError rejects a delta from a non-owner or one built against a
// stale sequence number. The sender must resync from a fresh snapshot.
type SyncSeqMismatchError struct {
	URI    uri.URI
	Sender entity.SessionID
	Owner  entity.SessionID
	Have   uint64
	Want   uint64
}

// Error is an implementation of the error interface.
func (e *SyncSeqMismatchError) Error() string {
	if e.Sender != e.Owner {
		return fmt.Sprintf("session %d is not the owner of %q (owner is %d)", e.Sender, e.URI, e.Owner)
	}
	return fmt.Sprintf("stale sequence %d for %q, current sequence is %d", e.Have, e.URI, e.Want)
}

// SessionSendFailureError reports a failed write to a session's outbound sink.
// It triggers unregistration of the failing session and is never propagated to
// other sessions.
type SessionSendFailureError struct {
	Session entity.SessionID
	Err     error
}

// Error is an implementation of the error interface.
func (e *SessionSendFailureError) Error() string {
	return fmt.Sprintf("sending to session %d: %v", e.Session, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *SessionSendFailureError) Unwrap() error {
	return e.Err
}

// IsSendFailure reports whether the error chain contains a session send failure.
func IsSendFailure(err error) (entity.SessionID, bool) {
	var sf *SessionSendFailureError
	if !stderr.As(err, &sf) {
		return 0, false
	}
	return sf.Session, true
}
