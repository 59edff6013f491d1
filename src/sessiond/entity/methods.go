package entity

import (
	"encoding/json"

	"go.lsp.dev/uri"
)

// Wire methods exchanged between sessions and the broker. Requests flow
// session->broker unless noted; event forms are broker->session notifications.
const (
	// MethodServerAcquire requests a (possibly shared) server for a launch config.
	MethodServerAcquire = "server/acquire"
	// MethodServerRelease detaches the session from a server.
	MethodServerRelease = "server/release"
	// MethodServerRequest proxies a JSON-RPC request. Session->broker it targets
	// the child; broker->session it delivers a server-initiated request to the leader.
	MethodServerRequest = "server/request"
	// MethodServerNotify proxies a JSON-RPC notification in either direction.
	MethodServerNotify = "server/notify"
	// MethodServerStatus is a broadcast event reporting a server lifecycle change.
	MethodServerStatus = "server/status"
	// MethodCancelRequest asks the broker to cancel an in-flight proxied request.
	MethodCancelRequest = "$/cancelRequest"

	// MethodSyncOpen opens (or attaches to) a replicated document.
	MethodSyncOpen = "sync/open"
	// MethodSyncClose drops the session's interest in a document.
	MethodSyncClose = "sync/close"
	// MethodSyncDelta publishes an edit (request from owner, event to followers).
	MethodSyncDelta = "sync/delta"
	// MethodSyncSnapshot fetches the authoritative text for resync.
	MethodSyncSnapshot = "sync/snapshot"
	// MethodSyncTransfer hands ownership to the next eligible session.
	MethodSyncTransfer = "sync/transfer"
	// MethodSyncOwnerChanged is a broadcast event announcing a new owner and epoch.
	MethodSyncOwnerChanged = "sync/ownerChanged"
)

// AcquireResult is the reply to server/acquire.
type AcquireResult struct {
	Server ServerID     `json:"serverId"`
	Status ServerStatus `json:"status"`
}

// ReleaseParams are the parameters of server/release.
type ReleaseParams struct {
	Server ServerID `json:"serverId"`
}

// ServerRequestParams are the parameters of server/request. The body is an
// opaque payload; the broker routes it without interpreting it.
type ServerRequestParams struct {
	Server ServerID        `json:"serverId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerNotifyParams are the parameters of server/notify.
type ServerNotifyParams struct {
	Server ServerID        `json:"serverId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerStatusEvent is the payload of the server/status event.
type ServerStatusEvent struct {
	Server ServerID     `json:"serverId"`
	Status ServerStatus `json:"status"`
}

// CancelParams are the parameters of $/cancelRequest addressed at a proxied request.
type CancelParams struct {
	Server ServerID `json:"serverId"`
	ID     int32    `json:"id"`
}

// SyncOpenParams are the parameters of sync/open.
type SyncOpenParams struct {
	URI  uri.URI `json:"uri"`
	Text string  `json:"text"`
}

// SyncOpenResult is the reply to sync/open. Followers receive the full
// authoritative snapshot so they can discard the text they sent.
type SyncOpenResult struct {
	Role  SyncRole  `json:"role"`
	Owner SessionID `json:"owner"`
	Epoch uint64    `json:"epoch"`
	Seq   uint64    `json:"seq"`
	Text  string    `json:"text"`
}

// SyncCloseParams are the parameters of sync/close.
type SyncCloseParams struct {
	URI uri.URI `json:"uri"`
}

// SyncDeltaParams are the parameters of sync/delta sent by the owner.
type SyncDeltaParams struct {
	URI     uri.URI  `json:"uri"`
	Epoch   uint64   `json:"epoch"`
	BaseSeq uint64   `json:"baseSeq"`
	Ops     []EditOp `json:"ops"`
}

// SyncDeltaResult acknowledges an applied delta with the new sequence number.
type SyncDeltaResult struct {
	Seq uint64 `json:"seq"`
}

// SyncDeltaEvent is the broadcast form of an applied delta.
type SyncDeltaEvent struct {
	URI   uri.URI  `json:"uri"`
	Epoch uint64   `json:"epoch"`
	Seq   uint64   `json:"seq"`
	Ops   []EditOp `json:"ops"`
}

// SyncSnapshotParams are the parameters of sync/snapshot.
type SyncSnapshotParams struct {
	URI uri.URI `json:"uri"`
}

// SyncSnapshotResult carries the authoritative document state.
type SyncSnapshotResult struct {
	Owner SessionID `json:"owner"`
	Epoch uint64    `json:"epoch"`
	Seq   uint64    `json:"seq"`
	Text  string    `json:"text"`
}

// SyncTransferParams are the parameters of sync/transfer.
type SyncTransferParams struct {
	URI uri.URI `json:"uri"`
}

// SyncTransferResult reports the owner after an explicit transfer.
type SyncTransferResult struct {
	Owner SessionID `json:"owner"`
	Epoch uint64    `json:"epoch"`
}

// SyncOwnerChangedEvent is broadcast to every attached session on ownership change.
type SyncOwnerChangedEvent struct {
	URI   uri.URI   `json:"uri"`
	Owner SessionID `json:"owner"`
	Epoch uint64    `json:"epoch"`
}
