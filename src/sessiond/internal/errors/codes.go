package errors

import (
	stderr "errors"

	"go.lsp.dev/jsonrpc2"
)

// JSON-RPC error codes reserved by the broker within the server error range.
const (
	// CodeServerUnavailable maps ServerUnavailableError on the wire.
	CodeServerUnavailable jsonrpc2.Code = -32000
	// CodeDedupKeyInvalid maps DedupKeyInvalidError on the wire.
	CodeDedupKeyInvalid jsonrpc2.Code = -32001
	// CodeSyncEpochMismatch maps SyncEpochMismatchError on the wire.
	CodeSyncEpochMismatch jsonrpc2.Code = -32010
	// CodeSyncSeqMismatch maps SyncSeqMismatchError on the wire.
	CodeSyncSeqMismatch jsonrpc2.Code = -32011
	// CodeSyncNotOpen maps SyncNotOpenError on the wire.
	CodeSyncNotOpen jsonrpc2.Code = -32012
	// CodeRequestCancelled matches the LSP RequestCancelled code so child
	// servers recognize synthetic cancellations without hanging.
	CodeRequestCancelled jsonrpc2.Code = -32800
)

// ToJSONRPC converts a broker domain error into a wire error with a stable
// code. Errors already shaped for the wire, and unknown errors, pass through.
func ToJSONRPC(err error) error {
	if err == nil {
		return nil
	}

	var (
		dedup       *DedupKeyInvalidError
		unavailable *ServerUnavailableError
		cancelled   *RequestCancelledError
		epoch       *SyncEpochMismatchError
		seq         *SyncSeqMismatchError
		notOpen     *SyncNotOpenError
	)
	switch {
	case stderr.As(err, &dedup):
		return jsonrpc2.NewError(CodeDedupKeyInvalid, err.Error())
	case stderr.As(err, &unavailable):
		return jsonrpc2.NewError(CodeServerUnavailable, err.Error())
	case stderr.As(err, &cancelled):
		return jsonrpc2.NewError(CodeRequestCancelled, err.Error())
	case stderr.As(err, &epoch):
		return jsonrpc2.NewError(CodeSyncEpochMismatch, err.Error())
	case stderr.As(err, &seq):
		return jsonrpc2.NewError(CodeSyncSeqMismatch, err.Error())
	case stderr.As(err, &notOpen):
		return jsonrpc2.NewError(CodeSyncNotOpen, err.Error())
	}
	return err
}
