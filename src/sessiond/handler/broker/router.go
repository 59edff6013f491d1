package broker

import (
	"context"

	brokerctl "github.com/nextide/sessiond/src/sessiond/controller/broker"
	docsync "github.com/nextide/sessiond/src/sessiond/controller/doc-sync"
	"github.com/nextide/sessiond/src/sessiond/entity"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// jsonRPCRouter dispatches one session's requests. The session ID is stamped
// onto the context so controllers can attribute every operation.
type jsonRPCRouter struct {
	sessionID entity.SessionID
	broker    brokerctl.Controller
	docSync   docsync.Controller
	logger    *zap.SugaredLogger
	stats     tally.Scope
}

// SessionID returns the session this router serves.
func (r *jsonRPCRouter) SessionID() entity.SessionID {
	return r.sessionID
}

// HandleReq routes a single request or notification from the session.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.sessionID)
	r.stats.Tagged(map[string]string{"method": req.Method()}).Counter("requests").Inc(1)

	switch req.Method() {
	case entity.MethodServerAcquire:
		return r.acquireServer(ctx, reply, req)
	case entity.MethodServerRelease:
		return r.releaseServer(ctx, reply, req)
	case entity.MethodServerRequest:
		return r.forwardRequest(ctx, reply, req)
	case entity.MethodServerNotify:
		return r.forwardNotification(ctx, reply, req)
	case entity.MethodCancelRequest:
		return r.cancelRequest(ctx, reply, req)
	case entity.MethodSyncOpen:
		return r.syncOpen(ctx, reply, req)
	case entity.MethodSyncClose:
		return r.syncClose(ctx, reply, req)
	case entity.MethodSyncDelta:
		return r.syncDelta(ctx, reply, req)
	case entity.MethodSyncSnapshot:
		return r.syncSnapshot(ctx, reply, req)
	case entity.MethodSyncTransfer:
		return r.syncTransfer(ctx, reply, req)
	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

// replyResult is the shared tail of every unary method: errors are translated
// to their wire codes, results pass through.
func (r *jsonRPCRouter) replyResult(ctx context.Context, reply jsonrpc2.Replier, result interface{}, err error) error {
	if err != nil {
		r.logger.Debugw("request failed", "error", err)
		return reply(ctx, nil, ondErrors.ToJSONRPC(err))
	}
	return reply(ctx, result, nil)
}
