package broker

import (
	"context"
	"time"

	"github.com/nextide/sessiond/src/sessiond/entity"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"go.lsp.dev/jsonrpc2"
)

// sessionRequest tracks one in-flight session->server request. All fields are
// guarded by the controller mutex except reply, which is invoked exactly once
// after the entry is marked done and removed from the table.
type sessionRequest struct {
	server     entity.ServerID
	origin     entity.SessionID
	originalID jsonrpc2.ID
	brokerID   int32 // numeric value of the rewritten wire ID, for $/cancelRequest
	reply      jsonrpc2.Replier
	timer      *time.Timer
	done       bool
}

// serverRequest tracks one in-flight server->session request, dispatched to
// the leader at registration time. Same mutex discipline as sessionRequest.
type serverRequest struct {
	server    entity.ServerID
	childID   jsonrpc2.ID
	responder entity.SessionID
	timer     *time.Timer
	cancel    context.CancelFunc
	done      bool
}

// cancelServerRequestsLocked resolves every live server->session request on
// the entry with the given cause. Each returned closure writes the synthetic
// error response back to the child and must run outside the mutex. When the
// server itself is gone there is nothing to write back.
func (c *controller) cancelServerRequestsLocked(e *serverEntry, cause ondErrors.CancelCause) []func() {
	var after []func()
	for childID, p := range e.pending {
		if p.done {
			continue
		}
		p.done = true
		p.timer.Stop()
		p.cancel()
		delete(e.pending, childID)
		if cause == ondErrors.CancelServerExit {
			continue
		}
		id := childID
		after = append(after, func() {
			resp, err := jsonrpc2.NewResponse(id, nil, ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: cause}))
			if err != nil {
				c.logger.Errorw("building cancellation response", "server", e.id, "error", err)
				return
			}
			if err := c.writeToChild(e, resp); err != nil {
				c.logger.Warnw("writing cancellation response", "server", e.id, "error", err)
			}
		})
	}
	return after
}

// sessionRequestsForLocked counts live session->server requests targeting the
// given server. Used by the lease to avoid killing a draining child.
func (c *controller) sessionRequestsForLocked(server entity.ServerID) int {
	n := 0
	for _, sr := range c.s2s {
		if sr.server == server && !sr.done {
			n++
		}
	}
	return n
}
