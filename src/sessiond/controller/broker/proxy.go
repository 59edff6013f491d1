package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextide/sessiond/src/sessiond/entity"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// ForwardRequest proxies a session's request to a child server. The request is
// registered in the pending table before the first byte reaches the child, so
// a response can never arrive for an unknown ID. The session's reply is issued
// asynchronously from routeServerMessage or from one of the cancellation paths.
func (c *controller) ForwardRequest(ctx context.Context, p *entity.ServerRequestParams, originalID jsonrpc2.ID, reply jsonrpc2.Replier) error {
	origin, err := resolveSessionID(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ondErrors.BrokerClosedError
	}
	e, ok := c.servers[p.Server]
	if !ok {
		c.mu.Unlock()
		return &ondErrors.ServerUnavailableError{Server: p.Server, Status: entity.ServerStatusStopped}
	}
	if _, attached := e.attached[origin]; !attached {
		c.mu.Unlock()
		return ondErrors.New("session is not attached to this server")
	}
	if e.status != entity.ServerStatusRunning || e.stream == nil {
		c.mu.Unlock()
		return &ondErrors.ServerUnavailableError{Server: p.Server, Status: e.status}
	}

	c.nextRequestID++
	brokerID := c.nextRequestID
	wireID := jsonrpc2.NewNumberID(brokerID)
	sr := &sessionRequest{
		server:     p.Server,
		origin:     origin,
		originalID: originalID,
		brokerID:   brokerID,
		reply:      reply,
	}
	sr.timer = time.AfterFunc(e.reqTimeout, func() { c.timeoutSessionRequest(wireID) })
	c.s2s[wireID] = sr
	c.updateMetricsLocked()
	c.mu.Unlock()

	call, err := jsonrpc2.NewCall(wireID, p.Method, p.Params)
	if err != nil {
		c.resolveSessionRequest(wireID)
		return err
	}
	if err := c.writeToChild(e, call); err != nil {
		c.resolveSessionRequest(wireID)
		return &ondErrors.ServerUnavailableError{Server: p.Server, Status: entity.ServerStatusCrashed}
	}
	return nil
}

// ForwardNotification proxies a session's notification to a child server.
// Notifications carry no ID and need no pending-table entry.
func (c *controller) ForwardNotification(ctx context.Context, p *entity.ServerNotifyParams) error {
	origin, err := resolveSessionID(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	e, ok := c.servers[p.Server]
	if !ok || e.status != entity.ServerStatusRunning || e.stream == nil {
		status := entity.ServerStatusStopped
		if ok {
			status = e.status
		}
		c.mu.Unlock()
		return &ondErrors.ServerUnavailableError{Server: p.Server, Status: status}
	}
	if _, attached := e.attached[origin]; !attached {
		c.mu.Unlock()
		return ondErrors.New("session is not attached to this server")
	}
	c.mu.Unlock()

	notif, err := jsonrpc2.NewNotification(p.Method, p.Params)
	if err != nil {
		return err
	}
	return c.writeToChild(e, notif)
}

// CancelRequest forwards a session's cancellation of its own in-flight request
// to the child, translated to the rewritten wire ID. The pending entry stays
// live: the child still owns the final answer, whether a result or an error.
func (c *controller) CancelRequest(ctx context.Context, p *entity.CancelParams) error {
	origin, err := resolveSessionID(ctx)
	if err != nil {
		return err
	}
	target := jsonrpc2.NewNumberID(p.ID)

	c.mu.Lock()
	e, ok := c.servers[p.Server]
	if !ok {
		c.mu.Unlock()
		return &ondErrors.ServerUnavailableError{Server: p.Server, Status: entity.ServerStatusStopped}
	}
	var brokerID int32
	found := false
	for _, sr := range c.s2s {
		if sr.server == p.Server && sr.origin == origin && sr.originalID == target && !sr.done {
			brokerID = sr.brokerID
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		// The request may have completed moments ago; cancellation is advisory.
		return nil
	}
	notif, err := jsonrpc2.NewNotification(entity.MethodCancelRequest, &cancelWire{ID: brokerID})
	if err != nil {
		return err
	}
	return c.writeToChild(e, notif)
}

// cancelWire is the child-facing $/cancelRequest payload.
type cancelWire struct {
	ID int32 `json:"id"`
}

// serveChild reads the child's stdout until the stream errors, routing each
// message. Stream errors are left to the process reaper; exit handling owns
// the cleanup so it happens exactly once.
func (c *controller) serveChild(e *serverEntry) {
	ctx := context.Background()
	for {
		msg, _, err := e.stream.Read(ctx)
		if err != nil {
			return
		}
		c.routeServerMessage(ctx, e, msg)
	}
}

// routeServerMessage dispatches one message from a child server.
func (c *controller) routeServerMessage(ctx context.Context, e *serverEntry, msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		c.routeServerResponse(ctx, m)
	case *jsonrpc2.Call:
		c.routeServerCall(ctx, e, m)
	case *jsonrpc2.Notification:
		c.routeServerNotification(ctx, e, m)
	default:
		c.logger.Warnw("unrecognized message from server", "server", e.id)
	}
}

// routeServerResponse resolves the matching session->server request. A
// response whose ID is unknown was already resolved by a cancellation path and
// is dropped.
func (c *controller) routeServerResponse(ctx context.Context, resp *jsonrpc2.Response) {
	sr := c.resolveSessionRequest(resp.ID())
	if sr == nil {
		c.logger.Debugw("dropping late response", "error", &ondErrors.RequestNotFoundError{ID: fmt.Sprint(resp.ID())})
		return
	}
	if err := sr.reply(ctx, resp.Result(), resp.Err()); err != nil {
		c.logger.Warnw("replying to session", "session", sr.origin, "error", err)
		if id, ok := ondErrors.IsSendFailure(err); ok {
			_ = c.EndSession(ctx, id)
		}
	}
}

// resolveSessionRequest removes and returns the pending entry, or nil if it
// was already resolved. The caller performs the single reply.
func (c *controller) resolveSessionRequest(wireID jsonrpc2.ID) *sessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	sr, ok := c.s2s[wireID]
	if !ok || sr.done {
		return nil
	}
	sr.done = true
	if sr.timer != nil {
		sr.timer.Stop()
	}
	delete(c.s2s, wireID)
	c.updateMetricsLocked()
	return sr
}

// timeoutSessionRequest fires when a proxied request exceeds its deadline. The
// session gets a cancellation error and the child gets a best-effort
// $/cancelRequest so it can stop working on the dead request.
func (c *controller) timeoutSessionRequest(wireID jsonrpc2.ID) {
	sr := c.resolveSessionRequest(wireID)
	if sr == nil {
		return
	}
	c.stats.Counter("request_timeouts").Inc(1)
	if err := sr.reply(context.Background(), nil, ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: ondErrors.CancelTimeout})); err != nil {
		c.logger.Warnw("replying timeout to session", "session", sr.origin, "error", err)
	}

	c.mu.Lock()
	e := c.servers[sr.server]
	c.mu.Unlock()
	if e == nil {
		return
	}
	if notif, err := jsonrpc2.NewNotification(entity.MethodCancelRequest, &cancelWire{ID: sr.brokerID}); err == nil {
		_ = c.writeToChild(e, notif)
	}
}

// routeServerCall dispatches a server-initiated request to the current leader.
// The pending entry is registered before the gateway call so that any
// cancellation path observes it.
func (c *controller) routeServerCall(ctx context.Context, e *serverEntry, call *jsonrpc2.Call) {
	childID := call.ID()

	c.mu.Lock()
	leader := e.leader
	if leader == 0 {
		c.mu.Unlock()
		resp, err := jsonrpc2.NewResponse(childID, nil, ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: ondErrors.CancelLeaderChange}))
		if err == nil {
			_ = c.writeToChild(e, resp)
		}
		return
	}
	reqCtx, cancel := context.WithCancel(context.Background())
	p := &serverRequest{
		server:    e.id,
		childID:   childID,
		responder: leader,
		cancel:    cancel,
	}
	p.timer = time.AfterFunc(e.reqTimeout, func() { c.cancelServerRequest(e.id, childID, ondErrors.CancelTimeout) })
	e.pending[childID] = p
	c.updateMetricsLocked()
	c.mu.Unlock()

	go func() {
		params := &entity.ServerRequestParams{Server: e.id, Method: call.Method(), Params: call.Params()}
		var result json.RawMessage
		err := c.gateway.Call(reqCtx, leader, entity.MethodServerRequest, params, &result)
		c.completeServerRequest(ctx, e, childID, result, err)
	}()
}

// completeServerRequest writes the leader's answer back to the child, unless a
// cancellation path already resolved the request.
func (c *controller) completeServerRequest(ctx context.Context, e *serverEntry, childID jsonrpc2.ID, result json.RawMessage, callErr error) {
	c.mu.Lock()
	p, ok := e.pending[childID]
	if !ok || p.done {
		c.mu.Unlock()
		return
	}
	p.done = true
	p.timer.Stop()
	p.cancel()
	delete(e.pending, childID)
	c.updateMetricsLocked()
	c.mu.Unlock()

	if callErr != nil {
		if id, failed := ondErrors.IsSendFailure(callErr); failed {
			_ = c.EndSession(ctx, id)
			// The responder is gone; the child gets a recognizable
			// cancellation, not the transport failure's text.
			callErr = ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: ondErrors.CancelDisconnect})
		}
	}
	resp, err := jsonrpc2.NewResponse(childID, result, callErr)
	if err != nil {
		c.logger.Errorw("building response for server", "server", e.id, "error", err)
		return
	}
	if err := c.writeToChild(e, resp); err != nil {
		c.logger.Warnw("writing response to server", "server", e.id, "error", err)
	}
}

// cancelServerRequest resolves one server->session request with a synthetic
// cancellation and writes it back to the child, which is still waiting.
func (c *controller) cancelServerRequest(server entity.ServerID, childID jsonrpc2.ID, cause ondErrors.CancelCause) {
	c.mu.Lock()
	e, ok := c.servers[server]
	if !ok {
		c.mu.Unlock()
		return
	}
	p, ok := e.pending[childID]
	if !ok || p.done {
		c.mu.Unlock()
		return
	}
	p.done = true
	p.timer.Stop()
	p.cancel()
	delete(e.pending, childID)
	c.updateMetricsLocked()
	c.mu.Unlock()

	if cause == ondErrors.CancelTimeout {
		c.stats.Counter("server_request_timeouts").Inc(1)
	}
	resp, err := jsonrpc2.NewResponse(childID, nil, ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: cause}))
	if err != nil {
		return
	}
	if err := c.writeToChild(e, resp); err != nil {
		c.logger.Warnw("writing cancellation to server", "server", server, "error", err)
	}
}

// routeServerNotification broadcasts a server's notification to every attached
// session. Diagnostics are additionally decoded for debug logging.
func (c *controller) routeServerNotification(ctx context.Context, e *serverEntry, notif *jsonrpc2.Notification) {
	if notif.Method() == protocol.MethodTextDocumentPublishDiagnostics {
		var diags protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(notif.Params(), &diags); err == nil {
			c.logger.Debugw("diagnostics from server", "server", e.id, "uri", diags.URI, "count", len(diags.Diagnostics))
		}
	}

	c.mu.Lock()
	recipients := attachedSnapshot(e)
	c.mu.Unlock()

	params := &entity.ServerNotifyParams{Server: e.id, Method: notif.Method(), Params: notif.Params()}
	for _, id := range recipients {
		if err := c.gateway.Notify(ctx, id, entity.MethodServerNotify, params); err != nil {
			c.logger.Warnw("dropping notification", "session", id, "error", err)
			if sid, failed := ondErrors.IsSendFailure(err); failed {
				_ = c.EndSession(ctx, sid)
			}
		}
	}
}

// writeToChild serializes writes to the child's stdin. Interleaved frames from
// concurrent goroutines would corrupt the stream.
func (c *controller) writeToChild(e *serverEntry, msg jsonrpc2.Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.stream == nil {
		return &ondErrors.ServerUnavailableError{Server: e.id, Status: e.status}
	}
	_, err := e.stream.Write(context.Background(), msg)
	return err
}
