package broker

import (
	"context"
	"time"

	"github.com/nextide/sessiond/src/sessiond/entity"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/internal/launcher"
	"github.com/nextide/sessiond/src/sessiond/mapper"
	"go.lsp.dev/jsonrpc2"
)

// AcquireServer deduplicates server instances by project key. At most one
// child process exists per distinct key while any entry is live.
func (c *controller) AcquireServer(ctx context.Context, cfg entity.LaunchConfig) (*entity.AcquireResult, error) {
	origin, err := resolveSessionID(ctx)
	if err != nil {
		return nil, err
	}
	key, err := mapper.LaunchConfigToProjectKey(cfg)
	if err != nil {
		return nil, err
	}

	var after []func()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ondErrors.BrokerClosedError
	}
	if sid, ok := c.byProject[key]; ok {
		e := c.servers[sid]
		if e != nil && e.status.Live() {
			after = c.attachLocked(e, origin)
			status := e.status
			c.mu.Unlock()
			for _, fn := range after {
				fn()
			}
			c.recordAttachment(ctx, origin, sid, true)
			c.stats.Counter("acquire_dedup").Inc(1)
			return &entity.AcquireResult{Server: sid, Status: status}, nil
		}
		// Terminated entries are removed on exit; a stale mapping means the
		// removal raced this lookup.
		delete(c.byProject, key)
	}

	c.nextServerID++
	sid := c.nextServerID
	e := &serverEntry{
		id:         sid,
		key:        key,
		cfg:        cfg,
		status:     entity.ServerStatusStarting,
		attached:   map[entity.SessionID]struct{}{origin: {}},
		leader:     origin,
		idleLease:  cfg.IdleLease(c.idleLease),
		reqTimeout: cfg.RequestTimeout(c.requestTimeout),
		pending:    make(map[jsonrpc2.ID]*serverRequest),
	}
	c.servers[sid] = e
	c.byProject[key] = sid
	c.updateMetricsLocked()
	c.mu.Unlock()

	// Launching happens outside the lock; concurrent acquires for the same key
	// find the Starting entry above and attach instead of relaunching.
	handle, launchErr := c.launcher.Launch(ctx, cfg)

	c.mu.Lock()
	if launchErr != nil {
		attached := attachedSnapshot(e)
		delete(c.servers, sid)
		delete(c.byProject, key)
		c.updateMetricsLocked()
		c.mu.Unlock()
		c.logger.Errorw("launching server", "server", sid, "command", cfg.Command, "error", launchErr)
		c.notifyStatus(ctx, attached, sid, entity.ServerStatusCrashed)
		return nil, &ondErrors.ServerUnavailableError{Server: sid, Status: entity.ServerStatusCrashed}
	}
	if c.closed {
		delete(c.servers, sid)
		delete(c.byProject, key)
		c.mu.Unlock()
		_ = handle.Kill()
		return nil, ondErrors.BrokerClosedError
	}
	if c.servers[sid] != e {
		// Every acquiring session disconnected mid-launch and the idle lease
		// already removed the entry. The registry no longer tracks this child,
		// so it must not outlive the entry.
		c.mu.Unlock()
		_ = handle.Kill()
		c.logger.Infow("discarding server launched after lease expiry", "server", sid)
		return nil, &ondErrors.ServerUnavailableError{Server: sid, Status: entity.ServerStatusStopped}
	}
	e.handle = handle
	e.stream = jsonrpc2.NewStream(handle.Stdio())
	e.status = entity.ServerStatusRunning
	attached := attachedSnapshot(e)
	c.mu.Unlock()

	go c.serveChild(e)
	go c.watchExit(e)

	c.recordAttachment(ctx, origin, sid, true)
	c.notifyStatus(ctx, attached, sid, entity.ServerStatusRunning)
	c.stats.Counter("acquire_launch").Inc(1)
	c.logger.Infow("server launched", "server", sid, "command", cfg.Command, "pid", handle.PID(), "leader", e.leader)
	return &entity.AcquireResult{Server: sid, Status: entity.ServerStatusRunning}, nil
}

// ReleaseServer detaches the calling session from a server.
func (c *controller) ReleaseServer(ctx context.Context, server entity.ServerID) error {
	origin, err := resolveSessionID(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	e, ok := c.servers[server]
	if !ok {
		c.mu.Unlock()
		return &ondErrors.ServerUnavailableError{Server: server, Status: entity.ServerStatusStopped}
	}
	if _, attached := e.attached[origin]; !attached {
		c.mu.Unlock()
		return ondErrors.New("session is not attached to this server")
	}
	after := c.detachLocked(e, origin, ondErrors.CancelLeaderChange)
	c.updateMetricsLocked()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	c.recordAttachment(ctx, origin, server, false)
	return nil
}

// attachLocked adds a session to the entry, disarms any lease and recomputes
// the leader. A leader change cancels pending server->session requests since
// the old leader no longer receives the server's traffic.
func (c *controller) attachLocked(e *serverEntry, id entity.SessionID) []func() {
	e.attached[id] = struct{}{}
	e.generation++
	if e.leaseTimer != nil {
		e.leaseTimer.Stop()
		e.leaseTimer = nil
	}
	return c.recomputeLeaderLocked(e, ondErrors.CancelLeaderChange)
}

// detachLocked removes a session from the entry, recomputes the leader or arms
// the idle lease, and cancels pendings the detached leader can no longer answer.
func (c *controller) detachLocked(e *serverEntry, id entity.SessionID, cause ondErrors.CancelCause) []func() {
	delete(e.attached, id)
	e.generation++

	var after []func()
	if e.leader == id {
		after = append(after, c.cancelServerRequestsLocked(e, cause)...)
	}

	if len(e.attached) == 0 {
		e.leader = 0
		sid, gen := e.id, e.generation
		e.leaseTimer = time.AfterFunc(e.idleLease, func() { c.leaseExpired(sid, gen) })
		c.logger.Infow("lease armed", "server", e.id, "generation", gen, "lease", e.idleLease)
		return after
	}
	return append(after, c.recomputeLeaderLocked(e, cause)...)
}

// recomputeLeaderLocked enforces leader == min(attached). Any change of leader
// cancels in-flight server->session requests targeted at the previous leader.
func (c *controller) recomputeLeaderLocked(e *serverEntry, cause ondErrors.CancelCause) []func() {
	next := minAttached(e.attached)
	if next == e.leader {
		return nil
	}
	previous := e.leader
	e.leader = next
	c.logger.Infow("leader changed", "server", e.id, "previous", previous, "leader", next)
	if previous == 0 {
		return nil
	}
	return c.cancelServerRequestsLocked(e, cause)
}

// leaseExpired fires after the idle lease duration. It terminates the server
// only if the attached set is still empty, no requests reference the server in
// either direction, and the generation is unchanged since the timer was armed.
func (c *controller) leaseExpired(server entity.ServerID, generation uint64) {
	c.mu.Lock()
	e, ok := c.servers[server]
	if !ok || e.generation != generation || len(e.attached) != 0 {
		c.mu.Unlock()
		return
	}
	if len(e.pending) != 0 || c.sessionRequestsForLocked(server) != 0 {
		// Still draining; check again after another lease period.
		sid, gen := e.id, e.generation
		e.leaseTimer = time.AfterFunc(e.idleLease, func() { c.leaseExpired(sid, gen) })
		c.mu.Unlock()
		return
	}

	delete(c.servers, server)
	delete(c.byProject, e.key)
	handle := e.handle
	c.updateMetricsLocked()
	c.mu.Unlock()

	c.logger.Infow("idle lease expired, terminating server", "server", server)
	c.stats.Counter("lease_expirations").Inc(1)
	if handle != nil {
		_ = handle.Kill()
	}
}

// watchExit waits for the child to exit and feeds the status into the registry.
func (c *controller) watchExit(e *serverEntry) {
	st := <-e.handle.Exit()
	c.onProcessExit(e.id, st)
}

// onProcessExit marks the entry Crashed or Stopped, cancels every pending
// request referencing it with a server-gone error, and removes the entry so a
// later acquire launches a fresh process.
func (c *controller) onProcessExit(server entity.ServerID, st launcher.ExitStatus) {
	c.mu.Lock()
	e, ok := c.servers[server]
	if !ok {
		// Already removed by lease expiry or shutdown.
		c.mu.Unlock()
		return
	}

	status := entity.ServerStatusCrashed
	if st.Graceful() {
		status = entity.ServerStatusStopped
	}
	e.status = status

	var after []func()
	after = append(after, c.cancelServerRequestsLocked(e, ondErrors.CancelServerExit)...)
	for wireID, sr := range c.s2s {
		if sr.server != server || sr.done {
			continue
		}
		sr.done = true
		sr.timer.Stop()
		delete(c.s2s, wireID)
		reply := sr.reply
		after = append(after, func() {
			_ = reply(context.Background(), nil, ondErrors.ToJSONRPC(&ondErrors.ServerUnavailableError{Server: server, Status: status}))
		})
	}

	if e.leaseTimer != nil {
		e.leaseTimer.Stop()
		e.leaseTimer = nil
	}
	attached := attachedSnapshot(e)
	delete(c.servers, server)
	delete(c.byProject, e.key)
	c.updateMetricsLocked()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	c.logger.Infow("server exited", "server", server, "status", status, "code", st.Code)
	c.notifyStatus(context.Background(), attached, server, status)
}

// notifyStatus broadcasts a lifecycle change to the given sessions.
func (c *controller) notifyStatus(ctx context.Context, recipients []entity.SessionID, server entity.ServerID, status entity.ServerStatus) {
	event := &entity.ServerStatusEvent{Server: server, Status: status}
	for _, id := range recipients {
		if err := c.gateway.Notify(ctx, id, entity.MethodServerStatus, event); err != nil {
			c.logger.Warnw("dropping status event", "session", id, "error", err)
		}
	}
}

// recordAttachment mirrors the attachment into the session entity for observability.
func (c *controller) recordAttachment(ctx context.Context, id entity.SessionID, server entity.ServerID, attached bool) {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return
	}
	if attached {
		s.Attached[server] = struct{}{}
	} else {
		delete(s.Attached, server)
	}
	_ = c.sessions.Set(ctx, s)
}

func attachedSnapshot(e *serverEntry) []entity.SessionID {
	out := make([]entity.SessionID, 0, len(e.attached))
	for id := range e.attached {
		out = append(out, id)
	}
	return out
}
