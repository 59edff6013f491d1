// Package broker implements the sessiond core state machine: server
// deduplication, leader election, bidirectional request routing and the
// idle-lease lifecycle of child analysis servers. All routing decisions are
// computed under one mutex so that transitions spanning several maps (attach +
// leader recompute + pending cancellation) stay atomic. Session and child I/O
// goroutines never touch the maps directly; they call into this controller.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	docsync "github.com/nextide/sessiond/src/sessiond/controller/doc-sync"
	"github.com/nextide/sessiond/src/sessiond/entity"
	sessionclient "github.com/nextide/sessiond/src/sessiond/gateway/session-client"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/internal/launcher"
	"github.com/nextide/sessiond/src/sessiond/mapper"
	"github.com/nextide/sessiond/src/sessiond/repository/session"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_idleLeaseSecondsKey      = "broker.idleLeaseSeconds"
	_requestTimeoutSecondsKey = "broker.requestTimeoutSeconds"
)

// Module provides the broker controller.
var Module = fx.Provide(New)

// Controller orchestrates the broker's business logic for each request.
type Controller interface {
	// InitSession registers a newly connected session and allocates its ID.
	InitSession(ctx context.Context, conn *jsonrpc2.Conn) (entity.SessionID, error)
	// EndSession tears down everything a session holds: attachments, pending
	// requests in both directions, and replicated documents.
	EndSession(ctx context.Context, id entity.SessionID) error

	// AcquireServer attaches the calling session to the server for the given
	// launch config, launching a new child process if no live entry exists.
	AcquireServer(ctx context.Context, cfg entity.LaunchConfig) (*entity.AcquireResult, error)
	// ReleaseServer detaches the calling session from a server.
	ReleaseServer(ctx context.Context, server entity.ServerID) error

	// ForwardRequest proxies a session request to a child server. The reply is
	// issued asynchronously when the child responds or the request is cancelled.
	ForwardRequest(ctx context.Context, p *entity.ServerRequestParams, originalID jsonrpc2.ID, reply jsonrpc2.Replier) error
	// ForwardNotification proxies a session notification to a child server.
	ForwardNotification(ctx context.Context, p *entity.ServerNotifyParams) error
	// CancelRequest forwards a session's cancellation of its own in-flight request.
	CancelRequest(ctx context.Context, p *entity.CancelParams) error
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Sessions  session.Repository
	Gateway   sessionclient.Gateway
	DocSync   docsync.Controller
	Launcher  launcher.Launcher
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Config    config.Provider
	Lifecycle fx.Lifecycle
}

// serverEntry is the registry record of one managed child server.
type serverEntry struct {
	id         entity.ServerID
	key        entity.ProjectKey
	cfg        entity.LaunchConfig
	status     entity.ServerStatus
	attached   map[entity.SessionID]struct{}
	leader     entity.SessionID // zero when attached set is empty
	generation uint64           // bumped on every attach/detach to invalidate stale lease timers
	idleLease  time.Duration
	reqTimeout time.Duration

	handle     *launcher.Handle
	stream     jsonrpc2.Stream
	writeMu    sync.Mutex // serializes writes to the child's stdin
	pending    map[jsonrpc2.ID]*serverRequest
	leaseTimer *time.Timer
}

type controller struct {
	sessions session.Repository
	gateway  sessionclient.Gateway
	docSync  docsync.Controller
	launcher launcher.Launcher
	logger   *zap.SugaredLogger
	stats    tally.Scope

	idleLease      time.Duration
	requestTimeout time.Duration

	mu            sync.Mutex
	closed        bool
	servers       map[entity.ServerID]*serverEntry
	byProject     map[entity.ProjectKey]entity.ServerID
	s2s           map[jsonrpc2.ID]*sessionRequest
	nextServerID  entity.ServerID
	nextRequestID int32
}

// New constructs the broker controller.
func New(p Params) (Controller, error) {
	var leaseSeconds int64
	if err := p.Config.Get(_idleLeaseSecondsKey).Populate(&leaseSeconds); err != nil {
		return nil, fmt.Errorf("unable to get idle lease from config: %w", err)
	}
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("idle lease must be positive, got %d", leaseSeconds)
	}
	var timeoutSeconds int64
	if err := p.Config.Get(_requestTimeoutSecondsKey).Populate(&timeoutSeconds); err != nil {
		return nil, fmt.Errorf("unable to get request timeout from config: %w", err)
	}
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %d", timeoutSeconds)
	}

	c := &controller{
		sessions: p.Sessions,
		gateway:  p.Gateway,
		docSync:  p.DocSync,
		launcher: p.Launcher,
		logger:   p.Logger.With("component", "broker"),
		stats:    p.Stats.SubScope("broker"),

		idleLease:      time.Duration(leaseSeconds) * time.Second,
		requestTimeout: time.Duration(timeoutSeconds) * time.Second,

		servers:   make(map[entity.ServerID]*serverEntry),
		byProject: make(map[entity.ProjectKey]entity.ServerID),
		s2s:       make(map[jsonrpc2.ID]*sessionRequest),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: c.shutdown,
	})

	return c, nil
}

// InitSession registers a new session connection.
func (c *controller) InitSession(ctx context.Context, conn *jsonrpc2.Conn) (entity.SessionID, error) {
	s, err := c.sessions.Create(ctx, conn)
	if err != nil {
		return 0, err
	}
	if err := c.gateway.RegisterClient(ctx, s.ID, conn); err != nil {
		_ = c.sessions.Delete(ctx, s.ID)
		return 0, err
	}
	return s.ID, nil
}

// EndSession removes a session and cleans up everything it holds. Safe to call
// for sessions that are already partially cleaned up.
func (c *controller) EndSession(ctx context.Context, id entity.SessionID) error {
	_ = c.gateway.DeregisterClient(ctx, id)

	var after []func()
	c.mu.Lock()
	for _, e := range c.servers {
		if _, ok := e.attached[id]; ok {
			after = append(after, c.detachLocked(e, id, ondErrors.CancelDisconnect)...)
		}
	}
	// Requests this session originated can no longer be answered to anyone.
	for wireID, sr := range c.s2s {
		if sr.origin != id || sr.done {
			continue
		}
		sr.done = true
		sr.timer.Stop()
		delete(c.s2s, wireID)
	}
	c.updateMetricsLocked()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}

	if err := c.docSync.EndSession(ctx, id); err != nil {
		c.logger.Warnw("cleaning up documents for session", "session", id, "error", err)
	}
	return c.sessions.Delete(ctx, id)
}

// shutdown terminates all managed children and resolves every pending request.
func (c *controller) shutdown(ctx context.Context) error {
	var after []func()
	c.mu.Lock()
	c.closed = true

	for wireID, sr := range c.s2s {
		if sr.done {
			continue
		}
		sr.done = true
		sr.timer.Stop()
		delete(c.s2s, wireID)
		reply := sr.reply
		after = append(after, func() {
			_ = reply(ctx, nil, ondErrors.ToJSONRPC(&ondErrors.RequestCancelledError{Cause: ondErrors.CancelShutdown}))
		})
	}

	handles := make([]*launcher.Handle, 0, len(c.servers))
	for _, e := range c.servers {
		for childID, p := range e.pending {
			if p.done {
				continue
			}
			p.done = true
			p.timer.Stop()
			p.cancel()
			delete(e.pending, childID)
		}
		if e.leaseTimer != nil {
			e.leaseTimer.Stop()
		}
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	c.servers = make(map[entity.ServerID]*serverEntry)
	c.byProject = make(map[entity.ProjectKey]entity.ServerID)
	c.updateMetricsLocked()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}

	var errs error
	for _, h := range handles {
		errs = multierr.Append(errs, h.Kill())
	}
	return errs
}

func (c *controller) updateMetricsLocked() {
	c.stats.Gauge("active_servers").Update(float64(len(c.servers)))
	c.stats.Gauge("pending_session_to_server").Update(float64(len(c.s2s)))
	pending := 0
	for _, e := range c.servers {
		pending += len(e.pending)
	}
	c.stats.Gauge("pending_server_to_session").Update(float64(pending))
}

// minAttached computes the deterministic leader of a non-empty attached set.
func minAttached(set map[entity.SessionID]struct{}) entity.SessionID {
	var min entity.SessionID
	for id := range set {
		if min == 0 || id < min {
			min = id
		}
	}
	return min
}

// resolveSessionID is a small helper shared by the request paths.
func resolveSessionID(ctx context.Context) (entity.SessionID, error) {
	return mapper.ContextToSessionID(ctx)
}
