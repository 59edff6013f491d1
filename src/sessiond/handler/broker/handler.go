// Package broker wires the session-facing JSON-RPC surface to the broker and
// document-sync controllers. One router exists per connected session.
package broker

import (
	"context"

	brokerctl "github.com/nextide/sessiond/src/sessiond/controller/broker"
	docsync "github.com/nextide/sessiond/src/sessiond/controller/doc-sync"
	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/jsonrpcfx"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the session connection handler.
var Module = fx.Provide(New)

// Handler accepts session connections and dispatches their requests.
type Handler interface {
	jsonrpcfx.ConnectionManager
}

// Params are inbound parameters to initialize the handler.
type Params struct {
	fx.In

	JSONRPC jsonrpcfx.JSONRPCModule
	Broker  brokerctl.Controller
	DocSync docsync.Controller
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
}

type handler struct {
	broker  brokerctl.Controller
	docSync docsync.Controller
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// New creates the handler and registers it as the endpoint's connection manager.
func New(p Params) (Handler, error) {
	h := &handler{
		broker:  p.Broker,
		docSync: p.DocSync,
		logger:  p.Logger.With("component", "handler"),
		stats:   p.Stats.SubScope("handler"),
	}
	if err := p.JSONRPC.RegisterConnectionManager(h); err != nil {
		return nil, err
	}
	return h, nil
}

// NewConnection registers the session and returns its request router.
func (h *handler) NewConnection(ctx context.Context, conn *jsonrpc2.Conn) (jsonrpcfx.Router, error) {
	id, err := h.broker.InitSession(ctx, conn)
	if err != nil {
		return nil, err
	}
	h.stats.Counter("sessions_connected").Inc(1)
	return &jsonRPCRouter{
		sessionID: id,
		broker:    h.broker,
		docSync:   h.docSync,
		logger:    h.logger.With("session", id),
		stats:     h.stats,
	}, nil
}

// RemoveConnection tears down the session's broker state.
func (h *handler) RemoveConnection(ctx context.Context, id entity.SessionID) {
	if err := h.broker.EndSession(ctx, id); err != nil {
		h.logger.Warnw("ending session", "session", id, "error", err)
	}
	h.stats.Counter("sessions_disconnected").Inc(1)
}

var _ jsonrpcfx.ConnectionManager = (*handler)(nil)
