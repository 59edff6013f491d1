// Package sessionclient sends outbound calls and events to connected editor
// sessions. All outbound traffic addressed at a specific session goes through
// this gateway so that send failures are detected in one place.
package sessionclient

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/errors"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Gateway is used to send outbound notifications and calls to editor sessions.
type Gateway interface {
	// RegisterClient registers a new session connection. Should be called each
	// time a new session connection is initialized.
	RegisterClient(ctx context.Context, id entity.SessionID, conn *jsonrpc2.Conn) error
	// DeregisterClient removes a session connection. Should be called each time
	// a session connection is closed.
	DeregisterClient(ctx context.Context, id entity.SessionID) error

	// Notify sends a one-way event to the session. A transport failure is
	// returned as *errors.SessionSendFailureError and the caller is expected to
	// unregister the session.
	Notify(ctx context.Context, id entity.SessionID, method string, params interface{}) error
	// Call sends a request to the session and waits for its reply. An error
	// reply from the session is returned as-is; a transport failure is returned
	// as *errors.SessionSendFailureError.
	Call(ctx context.Context, id entity.SessionID, method string, params, result interface{}) error
}

type gateway struct {
	connections map[entity.SessionID]*jsonrpc2.Conn
	mu          sync.Mutex
	logger      *zap.SugaredLogger
}

// New returns a Gateway for sending session notifications and calls.
func New(logger *zap.SugaredLogger) Gateway {
	return &gateway{
		connections: make(map[entity.SessionID]*jsonrpc2.Conn),
		logger:      logger,
	}
}

func (g *gateway) RegisterClient(ctx context.Context, id entity.SessionID, conn *jsonrpc2.Conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.connections[id]; ok {
		return fmt.Errorf("session %d is already registered", id)
	}
	g.connections[id] = conn
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id entity.SessionID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.connections, id)
	return nil
}

func (g *gateway) Notify(ctx context.Context, id entity.SessionID, method string, params interface{}) error {
	conn, err := g.getConn(id)
	if err != nil {
		return err
	}

	if err := (*conn).Notify(ctx, method, params); err != nil {
		return &errors.SessionSendFailureError{Session: id, Err: err}
	}
	return nil
}

func (g *gateway) Call(ctx context.Context, id entity.SessionID, method string, params, result interface{}) error {
	conn, err := g.getConn(id)
	if err != nil {
		return err
	}

	if _, err := (*conn).Call(ctx, method, params, result); err != nil {
		// An error response from the session is a valid outcome and passes
		// through; only transport-level failures mark the sink as broken.
		var wireErr *jsonrpc2.Error
		if stderr.As(err, &wireErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errors.SessionSendFailureError{Session: id, Err: err}
	}
	return nil
}

func (g *gateway) getConn(id entity.SessionID) (*jsonrpc2.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.connections[id]
	if !ok {
		return nil, &errors.SessionNotFoundError{Session: id}
	}
	return conn, nil
}
