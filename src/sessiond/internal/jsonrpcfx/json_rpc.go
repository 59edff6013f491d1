// Package jsonrpcfx serves the broker's session-facing IPC endpoint.
package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/serverinfofile"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyNetwork = "jsonrpc.network"
	_configKeyAddress = "jsonrpc.address"
	_outputKey        = "broker-address"
)

// Module is an fx module to handle JSON-RPC requests.
var Module = fx.Provide(New)

// JSONRPCModule represents a module to manage JSON-RPC session connections.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	ServeStream(ctx context.Context, conn jsonrpc2.Conn) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router serves as the interface through which handling of requests will be implemented.
type Router interface {
	HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error
	SessionID() entity.SessionID
}

// ConnectionManager manages each active connection and its corresponding
// Router throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn *jsonrpc2.Conn) (router Router, err error)
	RemoveConnection(ctx context.Context, id entity.SessionID)
}

type module struct {
	Network string `json:"network"`
	Address string `json:"address"`

	connectionMgr  ConnectionManager
	ln             net.Listener
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
}

// Params define values to be used by the JSON-RPC endpoint.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates a new server to handle JSON-RPC session connections on the configured endpoint.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := module{
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})

	return &m, nil
}

// OnStart binds the endpoint and begins handling incoming connections.
// A bind failure is fatal to startup.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}

	go m.start()
	return nil
}

// OnStop closes the listener, which unblocks the serve loop.
func (m *module) OnStop(ctx context.Context) error {
	if m.ln == nil {
		return nil
	}
	return m.ln.Close()
}

// ServeStream is called for each new connection. Requests received via the
// connection are routed to the session's Router until the connection closes.
func (m *module) ServeStream(ctx context.Context, conn jsonrpc2.Conn) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}

	handler, err := m.connectionMgr.NewConnection(ctx, &conn)
	if err != nil {
		return err
	}
	m.logger.Infow("session connected", zap.Uint64("session", uint64(handler.SessionID())))
	conn.Go(ctx, handler.HandleReq)

	// Block until the connection is closed.
	<-conn.Done()

	m.connectionMgr.RemoveConnection(ctx, handler.SessionID())
	m.logger.Infow("session disconnected", zap.Uint64("session", uint64(handler.SessionID())))

	return conn.Err()
}

// RegisterConnectionManager sets the connection manager, which tracks active
// connections and provides a Router implementation per session.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// setup binds the configured endpoint.
func (m *module) setup() error {
	if m.Address == "" {
		return errors.New("setup called before address is set")
	}

	if m.Network == "unix" {
		// A previous unclean exit can leave the socket file behind.
		if err := os.Remove(m.Address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %q: %w", m.Address, err)
		}
	}

	ln, err := net.Listen(m.Network, m.Address)
	if err != nil {
		return fmt.Errorf("binding %s endpoint %q: %w", m.Network, m.Address, err)
	}
	m.ln = ln
	return nil
}

// start serves connections until the listener is closed, and panics on any other error.
func (m *module) start() {
	if err := m.serverInfoFile.UpdateField(_outputKey, m.Network+"://"+m.Address); err != nil {
		panic(err)
	}

	m.logger.Infow("started JSON-RPC inbound", zap.String("network", m.Network), zap.String("address", m.Address))
	if err := jsonrpc2.Serve(context.Background(), m.ln, m, 0); err != nil && !errors.Is(err, net.ErrClosed) {
		panic(err)
	}
}

// processConfig parses the configuration values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	if err := cfg.Get(_configKeyNetwork).Populate(&m.Network); err != nil {
		return fmt.Errorf("getting config field %q: %w", _configKeyNetwork, err)
	}
	if m.Network == "" {
		m.Network = "unix"
	}
	if m.Network != "unix" && m.Network != "tcp" {
		return fmt.Errorf("unsupported network %q in config", m.Network)
	}

	if err := cfg.Get(_configKeyAddress).Populate(&m.Address); err != nil {
		return fmt.Errorf("getting config field %q: %w", _configKeyAddress, err)
	}
	if m.Address == "" {
		return fmt.Errorf("missing field %q in config", _configKeyAddress)
	}

	return nil
}
