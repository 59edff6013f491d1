// Package model contains repository-layer representations of domain entities.
package model

import (
	"github.com/nextide/sessiond/src/sessiond/entity"
	"go.lsp.dev/jsonrpc2"
)

// Session is the repository layer model for an individual editor session.
type Session struct {
	ID       entity.SessionID
	Conn     *jsonrpc2.Conn
	Attached map[entity.ServerID]struct{}
}
