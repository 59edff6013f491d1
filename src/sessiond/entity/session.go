// Package entity contains the domain types for the sessiond broker.
package entity

import (
	"go.lsp.dev/jsonrpc2"
)

type keyType string

// SessionContextKey indicates the key to be used to identify the session ID in the context.
const SessionContextKey keyType = "SessionID"

// SessionID identifies a single connected editor session. IDs are allocated
// monotonically on connect and are never reused within one broker process,
// which makes min-ID leader election deterministic.
type SessionID uint64

// Session entity representing a single connected editor session.
type Session struct {
	ID       SessionID             `json:"id" zap:"id"`
	Conn     *jsonrpc2.Conn        `json:"-" zap:"-"`
	Attached map[ServerID]struct{} `json:"-" zap:"-"`
}

// IsAttached reports whether the session currently holds an attachment to the given server.
func (s *Session) IsAttached(id ServerID) bool {
	_, ok := s.Attached[id]
	return ok
}
