// Package mapper converts between wire, entity and model representations.
package mapper

import (
	"context"
	"encoding/json"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/model"
	"go.lsp.dev/jsonrpc2"
)

// ContextToSessionID extracts the session ID from a request context.
func ContextToSessionID(ctx context.Context) (entity.SessionID, error) {
	s, ok := ctx.Value(entity.SessionContextKey).(entity.SessionID)
	if !ok {
		return 0, errors.NoSessionOnContextError
	}
	return s, nil
}

// SessionToModel converts a Session entity into its repository model.
func SessionToModel(s *entity.Session) *model.Session {
	attached := make(map[entity.ServerID]struct{}, len(s.Attached))
	for id := range s.Attached {
		attached[id] = struct{}{}
	}
	return &model.Session{
		ID:       s.ID,
		Conn:     s.Conn,
		Attached: attached,
	}
}

// ModelToSession converts a repository model back into a Session entity.
func ModelToSession(m *model.Session) (*entity.Session, error) {
	attached := make(map[entity.ServerID]struct{}, len(m.Attached))
	for id := range m.Attached {
		attached[id] = struct{}{}
	}
	return &entity.Session{
		ID:       m.ID,
		Conn:     m.Conn,
		Attached: attached,
	}, nil
}

// RequestToParams decodes a request's parameters into out.
func RequestToParams(req jsonrpc2.Request, out interface{}) error {
	if len(req.Params()) == 0 {
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, "missing parameters for "+req.Method())
	}
	if err := json.Unmarshal(req.Params(), out); err != nil {
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	return nil
}
