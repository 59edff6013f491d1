// Package session stores the set of currently connected editor sessions.
package session

import (
	"context"
	"sync"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/mapper"
	"github.com/nextide/sessiond/src/sessiond/model"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
)

// Repository is an entity-scoped repository.
type Repository interface {
	Create(ctx context.Context, conn *jsonrpc2.Conn) (*entity.Session, error)
	Get(ctx context.Context, id entity.SessionID) (*entity.Session, error)
	GetFromContext(ctx context.Context) (*entity.Session, error)
	Set(ctx context.Context, s *entity.Session) error
	Delete(ctx context.Context, id entity.SessionID) error
	List(ctx context.Context) ([]*entity.Session, error)
	SessionCount(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[entity.SessionID]*model.Session
	nextID   entity.SessionID
	stats    tally.Scope
}

// New returns a repository to a key-value Session data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[entity.SessionID]*model.Session),
		stats:    stats,
	}
}

// Create allocates the next monotonic session ID and stores a new session for
// the given connection. IDs are never reused within one broker process.
func (r *repository) Create(ctx context.Context, conn *jsonrpc2.Conn) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := &entity.Session{
		ID:       r.nextID,
		Conn:     conn,
		Attached: make(map[entity.ServerID]struct{}),
	}
	r.memstore[s.ID] = mapper.SessionToModel(s)
	r.stats.Gauge("active_sessions").Update(float64(len(r.memstore)))
	return s, nil
}

// Get returns the Session associated with the given id.
func (r *repository) Get(ctx context.Context, id entity.SessionID) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memstore[id]
	if !ok {
		return nil, &errors.SessionNotFoundError{Session: id}
	}
	return mapper.ModelToSession(m)
}

// GetFromContext returns the Session associated with the given context.
func (r *repository) GetFromContext(ctx context.Context) (*entity.Session, error) {
	id, err := mapper.ContextToSessionID(ctx)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Set stores the Session under its ID.
func (r *repository) Set(ctx context.Context, s *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == nil {
		return errors.New("can't save nil session")
	}
	r.memstore[s.ID] = mapper.SessionToModel(s)
	r.stats.Gauge("active_sessions").Update(float64(len(r.memstore)))
	return nil
}

// Delete removes the Session associated with the given id.
func (r *repository) Delete(ctx context.Context, id entity.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, id)
	r.stats.Gauge("active_sessions").Update(float64(len(r.memstore)))
	return nil
}

// List returns all currently connected sessions.
func (r *repository) List(ctx context.Context) ([]*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := make([]*entity.Session, 0, len(r.memstore))
	for _, m := range r.memstore {
		s, err := mapper.ModelToSession(m)
		if err == nil {
			found = append(found, s)
		}
	}
	return found, nil
}

// SessionCount returns the total count of active sessions.
func (r *repository) SessionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}
