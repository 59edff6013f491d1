// Package docsync implements single-writer document replication across
// editor sessions. One session owns each document and publishes deltas; the
// broker applies them to an authoritative copy and fans them out to every
// other session holding the document open. The (epoch, seq) pair is an
// optimistic-concurrency fence, not a merge system: concurrent writers are
// prevented by ownership, not reconciled.
package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextide/sessiond/src/sessiond/entity"
	sessionclient "github.com/nextide/sessiond/src/sessiond/gateway/session-client"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/mapper"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/uri"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_nameKey        = "doc-sync"
	_maxFileSizeKey = "docSync.maxFileSizeBytes"
)

// Module provides the doc-sync controller.
var Module = fx.Provide(New)

// Controller is the buffer sync engine.
type Controller interface {
	// Open opens (or attaches to) a replicated document. The first opener
	// becomes owner; later openers become followers and receive the snapshot.
	Open(ctx context.Context, p *entity.SyncOpenParams) (*entity.SyncOpenResult, error)

	// ApplyDelta validates a delta against the ownership and (epoch, seq)
	// fence, applies it to the authoritative text, broadcasts it to the other
	// holders, and acknowledges the new sequence number.
	ApplyDelta(ctx context.Context, p *entity.SyncDeltaParams) (*entity.SyncDeltaResult, error)

	// Snapshot returns the authoritative document state for resync.
	Snapshot(ctx context.Context, p *entity.SyncSnapshotParams) (*entity.SyncSnapshotResult, error)

	// Transfer hands ownership to the minimum remaining holder, if any.
	Transfer(ctx context.Context, p *entity.SyncTransferParams) (*entity.SyncTransferResult, error)

	// Close drops the session's interest in the document.
	Close(ctx context.Context, p *entity.SyncCloseParams) error

	// EndSession closes every document the session holds, transferring
	// ownership where needed. Called on disconnect.
	EndSession(ctx context.Context, id entity.SessionID) error
}

// Params are inbound parameters to initialize the controller.
type Params struct {
	fx.In

	Gateway sessionclient.Gateway
	Logger  *zap.SugaredLogger
	Stats   tally.Scope
	Config  config.Provider
}

// docState is the authoritative replication state of one document.
type docState struct {
	text  string
	owner entity.SessionID
	epoch uint64
	seq   uint64
	refs  map[entity.SessionID]int
}

type controller struct {
	gateway          sessionclient.Gateway
	logger           *zap.SugaredLogger
	stats            tally.Scope
	maxFileSizeBytes int64

	mu   sync.Mutex
	docs map[uri.URI]*docState
}

// New creates a new buffer sync controller.
func New(p Params) (Controller, error) {
	var maxFileSizeBytes int64
	if err := p.Config.Get(_maxFileSizeKey).Populate(&maxFileSizeBytes); err != nil {
		return nil, fmt.Errorf("unable to get maximum file size from config: %w", err)
	}
	if maxFileSizeBytes <= 0 {
		return nil, fmt.Errorf("maximum file size must be positive, got %d", maxFileSizeBytes)
	}

	return &controller{
		gateway:          p.Gateway,
		logger:           p.Logger.With("component", _nameKey),
		stats:            p.Stats.SubScope("doc_sync"),
		maxFileSizeBytes: maxFileSizeBytes,
		docs:             make(map[uri.URI]*docState),
	}, nil
}

func (c *controller) Open(ctx context.Context, p *entity.SyncOpenParams) (*entity.SyncOpenResult, error) {
	id, err := mapper.ContextToSessionID(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.docs[p.URI]
	if !ok {
		if err := c.validateSize(p.Text); err != nil {
			return nil, err
		}
		d = &docState{
			text:  p.Text,
			owner: id,
			epoch: 1,
			seq:   0,
			refs:  map[entity.SessionID]int{id: 1},
		}
		c.docs[p.URI] = d
		c.updateMetricsLocked()
		c.logger.Infow("document opened", "uri", p.URI, "owner", id)
		return &entity.SyncOpenResult{
			Role:  entity.SyncRoleOwner,
			Owner: id,
			Epoch: d.epoch,
			Seq:   d.seq,
			Text:  d.text,
		}, nil
	}

	// Later openers join as followers and adopt the authoritative snapshot;
	// whatever text they sent is discarded.
	d.refs[id]++
	role := entity.SyncRoleFollower
	if d.owner == id {
		role = entity.SyncRoleOwner
	}
	c.updateMetricsLocked()
	return &entity.SyncOpenResult{
		Role:  role,
		Owner: d.owner,
		Epoch: d.epoch,
		Seq:   d.seq,
		Text:  d.text,
	}, nil
}

func (c *controller) ApplyDelta(ctx context.Context, p *entity.SyncDeltaParams) (*entity.SyncDeltaResult, error) {
	id, err := mapper.ContextToSessionID(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	d, ok := c.docs[p.URI]
	if !ok {
		c.mu.Unlock()
		return nil, &ondErrors.SyncNotOpenError{URI: p.URI}
	}
	if p.Epoch != d.epoch {
		have, want := p.Epoch, d.epoch
		c.mu.Unlock()
		return nil, &ondErrors.SyncEpochMismatchError{URI: p.URI, Have: have, Want: want}
	}
	if id != d.owner || p.BaseSeq != d.seq {
		seqErr := &ondErrors.SyncSeqMismatchError{URI: p.URI, Sender: id, Owner: d.owner, Have: p.BaseSeq, Want: d.seq}
		c.mu.Unlock()
		return nil, seqErr
	}

	newText, err := mapper.ApplyEditOps(d.text, p.Ops)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("applying delta to %q: %w", p.URI, err)
	}
	if err := c.validateSize(newText); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	d.text = newText
	d.seq++
	event := &entity.SyncDeltaEvent{URI: p.URI, Epoch: d.epoch, Seq: d.seq, Ops: p.Ops}
	recipients := holdersExcept(d, id)
	c.mu.Unlock()

	c.broadcast(ctx, recipients, entity.MethodSyncDelta, event)
	return &entity.SyncDeltaResult{Seq: event.Seq}, nil
}

func (c *controller) Snapshot(ctx context.Context, p *entity.SyncSnapshotParams) (*entity.SyncSnapshotResult, error) {
	if _, err := mapper.ContextToSessionID(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.docs[p.URI]
	if !ok {
		return nil, &ondErrors.SyncNotOpenError{URI: p.URI}
	}
	return &entity.SyncSnapshotResult{
		Owner: d.owner,
		Epoch: d.epoch,
		Seq:   d.seq,
		Text:  d.text,
	}, nil
}

func (c *controller) Transfer(ctx context.Context, p *entity.SyncTransferParams) (*entity.SyncTransferResult, error) {
	id, err := mapper.ContextToSessionID(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	d, ok := c.docs[p.URI]
	if !ok {
		c.mu.Unlock()
		return nil, &ondErrors.SyncNotOpenError{URI: p.URI}
	}
	if d.owner != id {
		seqErr := &ondErrors.SyncSeqMismatchError{URI: p.URI, Sender: id, Owner: d.owner, Have: 0, Want: d.seq}
		c.mu.Unlock()
		return nil, seqErr
	}

	event := c.transferLocked(p.URI, d, id)
	result := &entity.SyncTransferResult{Owner: d.owner, Epoch: d.epoch}
	recipients := holdersExcept(d, 0)
	c.mu.Unlock()

	if event != nil {
		c.broadcast(ctx, recipients, entity.MethodSyncOwnerChanged, event)
	}
	return result, nil
}

func (c *controller) Close(ctx context.Context, p *entity.SyncCloseParams) error {
	id, err := mapper.ContextToSessionID(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	d, ok := c.docs[p.URI]
	if !ok {
		c.mu.Unlock()
		return &ondErrors.SyncNotOpenError{URI: p.URI}
	}

	event, recipients := c.dropHolderLocked(p.URI, d, id, false)
	c.mu.Unlock()

	if event != nil {
		c.broadcast(ctx, recipients, entity.MethodSyncOwnerChanged, event)
	}
	return nil
}

func (c *controller) EndSession(ctx context.Context, id entity.SessionID) error {
	type pendingEvent struct {
		event      *entity.SyncOwnerChangedEvent
		recipients []entity.SessionID
	}

	c.mu.Lock()
	var events []pendingEvent
	for docURI, d := range c.docs {
		if _, ok := d.refs[id]; !ok {
			continue
		}
		event, recipients := c.dropHolderLocked(docURI, d, id, true)
		if event != nil {
			events = append(events, pendingEvent{event: event, recipients: recipients})
		}
	}
	c.mu.Unlock()

	for _, e := range events {
		c.broadcast(ctx, e.recipients, entity.MethodSyncOwnerChanged, e.event)
	}
	return nil
}

// dropHolderLocked decrements (or fully removes) a session's refcount on the
// document, transferring ownership or deleting the state as needed. It returns
// an owner-changed event and its recipients when ownership moved.
func (c *controller) dropHolderLocked(docURI uri.URI, d *docState, id entity.SessionID, all bool) (*entity.SyncOwnerChangedEvent, []entity.SessionID) {
	if all {
		delete(d.refs, id)
	} else {
		d.refs[id]--
		if d.refs[id] <= 0 {
			delete(d.refs, id)
		}
	}

	if len(d.refs) == 0 {
		delete(c.docs, docURI)
		c.updateMetricsLocked()
		c.logger.Infow("document released", "uri", docURI)
		return nil, nil
	}

	var event *entity.SyncOwnerChangedEvent
	if _, stillHolds := d.refs[d.owner]; !stillHolds {
		event = c.transferLocked(docURI, d, d.owner)
	}
	c.updateMetricsLocked()
	return event, holdersExcept(d, 0)
}

// transferLocked elects min(remaining holders) as the new owner, advances the
// epoch and resets the sequence. The previous owner is excluded even if still
// holding a reference (explicit transfer case).
func (c *controller) transferLocked(docURI uri.URI, d *docState, previous entity.SessionID) *entity.SyncOwnerChangedEvent {
	next := entity.SessionID(0)
	for id := range d.refs {
		if id == previous {
			continue
		}
		if next == 0 || id < next {
			next = id
		}
	}
	if next == 0 {
		// No successor; ownership stays put.
		return nil
	}

	d.owner = next
	d.epoch++
	d.seq = 0
	c.logger.Infow("ownership transferred", "uri", docURI, "owner", next, "epoch", d.epoch)
	return &entity.SyncOwnerChangedEvent{URI: docURI, Owner: next, Epoch: d.epoch}
}

// broadcast fans an event out to the given sessions. A send failure is logged
// and skipped; the failing session's own connection teardown cleans it up.
func (c *controller) broadcast(ctx context.Context, recipients []entity.SessionID, method string, event interface{}) {
	for _, id := range recipients {
		if err := c.gateway.Notify(ctx, id, method, event); err != nil {
			c.logger.Warnw("dropping sync event", "session", id, "method", method, "error", err)
		}
	}
}

func (c *controller) validateSize(text string) error {
	if size := int64(len(text)); size > c.maxFileSizeBytes {
		return fmt.Errorf("document size %d exceeds limit %d", size, c.maxFileSizeBytes)
	}
	return nil
}

func (c *controller) updateMetricsLocked() {
	openBytes := 0
	for _, d := range c.docs {
		openBytes += len(d.text)
	}
	c.stats.Gauge("open_docs").Update(float64(len(c.docs)))
	c.stats.Gauge("open_bytes").Update(float64(openBytes))
}

// holdersExcept lists sessions holding the document, excluding one (0 excludes none).
func holdersExcept(d *docState, except entity.SessionID) []entity.SessionID {
	out := make([]entity.SessionID, 0, len(d.refs))
	for id := range d.refs {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}
