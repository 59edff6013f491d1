package broker

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally"
	docsync "github.com/nextide/sessiond/src/sessiond/controller/doc-sync"
	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/gateway/session-client/sessionclientmock"
	ondErrors "github.com/nextide/sessiond/src/sessiond/internal/errors"
	"github.com/nextide/sessiond/src/sessiond/internal/launcher"
	"github.com/nextide/sessiond/src/sessiond/repository/session"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

const _waitFor = 3 * time.Second

// fakeChild is the far end of a launched server's stdio pipe. A background
// reader pumps messages written by the broker into msgs.
type fakeChild struct {
	conn   net.Conn
	stream jsonrpc2.Stream
	exit   chan launcher.ExitStatus
	msgs   chan jsonrpc2.Message

	mu     sync.Mutex
	exited bool
}

func (ch *fakeChild) expectMessage(t *testing.T) jsonrpc2.Message {
	t.Helper()
	select {
	case msg := <-ch.msgs:
		return msg
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for message from broker")
		return nil
	}
}

func (ch *fakeChild) write(t *testing.T, msg jsonrpc2.Message) {
	t.Helper()
	_, err := ch.stream.Write(context.Background(), msg)
	require.NoError(t, err)
}

// terminate simulates the child process exiting.
func (ch *fakeChild) terminate(st launcher.ExitStatus) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.exited {
		return
	}
	ch.exited = true
	_ = ch.conn.Close()
	ch.exit <- st
}

// fakeLauncher hands out in-memory children instead of real processes. When
// launchStarted is set, Launch signals it and parks on launchRelease so tests
// can interleave registry operations with an in-flight launch.
type fakeLauncher struct {
	mu            sync.Mutex
	launches      int
	children      []*fakeChild
	failNext      bool
	launchStarted chan struct{}
	launchRelease chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg entity.LaunchConfig) (*launcher.Handle, error) {
	l.mu.Lock()
	started, release := l.launchStarted, l.launchRelease
	l.mu.Unlock()
	if started != nil {
		started <- struct{}{}
		<-release
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return nil, ondErrors.New("no such executable")
	}
	l.launches++

	brokerEnd, childEnd := net.Pipe()
	exit := make(chan launcher.ExitStatus, 1)
	ch := &fakeChild{
		conn:   childEnd,
		stream: jsonrpc2.NewStream(childEnd),
		exit:   exit,
		msgs:   make(chan jsonrpc2.Message, 16),
	}
	go func() {
		for {
			msg, _, err := ch.stream.Read(context.Background())
			if err != nil {
				return
			}
			ch.msgs <- msg
		}
	}()
	l.children = append(l.children, ch)
	return launcher.NewHandle(1000+l.launches, brokerEnd, exit), nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) child(i int) *fakeChild {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.children[i]
}

func newTestBroker(t *testing.T) (*controller, *sessionclientmock.MockGateway, *fakeLauncher) {
	ctrl := gomock.NewController(t)
	gateway := sessionclientmock.NewMockGateway(ctrl)
	stats := tally.NewTestScope("testing", make(map[string]string, 0))

	docCfg, _ := config.NewStaticProvider(map[string]interface{}{
		"docSync": map[string]interface{}{"maxFileSizeBytes": 1 << 20},
	})
	docSync, err := docsync.New(docsync.Params{
		Gateway: gateway,
		Logger:  zap.NewNop().Sugar(),
		Stats:   stats,
		Config:  docCfg,
	})
	require.NoError(t, err)

	l := &fakeLauncher{}
	c := &controller{
		sessions: session.New(stats),
		gateway:  gateway,
		docSync:  docSync,
		launcher: l,
		logger:   zap.NewNop().Sugar(),
		stats:    stats,

		idleLease:      time.Hour,
		requestTimeout: time.Hour,

		servers:   make(map[entity.ServerID]*serverEntry),
		byProject: make(map[entity.ProjectKey]entity.ServerID),
		s2s:       make(map[jsonrpc2.ID]*sessionRequest),
	}
	t.Cleanup(func() {
		_ = c.shutdown(context.Background())
		for _, ch := range l.children {
			ch.terminate(launcher.ExitStatus{})
		}
	})
	return c, gateway, l
}

// newSession registers a session directly against the repository so tests can
// pick their own context plumbing.
func newSession(t *testing.T, c *controller) (entity.SessionID, context.Context) {
	t.Helper()
	s, err := c.sessions.Create(context.Background(), nil)
	require.NoError(t, err)
	return s.ID, context.WithValue(context.Background(), entity.SessionContextKey, s.ID)
}

func testLaunchConfig() entity.LaunchConfig {
	return entity.LaunchConfig{Command: "analysis-server", Args: []string{"--stdio"}, WorkingDir: "/workspace"}
}

func TestNewRequiresConfig(t *testing.T) {
	empty, _ := config.NewStaticProvider(map[string]interface{}{})
	_, err := New(Params{
		Sessions: session.New(tally.NoopScope),
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NoopScope,
		Config:   empty,
	})
	assert.Error(t, err)
}

func TestNewRejectsNonPositiveDurations(t *testing.T) {
	bad, _ := config.NewStaticProvider(map[string]interface{}{
		"broker": map[string]interface{}{
			"idleLeaseSeconds":      -5,
			"requestTimeoutSeconds": 60,
		},
	})
	_, err := New(Params{
		Sessions: session.New(tally.NoopScope),
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NoopScope,
		Config:   bad,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
	assert.NotContains(t, err.Error(), "%!w")
}

func TestAcquireLaunchesOnce(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)

	first, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	assert.Equal(t, entity.ServerStatusRunning, first.Status)

	second, err := c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	assert.Equal(t, first.Server, second.Server)
	assert.Equal(t, 1, l.launchCount())
}

func TestAcquireDistinctConfigsLaunchSeparately(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)

	first, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	other := testLaunchConfig()
	other.WorkingDir = "/other"
	second, err := c.AcquireServer(ctx, other)
	require.NoError(t, err)

	assert.NotEqual(t, first.Server, second.Server)
	assert.Equal(t, 2, l.launchCount())
}

func TestAcquireLeaderIsMinimumSession(t *testing.T) {
	c, gateway, _ := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)

	// B attaches first, then A; the smaller ID still leads.
	resB, err := c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)

	c.mu.Lock()
	leader := c.servers[resB.Server].leader
	c.mu.Unlock()
	assert.Equal(t, a, leader)
}

func TestAcquireLaunchFailure(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)

	l.failNext = true
	_, err := c.AcquireServer(ctx, testLaunchConfig())
	var unavailable *ondErrors.ServerUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, entity.ServerStatusCrashed, unavailable.Status)

	// The failed entry must not poison the dedup table.
	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	assert.Equal(t, entity.ServerStatusRunning, result.Status)
	assert.Equal(t, 1, l.launchCount())
}

func TestReleaseRequiresAttachment(t *testing.T) {
	c, gateway, _ := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)

	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)

	assert.Error(t, c.ReleaseServer(ctxB, result.Server))
	assert.NoError(t, c.ReleaseServer(ctxA, result.Server))
}

func TestForwardRequestRewritesID(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	replies := make(chan error, 1)
	results := make(chan interface{}, 1)
	replier := func(_ context.Context, res interface{}, err error) error {
		results <- res
		replies <- err
		return nil
	}

	originalID := jsonrpc2.NewNumberID(42)
	err = c.ForwardRequest(ctx, &entity.ServerRequestParams{
		Server: result.Server,
		Method: "textDocument/hover",
		Params: json.RawMessage(`{"position":{"line":1}}`),
	}, originalID, replier)
	require.NoError(t, err)

	call, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)
	assert.Equal(t, "textDocument/hover", call.Method())
	assert.NotEqual(t, originalID, call.ID())

	resp, err := jsonrpc2.NewResponse(call.ID(), json.RawMessage(`{"contents":"doc"}`), nil)
	require.NoError(t, err)
	child.write(t, resp)

	select {
	case err := <-replies:
		assert.NoError(t, err)
		assert.JSONEq(t, `{"contents":"doc"}`, string((<-results).(json.RawMessage)))
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for reply")
	}
}

func TestForwardRequestDistinctSessionsSameOriginalID(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	noopReplier := func(context.Context, interface{}, error) error { return nil }
	sameID := jsonrpc2.NewNumberID(7)
	p := &entity.ServerRequestParams{Server: result.Server, Method: "m", Params: json.RawMessage(`{}`)}
	require.NoError(t, c.ForwardRequest(ctxA, p, sameID, noopReplier))
	require.NoError(t, c.ForwardRequest(ctxB, p, sameID, noopReplier))

	first, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)
	second, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestForwardRequestUnattachedSession(t *testing.T) {
	c, gateway, _ := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)

	err = c.ForwardRequest(ctxB, &entity.ServerRequestParams{Server: result.Server, Method: "m"},
		jsonrpc2.NewNumberID(1), func(context.Context, interface{}, error) error { return nil })
	assert.Error(t, err)
}

func TestForwardRequestUnknownServer(t *testing.T) {
	c, _, _ := newTestBroker(t)
	_, ctx := newSession(t, c)

	err := c.ForwardRequest(ctx, &entity.ServerRequestParams{Server: 99, Method: "m"},
		jsonrpc2.NewNumberID(1), func(context.Context, interface{}, error) error { return nil })
	var unavailable *ondErrors.ServerUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestForwardNotification(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)

	require.NoError(t, c.ForwardNotification(ctx, &entity.ServerNotifyParams{
		Server: result.Server,
		Method: "textDocument/didSave",
		Params: json.RawMessage(`{"textDocument":{"uri":"file:///a.go"}}`),
	}))

	notif, ok := l.child(0).expectMessage(t).(*jsonrpc2.Notification)
	require.True(t, ok)
	assert.Equal(t, "textDocument/didSave", notif.Method())
}

func TestRequestTimeoutResolvesOnce(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	cfg := testLaunchConfig()
	cfg.RequestTimeoutMillis = 50
	result, err := c.AcquireServer(ctx, cfg)
	require.NoError(t, err)
	child := l.child(0)

	replies := make(chan error, 2)
	replier := func(_ context.Context, _ interface{}, err error) error {
		replies <- err
		return nil
	}
	require.NoError(t, c.ForwardRequest(ctx, &entity.ServerRequestParams{Server: result.Server, Method: "m"},
		jsonrpc2.NewNumberID(1), replier))

	call, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)

	// The deadline elapses without a reply from the child.
	select {
	case err := <-replies:
		require.Error(t, err)
		var wireErr *jsonrpc2.Error
		require.ErrorAs(t, err, &wireErr)
		assert.Equal(t, ondErrors.CodeRequestCancelled, wireErr.Code)
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for timeout reply")
	}

	// The child is told to stop working on the dead request.
	notif, ok := child.expectMessage(t).(*jsonrpc2.Notification)
	require.True(t, ok)
	assert.Equal(t, entity.MethodCancelRequest, notif.Method())

	// A late reply from the child must not reach the session a second time.
	resp, err := jsonrpc2.NewResponse(call.ID(), json.RawMessage(`"late"`), nil)
	require.NoError(t, err)
	child.write(t, resp)

	select {
	case <-replies:
		t.Fatal("request resolved twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelRequestForwardsRewrittenID(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	replies := make(chan error, 1)
	replier := func(_ context.Context, _ interface{}, err error) error {
		replies <- err
		return nil
	}
	require.NoError(t, c.ForwardRequest(ctx, &entity.ServerRequestParams{Server: result.Server, Method: "m"},
		jsonrpc2.NewNumberID(42), replier))
	call, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)

	require.NoError(t, c.CancelRequest(ctx, &entity.CancelParams{Server: result.Server, ID: 42}))

	notif, ok := child.expectMessage(t).(*jsonrpc2.Notification)
	require.True(t, ok)
	assert.Equal(t, entity.MethodCancelRequest, notif.Method())
	var p cancelWire
	require.NoError(t, json.Unmarshal(notif.Params(), &p))
	assert.Equal(t, jsonrpc2.NewNumberID(p.ID), call.ID())

	// Cancellation is advisory; the child still answers and the session's
	// pending request resolves from that answer.
	resp, err := jsonrpc2.NewResponse(call.ID(), nil, jsonrpc2.NewError(jsonrpc2.Code(-32800), "cancelled"))
	require.NoError(t, err)
	child.write(t, resp)

	select {
	case err := <-replies:
		assert.Error(t, err)
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for reply")
	}
}

func TestCancelRequestUnknownIDIsNoop(t *testing.T) {
	c, gateway, _ := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)

	assert.NoError(t, c.CancelRequest(ctx, &entity.CancelParams{Server: result.Server, ID: 404}))
}

func TestServerRequestRoutedToLeader(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	_, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	gateway.EXPECT().
		Call(gomock.Any(), a, entity.MethodServerRequest, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ entity.SessionID, _ string, params, result interface{}) error {
			p := params.(*entity.ServerRequestParams)
			assert.Equal(t, "workspace/configuration", p.Method)
			*result.(*json.RawMessage) = json.RawMessage(`[{"enable":true}]`)
			return nil
		})

	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(9), "workspace/configuration", json.RawMessage(`{}`))
	require.NoError(t, err)
	child.write(t, call)

	resp, ok := child.expectMessage(t).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), resp.ID())
	assert.NoError(t, resp.Err())
	assert.JSONEq(t, `[{"enable":true}]`, string(resp.Result()))
}

func TestServerRequestLeaderDetachCancels(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	dispatched := make(chan struct{})
	gateway.EXPECT().
		Call(gomock.Any(), a, entity.MethodServerRequest, gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ entity.SessionID, _ string, _, _ interface{}) error {
			close(dispatched)
			<-ctx.Done()
			return ctx.Err()
		})

	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(11), "workspace/configuration", json.RawMessage(`{}`))
	require.NoError(t, err)
	child.write(t, call)

	select {
	case <-dispatched:
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for dispatch to leader")
	}

	// The leader walks away before answering.
	require.NoError(t, c.ReleaseServer(ctxA, result.Server))

	resp, ok := child.expectMessage(t).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), resp.ID())
	var wireErr *jsonrpc2.Error
	require.ErrorAs(t, resp.Err(), &wireErr)
	assert.Equal(t, ondErrors.CodeRequestCancelled, wireErr.Code)
}

func TestServerRequestLeaderSendFailureCancels(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()
	gateway.EXPECT().DeregisterClient(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	gateway.EXPECT().
		Call(gomock.Any(), a, entity.MethodServerRequest, gomock.Any(), gomock.Any()).
		Return(&ondErrors.SessionSendFailureError{Session: a, Err: ondErrors.New("pipe closed")})

	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(13), "workspace/configuration", json.RawMessage(`{}`))
	require.NoError(t, err)
	child.write(t, call)

	// The child gets a recognizable cancellation, never the transport
	// failure's own text, and the dead leader's session is ended.
	resp, ok := child.expectMessage(t).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Equal(t, call.ID(), resp.ID())
	var wireErr *jsonrpc2.Error
	require.ErrorAs(t, resp.Err(), &wireErr)
	assert.Equal(t, ondErrors.CodeRequestCancelled, wireErr.Code)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.servers[result.Server]
		return ok && len(e.attached) == 0
	}, _waitFor, 10*time.Millisecond)
}

func TestServerRequestWithoutLeader(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	cfg := testLaunchConfig()
	cfg.IdleLeaseMillis = int64(time.Hour / time.Millisecond)
	result, err := c.AcquireServer(ctx, cfg)
	require.NoError(t, err)
	child := l.child(0)

	require.NoError(t, c.ReleaseServer(ctx, result.Server))

	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(3), "workspace/configuration", json.RawMessage(`{}`))
	require.NoError(t, err)
	child.write(t, call)

	resp, ok := child.expectMessage(t).(*jsonrpc2.Response)
	require.True(t, ok)
	assert.Error(t, resp.Err())
}

func TestServerNotificationBroadcast(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	b, ctxB := newSession(t, c)
	_, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	var wg sync.WaitGroup
	wg.Add(2)
	gateway.EXPECT().Notify(gomock.Any(), a, entity.MethodServerNotify, gomock.Any()).
		Do(func(context.Context, entity.SessionID, string, interface{}) { wg.Done() }).Return(nil)
	gateway.EXPECT().Notify(gomock.Any(), b, entity.MethodServerNotify, gomock.Any()).
		Do(func(context.Context, entity.SessionID, string, interface{}) { wg.Done() }).Return(nil)

	notif, err := jsonrpc2.NewNotification("textDocument/publishDiagnostics",
		json.RawMessage(`{"uri":"file:///a.go","diagnostics":[]}`))
	require.NoError(t, err)
	child.write(t, notif)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestIdleLeaseExpiryKillsServer(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	cfg := testLaunchConfig()
	cfg.IdleLeaseMillis = 50
	result, err := c.AcquireServer(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseServer(ctx, result.Server))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.servers[result.Server]
		return !ok
	}, _waitFor, 10*time.Millisecond)

	// Re-acquiring launches a fresh process.
	second, err := c.AcquireServer(ctx, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, result.Server, second.Server)
	assert.Equal(t, 2, l.launchCount())
}

func TestLeaseExpiryDuringLaunchKillsLateChild(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()
	gateway.EXPECT().DeregisterClient(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	l.launchStarted = make(chan struct{}, 1)
	l.launchRelease = make(chan struct{})

	a, ctx := newSession(t, c)
	cfg := testLaunchConfig()
	cfg.IdleLeaseMillis = 20

	acquired := make(chan error, 1)
	go func() {
		_, err := c.AcquireServer(ctx, cfg)
		acquired <- err
	}()

	select {
	case <-l.launchStarted:
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for launch to start")
	}

	// The only acquiring session disconnects while the launch is still in
	// flight; the idle lease then removes the entry before the handle exists.
	require.NoError(t, c.EndSession(ctx, a))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.servers) == 0
	}, _waitFor, 5*time.Millisecond)

	close(l.launchRelease)

	select {
	case err := <-acquired:
		var unavailable *ondErrors.ServerUnavailableError
		require.ErrorAs(t, err, &unavailable)
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for acquire to return")
	}

	// The late child must not outlive the entry: its stdio pipe is closed, so
	// nothing can keep it wired to the broker.
	child := l.child(0)
	notif, err := jsonrpc2.NewNotification("m", nil)
	require.NoError(t, err)
	_, err = child.stream.Write(context.Background(), notif)
	assert.Error(t, err)

	c.mu.Lock()
	assert.Empty(t, c.servers)
	assert.Empty(t, c.byProject)
	c.mu.Unlock()
}

func TestIdleLeaseCancelledByReattach(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	cfg := testLaunchConfig()
	cfg.IdleLeaseMillis = 50
	result, err := c.AcquireServer(ctxA, cfg)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseServer(ctxA, result.Server))

	// A new session attaches within the lease window.
	second, err := c.AcquireServer(ctxB, cfg)
	require.NoError(t, err)
	assert.Equal(t, result.Server, second.Server)

	// The stale timer must not fire against the re-attached server.
	time.Sleep(200 * time.Millisecond)
	c.mu.Lock()
	_, alive := c.servers[result.Server]
	c.mu.Unlock()
	assert.True(t, alive)
	assert.Equal(t, 1, l.launchCount())
}

func TestServerCrashNotifiesAndCleansUp(t *testing.T) {
	c, gateway, l := newTestBroker(t)

	a, ctx := newSession(t, c)

	statuses := make(chan entity.ServerStatus, 2)
	gateway.EXPECT().
		Notify(gomock.Any(), a, entity.MethodServerStatus, gomock.Any()).
		Do(func(_ context.Context, _ entity.SessionID, _ string, event interface{}) {
			statuses <- event.(*entity.ServerStatusEvent).Status
		}).
		Return(nil).
		Times(2)

	result, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	replies := make(chan error, 1)
	require.NoError(t, c.ForwardRequest(ctx, &entity.ServerRequestParams{Server: result.Server, Method: "m"},
		jsonrpc2.NewNumberID(1), func(_ context.Context, _ interface{}, err error) error {
			replies <- err
			return nil
		}))

	require.Equal(t, entity.ServerStatusRunning, <-statuses)
	child.terminate(launcher.ExitStatus{Code: 1, Err: ondErrors.New("exit status 1")})

	select {
	case status := <-statuses:
		assert.Equal(t, entity.ServerStatusCrashed, status)
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for crash notification")
	}

	// The in-flight request resolves with an error, exactly once.
	select {
	case err := <-replies:
		assert.Error(t, err)
	case <-time.After(_waitFor):
		t.Fatal("timed out waiting for pending request resolution")
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.servers[result.Server]
		return !ok
	}, _waitFor, 10*time.Millisecond)
}

func TestEndSessionReelectsLeader(t *testing.T) {
	c, gateway, _ := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()
	gateway.EXPECT().DeregisterClient(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	b, ctxB := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)

	require.NoError(t, c.EndSession(context.Background(), a))

	c.mu.Lock()
	leader := c.servers[result.Server].leader
	c.mu.Unlock()
	assert.Equal(t, b, leader)
}

func TestEndSessionDropsOriginatedRequests(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()
	gateway.EXPECT().DeregisterClient(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	_, ctxB := newSession(t, c)
	result, err := c.AcquireServer(ctxA, testLaunchConfig())
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, testLaunchConfig())
	require.NoError(t, err)
	child := l.child(0)

	require.NoError(t, c.ForwardRequest(ctxA, &entity.ServerRequestParams{Server: result.Server, Method: "m"},
		jsonrpc2.NewNumberID(1), func(context.Context, interface{}, error) error {
			t.Error("reply delivered to a disconnected session")
			return nil
		}))
	call, ok := child.expectMessage(t).(*jsonrpc2.Call)
	require.True(t, ok)

	require.NoError(t, c.EndSession(context.Background(), a))

	// A reply arriving after disconnect has nowhere to go and is dropped.
	resp, err := jsonrpc2.NewResponse(call.ID(), json.RawMessage(`"x"`), nil)
	require.NoError(t, err)
	child.write(t, resp)
	time.Sleep(100 * time.Millisecond)
}

func TestShutdownKillsAllServers(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	_, ctx := newSession(t, c)
	_, err := c.AcquireServer(ctx, testLaunchConfig())
	require.NoError(t, err)
	other := testLaunchConfig()
	other.WorkingDir = "/other"
	_, err = c.AcquireServer(ctx, other)
	require.NoError(t, err)

	require.NoError(t, c.shutdown(context.Background()))

	c.mu.Lock()
	remaining := len(c.servers)
	closed := c.closed
	c.mu.Unlock()
	assert.Zero(t, remaining)
	assert.True(t, closed)

	_, err = c.AcquireServer(ctx, testLaunchConfig())
	assert.ErrorIs(t, err, ondErrors.BrokerClosedError)
	assert.Equal(t, 2, l.launchCount())
}

func TestLeaderLifecycleScenario(t *testing.T) {
	c, gateway, l := newTestBroker(t)
	gateway.EXPECT().Notify(gomock.Any(), gomock.Any(), entity.MethodServerStatus, gomock.Any()).Return(nil).AnyTimes()

	a, ctxA := newSession(t, c)
	b, ctxB := newSession(t, c)
	_, ctxC := newSession(t, c)

	cfg := testLaunchConfig()
	cfg.IdleLeaseMillis = 100

	resA, err := c.AcquireServer(ctxA, cfg)
	require.NoError(t, err)
	_, err = c.AcquireServer(ctxB, cfg)
	require.NoError(t, err)

	leaderOf := func() entity.SessionID {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.servers[resA.Server]
		if !ok {
			return 0
		}
		return e.leader
	}
	assert.Equal(t, a, leaderOf())

	require.NoError(t, c.ReleaseServer(ctxA, resA.Server))
	assert.Equal(t, b, leaderOf())

	// Last detach arms the lease; attaching within the window keeps the process.
	require.NoError(t, c.ReleaseServer(ctxB, resA.Server))
	resC, err := c.AcquireServer(ctxC, cfg)
	require.NoError(t, err)
	assert.Equal(t, resA.Server, resC.Server)
	assert.Equal(t, 1, l.launchCount())

	// With nobody attached past the lease, the server goes away for good.
	require.NoError(t, c.ReleaseServer(ctxC, resA.Server))
	require.Eventually(t, func() bool { return leaderOf() == 0 }, _waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.servers[resA.Server]
		return !ok
	}, _waitFor, 10*time.Millisecond)
}
