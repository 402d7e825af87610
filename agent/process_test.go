package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcell/state"
	"github.com/BaSui01/agentcell/transport"
	"github.com/BaSui01/agentcell/types"
)

func testProcess(t *testing.T, cfg types.AgentConfig, backend state.Store, opts ...Option) *Process {
	t.Helper()
	p, err := New(cfg, backend, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.State() == StateRunning },
		2*time.Second, 5*time.Millisecond)
	return p
}

func waitExit(t *testing.T, p *Process) ExitEvent {
	t.Helper()
	select {
	case <-p.Done():
		return p.Exit()
	case <-time.After(2 * time.Second):
		t.Fatal("process never exited")
		return ExitEvent{}
	}
}

func TestProcessCleanLifecycle(t *testing.T) {
	backend := state.NewMemoryStore()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, backend)
	ctx := context.Background()

	_, err := p.Apply(ctx, types.StoreAction("greeting", json.RawMessage(`"hello"`)))
	require.NoError(t, err)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(snap["greeting"]))

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, StateTerminated, p.State())
	assert.Equal(t, ExitNormal, waitExit(t, p).Reason)

	// Clean shutdown flushed everything under the agent's namespace.
	v, found, err := backend.Retrieve(ctx, "agent:a1:greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `"hello"`, string(v))
	assert.Zero(t, p.PendingWrites())
}

func TestStateLoadingRestoresNamespace(t *testing.T) {
	ctx := context.Background()
	backend := state.NewMemoryStore()
	require.NoError(t, backend.Store(ctx, "agent:a1:mine", json.RawMessage(`1`)))
	require.NoError(t, backend.Store(ctx, "agent:a2:other", json.RawMessage(`2`)))

	p := testProcess(t, types.AgentConfig{ID: "a1"}, backend)
	defer p.Stop(ctx)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(snap["mine"]))
	assert.NotContains(t, snap, "other", "sibling namespaces stay invisible")
}

// gatedBackend delays durable writes until released, making the gap between
// cache visibility and durability observable.
type gatedBackend struct {
	inner state.Store
	gate  chan struct{}
	once  sync.Once
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{inner: state.NewMemoryStore(), gate: make(chan struct{})}
}

func (g *gatedBackend) release() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedBackend) Store(ctx context.Context, key string, value json.RawMessage) error {
	<-g.gate
	return g.inner.Store(ctx, key, value)
}

func (g *gatedBackend) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return g.inner.Retrieve(ctx, key)
}

func (g *gatedBackend) Delete(ctx context.Context, key string) (bool, error) {
	<-g.gate
	return g.inner.Delete(ctx, key)
}

func (g *gatedBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return g.inner.ListKeys(ctx, prefix)
}

func (g *gatedBackend) Clear(ctx context.Context) error { return g.inner.Clear(ctx) }
func (g *gatedBackend) Ping(ctx context.Context) error  { return g.inner.Ping(ctx) }
func (g *gatedBackend) Close() error                    { return g.inner.Close() }

func TestApplyImmediateConsistencyEventualDurability(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, backend)

	_, err := p.Apply(ctx, types.StoreAction("k", json.RawMessage(`"v"`)))
	require.NoError(t, err)

	// Apply already returned: the same process reads its own write while the
	// durable backend still has nothing.
	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"v"`, string(snap["k"]))
	assert.Greater(t, p.PendingWrites(), 0)

	_, found, err := backend.inner.Retrieve(ctx, "agent:a1:k")
	require.NoError(t, err)
	assert.False(t, found, "write is not durable yet")

	backend.release()
	require.Eventually(t, func() bool { return p.PendingWrites() == 0 },
		2*time.Second, 5*time.Millisecond)

	_, found, err = backend.inner.Retrieve(ctx, "agent:a1:k")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, p.Stop(ctx))
}

func TestCrashThenRestartResumesFromDurableState(t *testing.T) {
	ctx := context.Background()
	backend := state.NewMemoryStore()
	cfg := types.AgentConfig{ID: "worker-1"}

	boom := func(ctx context.Context, env *Env, msg types.Message) error {
		if msg.PayloadType() == "boom" {
			panic("deliberate fault")
		}
		return DefaultHandler()(ctx, env, msg)
	}

	p := testProcess(t, cfg, backend, WithHandler(boom))
	_, err := p.Apply(ctx, types.StoreAction("survivor", json.RawMessage(`42`)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.PendingWrites() == 0 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Dispatch(types.NewMessage("tester", "worker-1", json.RawMessage(`{"type":"boom"}`))))

	ev := waitExit(t, p)
	assert.Equal(t, ExitAbnormal, ev.Reason)
	assert.Error(t, ev.Err)
	assert.Equal(t, StateCrashed, p.State())

	// A sibling process on the same backend reconstructs exactly the durable
	// state, not the crashed instance's memory.
	restarted := testProcess(t, cfg, backend)
	defer restarted.Stop(ctx)

	snap, err := restarted.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(snap["survivor"]))
}

func TestDefaultHandlerStoresLastMessage(t *testing.T) {
	ctx := context.Background()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore())
	defer p.Stop(ctx)

	require.NoError(t, p.Dispatch(types.NewMessage("peer", "a1", json.RawMessage(`{"note":"hi"}`))))

	require.Eventually(t, func() bool {
		snap, err := p.Snapshot(ctx)
		return err == nil && snap["last_message_from_peer"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"hi"}`, string(snap["last_message_from_peer"]))
}

func TestDefaultHandlerDataUpdate(t *testing.T) {
	ctx := context.Background()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore())
	defer p.Stop(ctx)

	payload := json.RawMessage(`{"type":"data_update","data":{"temp":21}}`)
	require.NoError(t, p.Dispatch(types.NewMessage("sensor", "a1", payload)))

	require.Eventually(t, func() bool {
		snap, err := p.Snapshot(ctx)
		return err == nil && snap["received_data"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":21}`, string(snap["received_data"]))
}

func TestDefaultHandlerShutdownMessage(t *testing.T) {
	backend := state.NewMemoryStore()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, backend)

	require.NoError(t, p.Dispatch(types.NewMessage("ctl", "a1", json.RawMessage(`{"type":"shutdown"}`))))

	ev := waitExit(t, p)
	assert.Equal(t, ExitNormal, ev.Reason)

	// The shutdown path saved state before terminating.
	v, found, err := backend.Retrieve(context.Background(), "agent:a1:last_message_from_ctl")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"type":"shutdown"}`, string(v))
}

func TestStateActionInMessagePayload(t *testing.T) {
	ctx := context.Background()
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore())
	defer p.Stop(ctx)

	action, err := json.Marshal(types.StoreAction("from_wire", json.RawMessage(`"acted"`)))
	require.NoError(t, err)
	require.NoError(t, p.Dispatch(types.NewMessage("peer", "a1", action)))

	require.Eventually(t, func() bool {
		snap, serr := p.Snapshot(ctx)
		return serr == nil && snap["from_wire"] != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverableHandlerErrorContinues(t *testing.T) {
	ctx := context.Background()
	var handled []string
	h := func(ctx context.Context, env *Env, msg types.Message) error {
		handled = append(handled, msg.PayloadType())
		if msg.PayloadType() == "bad" {
			return errors.New("malformed payload")
		}
		return nil
	}

	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore(), WithHandler(h))
	defer p.Stop(ctx)

	require.NoError(t, p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{"type":"bad"}`))))
	require.NoError(t, p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{"type":"good"}`))))

	require.Eventually(t, func() bool {
		_, err := p.Snapshot(ctx)
		return err == nil && len(handled) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, p.State(), "recoverable errors never crash the process")
}

func TestFatalHandlerErrorCrashes(t *testing.T) {
	h := func(ctx context.Context, env *Env, msg types.Message) error {
		return types.FatalHandlerError("cannot continue", errors.New("poison message"))
	}
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore(), WithHandler(h))

	require.NoError(t, p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{}`))))

	ev := waitExit(t, p)
	assert.Equal(t, ExitAbnormal, ev.Reason)
	assert.Equal(t, types.ErrHandlerFatal, types.GetErrorCode(ev.Err))
}

func TestDispatchAfterExit(t *testing.T) {
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore())
	require.NoError(t, p.Stop(context.Background()))

	err := p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{}`)))
	assert.Equal(t, types.ErrAgentStopped, types.GetErrorCode(err))
}

func TestDispatchMailboxFull(t *testing.T) {
	// Never started: nothing drains the mailbox.
	p, err := New(types.AgentConfig{ID: "a1", MailboxSize: 1}, state.NewMemoryStore())
	require.NoError(t, err)

	require.NoError(t, p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{}`))))
	err = p.Dispatch(types.NewMessage("x", "a1", json.RawMessage(`{}`)))
	assert.Equal(t, types.ErrMailboxFull, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestStartTwice(t *testing.T) {
	p := testProcess(t, types.AgentConfig{ID: "a1"}, state.NewMemoryStore())
	defer p.Stop(context.Background())
	assert.Error(t, p.Start(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(types.AgentConfig{}, state.NewMemoryStore())
	assert.Error(t, err)

	_, err = New(types.AgentConfig{ID: "a1"}, nil)
	assert.Error(t, err)
}

// fakeTransport is an in-memory Transport double recording publishes and
// letting tests inject inbound messages.
type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]chan types.Message
	published map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:      make(map[string]chan types.Message),
		published: make(map[string][][]byte),
	}
}

func (f *fakeTransport) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, subject string) (<-chan types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[subject]; ok {
		return ch, nil
	}
	ch := make(chan types.Message, 8)
	f.subs[subject] = ch
	return ch, nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[subject]; ok {
		close(ch)
		delete(f.subs, subject)
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool { return true }

func (f *fakeTransport) Stats() transport.ConnectionStats { return transport.ConnectionStats{} }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) inject(subject string, msg types.Message) {
	f.mu.Lock()
	ch := f.subs[subject]
	f.mu.Unlock()
	ch <- msg
}

func (f *fakeTransport) sent(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[subject]
}

func TestTransportMessagesMergeIntoMailbox(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	p := testProcess(t,
		types.AgentConfig{ID: "a1", TransportEnabled: true, Subscriptions: []string{"events.metrics"}},
		state.NewMemoryStore(), WithTransport(ft))
	defer p.Stop(ctx)

	ft.inject("agent.a1", transport.Normalize("agent.a1", []byte(`{"note":"wire"}`)))

	require.Eventually(t, func() bool {
		snap, err := p.Snapshot(ctx)
		return err == nil && snap["last_message_from_bus"] != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForeignRecipientIsForwarded(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	p := testProcess(t, types.AgentConfig{ID: "a1", TransportEnabled: true},
		state.NewMemoryStore(), WithTransport(ft))
	defer p.Stop(ctx)

	msg := types.NewMessage("a1", "a2", json.RawMessage(`{"task":"relay"}`))
	require.NoError(t, p.Dispatch(msg))

	require.Eventually(t, func() bool {
		return len(ft.sent("agent.a2")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The full envelope travels, so the receiver sees the original sender.
	var forwarded types.Message
	require.NoError(t, json.Unmarshal(ft.sent("agent.a2")[0], &forwarded))
	assert.Equal(t, msg.ID, forwarded.ID)
	assert.Equal(t, types.AgentID("a1"), forwarded.From)

	// Nothing was stored locally for a foreign recipient.
	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestForwardedEnvelopeUnwrappedOnArrival(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	p := testProcess(t, types.AgentConfig{ID: "a2", TransportEnabled: true},
		state.NewMemoryStore(), WithTransport(ft))
	defer p.Stop(ctx)

	// Simulate a peer's forward: a full envelope as the frame payload.
	envelope, err := json.Marshal(types.NewMessage("a1", "a2", json.RawMessage(`{"v":9}`)))
	require.NoError(t, err)
	ft.inject("agent.a2", transport.Normalize("agent.a2", envelope))

	require.Eventually(t, func() bool {
		snap, serr := p.Snapshot(ctx)
		return serr == nil && snap["last_message_from_a1"] != nil
	}, 2*time.Second, 5*time.Millisecond)
}
