package supervisor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcell/agent"
	"github.com/BaSui01/agentcell/state"
	"github.com/BaSui01/agentcell/types"
)

// boomHandler panics on {"type":"boom"} and otherwise behaves like the
// default handler.
func boomHandler() agent.Handler {
	base := agent.DefaultHandler()
	return func(ctx context.Context, env *agent.Env, msg types.Message) error {
		if msg.PayloadType() == "boom" {
			panic("deliberate fault")
		}
		return base(ctx, env, msg)
	}
}

func memConfig(id types.AgentID) types.AgentConfig {
	return types.AgentConfig{ID: id, Backend: types.BackendInMemory}
}

func waitRunning(t *testing.T, s *Supervisor, id types.AgentID) *agent.Process {
	t.Helper()
	var proc *agent.Process
	require.Eventually(t, func() bool {
		p, ok := s.Agent(id)
		if !ok || p.State() != agent.StateRunning {
			return false
		}
		proc = p
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return proc
}

func TestSpawnAllPartialSuccess(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown(context.Background())

	report := s.SpawnAll(context.Background(), []types.AgentConfig{
		memConfig("good-1"),
		{}, // no ID, invalid
		memConfig("good-2"),
	})

	assert.False(t, report.Ok())
	assert.Len(t, report.Started, 2)
	assert.Len(t, report.Failed, 1)
	assert.Equal(t, []types.AgentID{"good-1", "good-2"}, s.AgentIDs())
}

func TestSpawnDuplicateRejected(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Spawn(context.Background(), memConfig("dup")))
	assert.Error(t, s.Spawn(context.Background(), memConfig("dup")))
}

func TestNormalExitNotRestarted(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Spawn(context.Background(), memConfig("calm")))
	proc := waitRunning(t, s, "calm")
	require.NoError(t, proc.Stop(context.Background()))

	require.Eventually(t, func() bool {
		status, _ := s.Status("calm")
		return status == ChildStopped
	}, 2*time.Second, 5*time.Millisecond)

	// Give a hypothetical restart a chance to happen, then confirm it did not.
	time.Sleep(50 * time.Millisecond)
	got, _ := s.Agent("calm")
	assert.Same(t, proc, got)
	assert.Equal(t, agent.StateTerminated, got.State())
}

func TestCrashTriggersRestartFromDurableState(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, WithHandler(boomHandler()))
	defer s.Shutdown(ctx)

	require.NoError(t, s.Spawn(ctx, memConfig("phoenix")))
	first := waitRunning(t, s, "phoenix")

	_, err := first.Apply(ctx, types.StoreAction("memory", json.RawMessage(`"durable"`)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.PendingWrites() == 0 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Dispatch(types.NewMessage("test", "phoenix", json.RawMessage(`{"type":"boom"}`))))

	// The supervisor rebuilds an equivalent process from the original config.
	var second *agent.Process
	require.Eventually(t, func() bool {
		p, ok := s.Agent("phoenix")
		if !ok || p == first || p.State() != agent.StateRunning {
			return false
		}
		second = p
		return true
	}, 2*time.Second, 5*time.Millisecond)

	status, _ := s.Status("phoenix")
	assert.Equal(t, ChildRunning, status)

	// The replacement resumed from the durable backend.
	snap, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"durable"`, string(snap["memory"]))
}

func crashUntilPermanent(t *testing.T, s *Supervisor, id types.AgentID) {
	t.Helper()
	for i := 0; i < 20; i++ {
		status, ok := s.Status(id)
		require.True(t, ok)
		if status == ChildPermanentlyFailed {
			return
		}

		proc, ok := s.Agent(id)
		require.True(t, ok)
		if proc.State() != agent.StateRunning {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		proc.Dispatch(types.NewMessage("test", id, json.RawMessage(`{"type":"boom"}`)))

		require.Eventually(t, func() bool {
			st, _ := s.Status(id)
			if st == ChildPermanentlyFailed {
				return true
			}
			p, _ := s.Agent(id)
			return p != proc && p.State() == agent.StateRunning
		}, 2*time.Second, 5*time.Millisecond)
	}
	t.Fatal("agent never became permanently failed")
}

func TestRestartLimitMarksPermanentlyFailed(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Policy: RestartPolicy{MaxRestarts: 3, Window: time.Minute}},
		WithHandler(boomHandler()))
	defer s.Shutdown(ctx)

	require.NoError(t, s.Spawn(ctx, memConfig("doomed")))
	waitRunning(t, s, "doomed")

	crashUntilPermanent(t, s, "doomed")

	status, _ := s.Status("doomed")
	assert.Equal(t, ChildPermanentlyFailed, status)

	// The failed child stays registered but takes no more messages.
	err := s.Dispatch(types.NewMessage("test", "doomed", json.RawMessage(`{}`)))
	assert.Equal(t, types.ErrAgentStopped, types.GetErrorCode(err))

	// Siblings are unaffected by the failure.
	require.NoError(t, s.Spawn(ctx, memConfig("sibling")))
	waitRunning(t, s, "sibling")
}

func TestSlidingWindowForgetsOldRestarts(t *testing.T) {
	ctx := context.Background()
	var clock atomic.Int64
	clock.Store(1_000_000)
	s := New(Config{Policy: RestartPolicy{MaxRestarts: 1, Window: time.Minute}},
		WithHandler(boomHandler()))
	s.nowFn = func() time.Time { return time.Unix(clock.Load(), 0) }
	defer s.Shutdown(ctx)

	require.NoError(t, s.Spawn(ctx, memConfig("wobbly")))
	first := waitRunning(t, s, "wobbly")

	crash := func(prev *agent.Process) *agent.Process {
		require.NoError(t, prev.Dispatch(types.NewMessage("test", "wobbly", json.RawMessage(`{"type":"boom"}`))))
		var next *agent.Process
		require.Eventually(t, func() bool {
			p, ok := s.Agent("wobbly")
			if !ok || p == prev || p.State() != agent.StateRunning {
				return false
			}
			next = p
			return true
		}, 2*time.Second, 5*time.Millisecond)
		return next
	}

	// First crash consumes the single restart allowed in the window.
	second := crash(first)

	// Outside the window the old restart no longer counts.
	clock.Add(120)
	third := crash(second)

	// A second crash inside the same window exceeds the limit.
	require.NoError(t, third.Dispatch(types.NewMessage("test", "wobbly", json.RawMessage(`{"type":"boom"}`))))
	require.Eventually(t, func() bool {
		status, _ := s.Status("wobbly")
		return status == ChildPermanentlyFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchUnknownAgent(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown(context.Background())

	err := s.Dispatch(types.NewMessage("x", "ghost", json.RawMessage(`{}`)))
	assert.Equal(t, types.ErrUnknownAgent, types.GetErrorCode(err))
}

func TestShutdownStopsChildrenAndPersists(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	require.NoError(t, s.Spawn(ctx, memConfig("a1")))
	proc := waitRunning(t, s, "a1")
	_, err := proc.Apply(ctx, types.StoreAction("k", json.RawMessage(`1`)))
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, agent.StateTerminated, proc.State())

	// Shutdown is idempotent and spawning afterwards fails.
	require.NoError(t, s.Shutdown(ctx))
	assert.Error(t, s.Spawn(ctx, memConfig("late")))
}

func TestBackendSharedAcrossChildrenByType(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	defer s.Shutdown(ctx)

	require.NoError(t, s.Spawn(ctx, memConfig("a1")))
	require.NoError(t, s.Spawn(ctx, memConfig("a2")))
	p1 := waitRunning(t, s, "a1")
	p2 := waitRunning(t, s, "a2")

	_, err := p1.Apply(ctx, types.StoreAction("private", json.RawMessage(`"a1 only"`)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p1.PendingWrites() == 0 },
		2*time.Second, 5*time.Millisecond)

	// Same backing store, disjoint namespaces.
	snap, err := p2.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestRestartUsesSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	s := New(Config{StoreDefaults: state.StoreConfig{SQLitePath: ":memory:"}},
		WithHandler(boomHandler()))
	defer s.Shutdown(ctx)

	cfg := types.AgentConfig{ID: "sq", Backend: types.BackendSQLite}
	require.NoError(t, s.Spawn(ctx, cfg))
	first := waitRunning(t, s, "sq")

	_, err := first.Apply(ctx, types.StoreAction("k", json.RawMessage(`"kept"`)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.PendingWrites() == 0 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Dispatch(types.NewMessage("t", "sq", json.RawMessage(`{"type":"boom"}`))))

	var second *agent.Process
	require.Eventually(t, func() bool {
		p, ok := s.Agent("sq")
		if !ok || p == first || p.State() != agent.StateRunning {
			return false
		}
		second = p
		return true
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"kept"`, string(snap["k"]))
}
