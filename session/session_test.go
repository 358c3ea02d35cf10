package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzic/ttyd-mux/apperr"
	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/procrunner"
	"github.com/cuzic/ttyd-mux/state"
	"github.com/cuzic/ttyd-mux/tmux"
)

// fakeSpawner stands in for the terminal-server binary: it runs a plain
// `sleep` so the session has a live pid (Start and List check
// liveness), or, with exitImmediately, hands back a Handle whose Done
// channel is already closed.
type fakeSpawner struct {
	exitImmediately bool
}

func (f *fakeSpawner) Spawn(req SpawnRequest) (*procrunner.Handle, error) {
	if f.exitImmediately {
		return newFakeHandle(true), nil
	}
	return procrunner.Spawn("sleep", []string{"60"}, "", nil)
}

func newFakeHandle(exitImmediately bool) *procrunner.Handle {
	h := &procrunner.Handle{PID: 4242, Done: make(chan struct{})}
	if exitImmediately {
		close(h.Done)
	}
	return h
}

func newTestManager(t *testing.T, spawner Spawner) (*Manager, *state.Store) {
	store := state.New(t.TempDir()+"/state.json", nil)
	require.NoError(t, store.Load())
	cfg := &config.Config{BasePath: "/ttyd-mux", BasePort: 7000, TmuxMode: config.TmuxOff, PortProbeAttempts: 20}
	m := New(store, &tmux.Client{}, cfg, spawner, nil)
	t.Cleanup(m.StopAll)
	return m, store
}

func TestStartStopRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})

	sess, err := m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", sess.Name)
	assert.Greater(t, sess.Port, 7000)
	assert.Equal(t, "/ttyd-mux/demo", sess.URLPath)

	listed := m.List()
	require.Len(t, listed, 1)
	assert.Equal(t, "demo", listed[0].Name)

	require.NoError(t, m.Stop("demo", false))
	assert.Empty(t, m.List())
}

func TestStartDuplicateNameFailsAlreadyRunning(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})

	_, err := m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo"})
	require.NoError(t, err)

	_, err = m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo-2"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.AlreadyRunning))
}

func TestStartSameDirDifferentNameFailsDirInUse(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})

	_, err := m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo"})
	require.NoError(t, err)

	_, err = m.Start(StartRequest{Name: "other", Dir: "/tmp/demo"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.DirInUse))
}

func TestStartInvalidNameRejected(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})
	_, err := m.Start(StartRequest{Name: "bad name!", Dir: "/tmp/demo"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadInput))
}

func TestStartImmediateExitReportsSpawnFailed(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{exitImmediately: true})
	_, err := m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SpawnFailed))
}

func TestStopNotFound(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})
	err := m.Stop("ghost", false)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRevalidateRemovesDeadSessions(t *testing.T) {
	m, store := newTestManager(t, &fakeSpawner{})
	require.NoError(t, store.AddSession(state.Session{Name: "zombie", PID: 99999999}))

	reval := m.Revalidate()
	assert.Contains(t, reval.Removed, "zombie")
	assert.Empty(t, m.List())
}

func TestPortAllocationIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})

	s1, err := m.Start(StartRequest{Name: "one", Dir: "/tmp/one"})
	require.NoError(t, err)
	s2, err := m.Start(StartRequest{Name: "two", Dir: "/tmp/two"})
	require.NoError(t, err)

	assert.Less(t, s1.Port, s2.Port)
}

func TestSubscribeReceivesStartAndStopEvents(t *testing.T) {
	m, _ := newTestManager(t, &fakeSpawner{})

	events := make(chan Event, 4)
	m.Subscribe(func(ev Event) { events <- ev })

	_, err := m.Start(StartRequest{Name: "demo", Dir: "/tmp/demo"})
	require.NoError(t, err)
	require.NoError(t, m.Stop("demo", false))

	var kinds []EventKind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("did not receive expected event")
		}
	}
	assert.Equal(t, []EventKind{EventStart, EventStop}, kinds)
}
