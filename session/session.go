// Package session implements the session manager (§4.D): lifecycle of
// child web-terminal server processes, name/port/URL allocation,
// liveness revalidation, and session:start/session:stop event
// emission. Grounded on the teacher's terminal.Manager (map of
// sessions behind a mutex, double-checked GetOrCreate) generalized
// from "one PTY per terminal ID" to "one child process per named
// working directory", and on mcpl's ServerManager for the
// start/stop/StopAll/crash-monitoring shape.
package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/cuzic/ttyd-mux/apperr"
	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/procrunner"
	"github.com/cuzic/ttyd-mux/state"
	"github.com/cuzic/ttyd-mux/tmux"
)

// namePattern is the conservative identifier the router relies on for
// the first path segment after base_path (§3).
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name matches the session-name identifier
// pattern.
func ValidName(name string) bool {
	return name != "" && namePattern.MatchString(name)
}

// Spawner builds the argv for the child web-terminal server process,
// given the session's base URL path and the resolved launch command
// (tmux-attach or raw shell per tmux mode). Kept as an interface so
// tests can substitute a fake child binary.
type Spawner interface {
	Spawn(req SpawnRequest) (*procrunner.Handle, error)
}

// SpawnRequest carries everything a Spawner needs to launch one child
// web-terminal server (§4.D step 5).
type SpawnRequest struct {
	Name       string
	Port       int
	BasePath   string // e.g. "/ttyd-mux/demo"
	WorkingDir string
	LaunchCmd  []string // the command to run inside the terminal (tmux attach or shell)
	ExtraArgs  []string
}

// StartRequest describes a session-start call (§4.D `start`).
type StartRequest struct {
	Name           string
	Dir            string
	Port           int // 0 means "allocate"
	TmuxModeOverride config.TmuxMode
	ExtraArgs      []string
}

// Event is published to subscribers on session start/stop (§9).
type Event struct {
	Kind    EventKind
	Session state.Session
	Name    string // populated for Stop events
}

type EventKind int

const (
	EventStart EventKind = iota
	EventStop
)

type subscriber func(Event)

// Manager owns the in-memory process-handle table and coordinates
// with the state store for persistence (§3 "D exclusively owns
// in-memory child-process handles").
type Manager struct {
	store   *state.Store
	tmuxC   *tmux.Client
	cfg     *config.Config
	logger  *slog.Logger
	spawner Spawner

	mu       sync.Mutex
	handles  map[string]*procrunner.Handle
	nameLock map[string]*sync.Mutex // per-name lock so start/stop on one name never interleave

	subMu sync.Mutex
	subs  []subscriber
}

func New(store *state.Store, tmuxC *tmux.Client, cfg *config.Config, spawner Spawner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		tmuxC:    tmuxC,
		cfg:      cfg,
		logger:   logger,
		spawner:  spawner,
		handles:  make(map[string]*procrunner.Handle),
		nameLock: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers fn to receive session:start/session:stop events.
// Delivery is FIFO per subscriber; a slow subscriber runs in its own
// goroutine so it cannot block the manager (§9).
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()

	for _, fn := range subs {
		fn := fn
		go fn(ev)
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.nameLock[name]
	if !ok {
		l = &sync.Mutex{}
		m.nameLock[name] = l
	}
	return l
}

func (m *Manager) handle(name string) (*procrunner.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}

func (m *Manager) setHandle(name string, h *procrunner.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[name] = h
}

func (m *Manager) deleteHandle(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, name)
}

// findByName returns the persisted session record with the given name.
func findByName(sessions []state.Session, name string) (state.Session, bool) {
	for _, s := range sessions {
		if s.Name == name {
			return s, true
		}
	}
	return state.Session{}, false
}

// usedPorts returns the set of ports currently occupied by persisted
// sessions.
func usedPorts(sessions []state.Session) map[int]bool {
	used := make(map[int]bool, len(sessions))
	for _, s := range sessions {
		used[s.Port] = true
	}
	return used
}

// dirOwner returns the name of the live session owning dir, if any.
func dirOwner(sessions []state.Session, dir string) (string, bool) {
	for _, s := range sessions {
		if s.WorkingDir == dir && procrunner.IsRunning(s.PID) {
			return s.Name, true
		}
	}
	return "", false
}

// nextPort picks the lowest integer strictly greater than base_port
// that is neither recorded as in-use nor currently bindable by another
// process, retrying up to the configured attempt budget (§4.D
// "Tie-break policy for next_port").
func (m *Manager) nextPort(used map[int]bool) (int, error) {
	base := m.cfg.BasePort
	attempts := m.cfg.PortProbeAttempts
	port := base + 1
	tried := 0
	for tried < attempts {
		if !used[port] {
			if procrunner.IsPortAvailable(port) {
				return port, nil
			}
		}
		port++
		tried++
	}
	return 0, apperr.New(apperr.PortExhausted, fmt.Sprintf("no free port found after %d attempts above base_port %d", attempts, base))
}

// Start implements §4.D `start`.
func (m *Manager) Start(req StartRequest) (state.Session, error) {
	if !ValidName(req.Name) {
		return state.Session{}, apperr.New(apperr.BadInput, "invalid session name")
	}

	lock := m.lockFor(req.Name)
	lock.Lock()
	defer lock.Unlock()

	sessions := m.store.Sessions()

	if existing, ok := findByName(sessions, req.Name); ok && procrunner.IsRunning(existing.PID) {
		return state.Session{}, apperr.New(apperr.AlreadyRunning, fmt.Sprintf("session %q is already running", req.Name))
	}

	if owner, ok := dirOwner(sessions, req.Dir); ok && owner != req.Name {
		return state.Session{}, apperr.New(apperr.DirInUse, fmt.Sprintf("directory %q is already owned by session %q", req.Dir, owner))
	}

	port := req.Port
	if port == 0 {
		p, err := m.nextPort(usedPorts(sessions))
		if err != nil {
			return state.Session{}, err
		}
		port = p
	} else if !procrunner.IsPortAvailable(port) {
		return state.Session{}, apperr.New(apperr.PortUnavailable, fmt.Sprintf("port %d is not available", port))
	}

	tmuxMode := m.cfg.TmuxMode
	if req.TmuxModeOverride != "" {
		tmuxMode = req.TmuxModeOverride
	}

	tmuxCreated := false
	if tmuxMode == config.TmuxAuto {
		if err := m.tmuxC.EnsureSession(req.Name, req.Dir); err != nil {
			return state.Session{}, apperr.Wrap(apperr.SpawnFailed, "ensure tmux session", err)
		}
		tmuxCreated = true
	}

	basePath := m.cfg.BasePath + "/" + req.Name
	var launchCmd []string
	if tmuxMode == config.TmuxOff {
		launchCmd = []string{"/bin/sh", "-l"}
	} else {
		launchCmd = tmux.AttachCommand(req.Name)
	}

	extraArgs := req.ExtraArgs
	if len(extraArgs) == 0 {
		extraArgs = m.cfg.SessionDefaults.ExtraArgs
	}

	handle, err := m.spawner.Spawn(SpawnRequest{
		Name:       req.Name,
		Port:       port,
		BasePath:   basePath,
		WorkingDir: req.Dir,
		LaunchCmd:  launchCmd,
		ExtraArgs:  extraArgs,
	})
	if err != nil {
		if tmuxCreated {
			_ = m.tmuxC.KillSession(req.Name)
		}
		return state.Session{}, apperr.Wrap(apperr.SpawnFailed, "spawn child terminal server", err)
	}

	select {
	case <-handle.Done:
		if tmuxCreated {
			_ = m.tmuxC.KillSession(req.Name)
		}
		return state.Session{}, apperr.New(apperr.SpawnFailed, "child terminal server exited immediately")
	default:
	}

	rec := state.Session{
		Name:       req.Name,
		PID:        handle.PID,
		Port:       port,
		URLPath:    basePath,
		WorkingDir: req.Dir,
		StartedAt:  time.Now(),
	}

	if err := m.store.AddSession(rec); err != nil {
		_ = procrunner.Kill(handle.PID, syscall.SIGTERM)
		if tmuxCreated {
			_ = m.tmuxC.KillSession(req.Name)
		}
		return state.Session{}, err
	}

	m.setHandle(req.Name, handle)

	go m.watchExit(req.Name, handle)

	m.logger.Info("session started", "session", req.Name, "port", port, "pid", handle.PID)
	m.publish(Event{Kind: EventStart, Session: rec})
	return rec, nil
}

// watchExit removes the handle table entry when the child process
// exits on its own; revalidation will observe the dead pid and clean
// up the persisted record on the next sweep.
func (m *Manager) watchExit(name string, h *procrunner.Handle) {
	<-h.Done
	m.mu.Lock()
	if m.handles[name] == h {
		delete(m.handles, name)
	}
	m.mu.Unlock()
}

// Stop implements §4.D `stop`.
func (m *Manager) Stop(name string, alsoKillTmux bool) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	sessions := m.store.Sessions()
	rec, ok := findByName(sessions, name)
	if !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("session %q not found", name))
	}

	if err := procrunner.Kill(rec.PID, syscall.SIGTERM); err != nil {
		m.logger.Warn("session stop: kill failed", "session", name, "error", err)
	}

	if alsoKillTmux || m.cfg.TmuxMode == config.TmuxAuto || m.cfg.TmuxMode == config.TmuxAttach {
		if err := m.tmuxC.KillSession(name); err != nil {
			m.logger.Warn("session stop: tmux kill failed", "session", name, "error", err)
		}
	}

	if err := m.store.RemoveSession(name); err != nil {
		return err
	}
	m.deleteHandle(name)

	m.logger.Info("session stopped", "session", name)
	m.publish(Event{Kind: EventStop, Name: name})
	return nil
}

// List returns the subset of persisted sessions whose pid is currently
// running, lazily removing dead entries from the store as it observes
// them (§4.D `list`, self-healing).
func (m *Manager) List() []state.Session {
	sessions := m.store.Sessions()
	alive := make([]state.Session, 0, len(sessions))
	dead := false
	for _, s := range sessions {
		if procrunner.IsRunning(s.PID) {
			alive = append(alive, s)
		} else {
			dead = true
			m.deleteHandle(s.Name)
		}
	}
	if dead {
		if err := m.store.ReplaceSessions(alive); err != nil {
			m.logger.Warn("session list: failed to persist reaped sessions", "error", err)
		}
	}
	return alive
}

// Revalidation is the partition returned by Revalidate.
type Revalidation struct {
	StillAlive []state.Session
	Removed    []string
}

// Revalidate explicitly performs the dead-process sweep and returns
// the partition (§4.D `revalidate`).
func (m *Manager) Revalidate() Revalidation {
	sessions := m.store.Sessions()
	alive := make([]state.Session, 0, len(sessions))
	var removed []string
	for _, s := range sessions {
		if procrunner.IsRunning(s.PID) {
			alive = append(alive, s)
		} else {
			removed = append(removed, s.Name)
			m.deleteHandle(s.Name)
		}
	}
	if len(removed) > 0 {
		if err := m.store.ReplaceSessions(alive); err != nil {
			m.logger.Warn("revalidate: failed to persist reaped sessions", "error", err)
		}
		for _, name := range removed {
			m.logger.Info("session reaped", "session", name)
			m.publish(Event{Kind: EventStop, Name: name})
		}
	}
	return Revalidation{StillAlive: alive, Removed: removed}
}

// StopAll iterates over the live set and stops each; per-session
// errors are logged, not propagated, so shutdown completes (§4.D
// `stop_all`).
func (m *Manager) StopAll() {
	for _, s := range m.store.Sessions() {
		if err := m.Stop(s.Name, true); err != nil {
			m.logger.Warn("stop_all: failed to stop session", "session", s.Name, "error", err)
		}
	}
}

// Get returns the persisted record for name, if it is currently alive.
func (m *Manager) Get(name string) (state.Session, bool) {
	for _, s := range m.List() {
		if s.Name == name {
			return s, true
		}
	}
	return state.Session{}, false
}
