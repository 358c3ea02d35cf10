// Package api implements the admin HTTP API (§4.I). Grounded on the
// teacher's server.Server handler style (decode JSON body, call a
// manager method, encode JSON response) generalized to the
// sessions/shares/status/shutdown table.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuzic/ttyd-mux/apperr"
	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/session"
	"github.com/cuzic/ttyd-mux/share"
	"github.com/cuzic/ttyd-mux/state"
)

// SessionManager is the subset of *session.Manager the API needs.
type SessionManager interface {
	Start(req session.StartRequest) (state.Session, error)
	Stop(name string, alsoKillTmux bool) error
	List() []state.Session
}

// ShareManager is the subset of *share.Manager the API needs.
type ShareManager interface {
	Create(sessionName string, expiresIn time.Duration, readOnly bool) (state.ShareToken, error)
	Lookup(token string) (state.ShareToken, error)
	List() []state.ShareToken
	Revoke(token string) error
}

// Identity is the subset of *state.Store the status endpoint needs.
type Identity interface {
	Daemon() *state.DaemonIdentity
}

type API struct {
	cfg      *config.Config
	sessions SessionManager
	shares   ShareManager
	identity Identity
	logger   *slog.Logger
	shutdown func()
}

func New(cfg *config.Config, sessions SessionManager, shares ShareManager, identity Identity, shutdown func(), logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{cfg: cfg, sessions: sessions, shares: shares, identity: identity, shutdown: shutdown, logger: logger}
}

// Mux returns an http.ServeMux with all §4.I routes registered,
// expecting to be mounted so that the incoming request path has
// base_path/api stripped (the router strips it before dispatch).
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("POST /sessions", a.handleCreateSession)
	mux.HandleFunc("DELETE /sessions/{name}", a.handleDeleteSession)
	mux.HandleFunc("POST /shutdown", a.handleShutdown)
	mux.HandleFunc("GET /shares", a.handleListShares)
	mux.HandleFunc("POST /shares", a.handleCreateShare)
	mux.HandleFunc("GET /shares/{token}", a.handleGetShare)
	mux.HandleFunc("DELETE /shares/{token}", a.handleDeleteShare)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apperr.KindOf(err); ok {
		status = statusForKind(kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.AlreadyRunning, apperr.DirInUse, apperr.PortUnavailable, apperr.PortExhausted,
		apperr.SpawnFailed, apperr.InvalidDuration, apperr.BadInput:
		return http.StatusBadRequest
	case apperr.NotFound, apperr.SessionNotFound, apperr.InvalidToken, apperr.Expired:
		return http.StatusNotFound
	case apperr.Upstream502:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type sessionView struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Path      string    `json:"path"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"startedAt"`
}

func toSessionView(s state.Session) sessionView {
	return sessionView{Name: s.Name, Port: s.Port, Path: s.URLPath, Dir: s.WorkingDir, StartedAt: s.StartedAt}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := a.sessions.List()
	views := make([]sessionView, len(sessions))
	for i, s := range sessions {
		views[i] = toSessionView(s)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"daemon":   a.identity.Daemon(),
		"sessions": views,
	})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.sessions.List()
	views := make([]sessionView, len(sessions))
	for i, s := range sessions {
		views[i] = toSessionView(s)
	}
	writeJSON(w, http.StatusOK, views)
}

type createSessionRequest struct {
	Name     string          `json:"name,omitempty"`
	Dir      string          `json:"dir"`
	TmuxMode config.TmuxMode `json:"tmuxMode,omitempty"`
}

var dirNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// deriveName builds a session name from the final path component of
// dir when the caller omits one (§4.I: "sanitised to the allowed
// identifier pattern, ensuring uniqueness by appending a numeric
// suffix if needed").
func deriveName(dir string) string {
	base := strings.TrimRight(dir, "/")
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	base = dirNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "session"
	}
	return base
}

func uniqueName(base string, existing []state.Session) string {
	taken := make(map[string]bool, len(existing))
	for _, s := range existing {
		taken[s.Name] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	if req.Dir == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dir is required"})
		return
	}

	name := req.Name
	if name == "" {
		name = uniqueName(deriveName(req.Dir), a.sessions.List())
	}

	sess, err := a.sessions.Start(session.StartRequest{
		Name:             name,
		Dir:              req.Dir,
		TmuxModeOverride: req.TmuxMode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess))
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	killTmux := r.URL.Query().Get("killTmux") == "true"
	if err := a.sessions.Stop(name, killTmux); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if a.shutdown != nil {
		go a.shutdown()
	}
}

type shareView struct {
	Token       string    `json:"token"`
	SessionName string    `json:"sessionName"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ReadOnly    bool      `json:"readOnly"`
}

func toShareView(s state.ShareToken) shareView {
	return shareView{Token: s.Token, SessionName: s.SessionName, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, ReadOnly: s.ReadOnly}
}

func (a *API) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares := a.shares.List()
	views := make([]shareView, len(shares))
	for i, s := range shares {
		views[i] = toShareView(s)
	}
	writeJSON(w, http.StatusOK, views)
}

type createShareRequest struct {
	SessionName string `json:"sessionName"`
	ExpiresIn   string `json:"expiresIn"`
	ReadOnly    *bool  `json:"readOnly,omitempty"`
}

func (a *API) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	dur, err := time.ParseDuration(req.ExpiresIn)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expiresIn"})
		return
	}
	readOnly := true
	if req.ReadOnly != nil {
		readOnly = *req.ReadOnly
	}
	tok, err := a.shares.Create(req.SessionName, dur, readOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShareView(tok))
}

func (a *API) handleGetShare(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	tok, err := a.shares.Lookup(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShareView(tok))
}

func (a *API) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := a.shares.Revoke(token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
