// Package router implements §4.F: given a request URL path under the
// common base_path prefix, resolve it to {session, read-only?,
// share-token?} or to a built-in endpoint (portal / API / static /
// share landing). Holds references to the session manager and share
// manager; per §9 the session manager never reaches back into the
// router.
package router

import (
	"net/http"
	"strings"

	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/marker"
	"github.com/cuzic/ttyd-mux/state"
)

type Kind int

const (
	KindPortal Kind = iota
	KindAPI
	KindShare
	KindSession
	KindStatic
	KindNotFound
)

// staticAssets are the names served as passthrough static files under
// base_path (§6 "P/toolbar.js and similar").
var staticAssets = map[string]bool{
	"toolbar.js":  true,
	"toolbar.css": true,
}

// Resolution is the outcome of resolving one request (§4.F).
type Resolution struct {
	Kind        Kind
	Session     state.Session
	ReadOnly    bool
	ShareToken  string
	APIPath     string // remaining path after "/api", including leading slash
	StaticName  string // asset name after base_path, for KindStatic
}

// SessionLookup is satisfied by *session.Manager.
type SessionLookup interface {
	Get(name string) (state.Session, bool)
}

// ShareLookup is satisfied by *share.Manager.
type ShareLookup interface {
	Lookup(token string) (state.ShareToken, error)
}

type Router struct {
	cfg      *config.Config
	sessions SessionLookup
	shares   ShareLookup
	markers  *marker.Signer
}

func New(cfg *config.Config, sessions SessionLookup, shares ShareLookup, markers *marker.Signer) *Router {
	return &Router{cfg: cfg, sessions: sessions, shares: shares, markers: markers}
}

// Resolve runs the resolution for both plain HTTP requests and
// WebSocket upgrade requests (§4.F: "For WebSocket upgrades, the same
// resolution runs").
func (r *Router) Resolve(req *http.Request) Resolution {
	base := r.cfg.BasePath
	path := req.URL.Path

	if path != base && !strings.HasPrefix(path, base+"/") {
		return Resolution{Kind: KindNotFound}
	}
	rest := strings.TrimPrefix(path, base)
	if rest == "" || rest == "/" {
		return Resolution{Kind: KindPortal}
	}
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case rest == "api" || strings.HasPrefix(rest, "api/"):
		return Resolution{Kind: KindAPI, APIPath: "/" + strings.TrimPrefix(strings.TrimPrefix(rest, "api"), "/")}

	case strings.HasPrefix(rest, "share/"):
		token := strings.TrimPrefix(rest, "share/")
		token = strings.TrimSuffix(token, "/")
		return Resolution{Kind: KindShare, ShareToken: token}
	}

	firstSegment := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		firstSegment = rest[:i]
	}

	if staticAssets[firstSegment] && !strings.Contains(rest, "/") {
		return Resolution{Kind: KindStatic, StaticName: firstSegment}
	}

	if sess, ok := r.sessions.Get(firstSegment); ok {
		res := Resolution{Kind: KindSession, Session: sess}
		r.applyReadOnly(req, firstSegment, &res)
		return res
	}

	return Resolution{Kind: KindNotFound}
}

// applyReadOnly checks the marker cookie set by the share landing page
// (§4.F step 3) and, if it matches this session and its backing share
// token is still valid, marks the resolution read-only.
func (r *Router) applyReadOnly(req *http.Request, sessionName string, res *Resolution) {
	if r.markers == nil {
		return
	}
	m, ok := r.markers.FromRequest(req)
	if !ok || m.Session != sessionName {
		return
	}
	share, err := r.shares.Lookup(m.Token)
	if err != nil || share.SessionName != sessionName {
		return
	}
	res.ReadOnly = share.ReadOnly
	res.ShareToken = share.Token
}
