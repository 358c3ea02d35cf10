package daemon

import (
	"net/http"
	"strings"
	"time"

	"github.com/cuzic/ttyd-mux/router"
	"github.com/cuzic/ttyd-mux/webassets"
)

// ServeHTTP is the single entry point for everything under base_path:
// it resolves the request with the router, then dispatches to the
// portal, the admin API, the share landing page, the static assets, or
// the session proxy (§4.F/§4.G/§4.H).
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := d.router.Resolve(r)

	switch res.Kind {
	case router.KindPortal:
		d.servePortal(w, r)
	case router.KindAPI:
		d.serveAPI(w, r, res)
	case router.KindShare:
		d.serveShareLanding(w, r, res)
	case router.KindStatic:
		d.serveStatic(w, r, res)
	case router.KindSession:
		d.serveSession(w, r, res)
	default:
		http.NotFound(w, r)
	}
}

func (d *Daemon) servePortal(w http.ResponseWriter, r *http.Request) {
	sessions := d.sessions.List()
	rows := make([]webassets.PortalSession, len(sessions))
	for i, s := range sessions {
		rows[i] = webassets.PortalSession{Name: s.Name, Path: s.URLPath}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webassets.RenderPortal(w, webassets.PortalData{BasePath: d.cfg.BasePath, Sessions: rows}); err != nil {
		d.logger.Warn("portal render failed", "error", err)
	}
}

func (d *Daemon) serveAPI(w http.ResponseWriter, r *http.Request, res router.Resolution) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = res.APIPath
	d.api.Mux().ServeHTTP(w, r2)
}

// shareMarkerLifetime bounds how long the read-only marker cookie
// remains valid once the share landing page redirects the viewer in.
const shareMarkerLifetime = 24 * time.Hour

func (d *Daemon) serveShareLanding(w http.ResponseWriter, r *http.Request, res router.Resolution) {
	tok, err := d.shares.Lookup(res.ShareToken)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	markerStr, err := d.markers.Issue(tok.SessionName, tok.Token, shareMarkerLifetime)
	if err != nil {
		d.logger.Warn("share landing: failed to issue marker", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	d.markers.SetCookie(w, d.cfg.BasePath, markerStr, shareMarkerLifetime)

	http.Redirect(w, r, d.cfg.BasePath+"/"+tok.SessionName+"/", http.StatusFound)
}

func (d *Daemon) serveStatic(w http.ResponseWriter, r *http.Request, res router.Resolution) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + res.StaticName
	d.staticHandler.ServeHTTP(w, r2)
}

func (d *Daemon) serveSession(w http.ResponseWriter, r *http.Request, res router.Resolution) {
	if isWebSocketUpgrade(r) {
		d.wsProxy.ServeHTTP(w, r, res.Session.Port, res.Session.Name, res.ReadOnly, d.outputObserver)
		return
	}
	d.httpProxy.ServeHTTP(w, r, res.Session.Port)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
