package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/marker"
	"github.com/cuzic/ttyd-mux/state"
)

type fakeSessions struct {
	live map[string]state.Session
}

func (f *fakeSessions) Get(name string) (state.Session, bool) {
	s, ok := f.live[name]
	return s, ok
}

type fakeShares struct {
	byToken map[string]state.ShareToken
}

func (f *fakeShares) Lookup(token string) (state.ShareToken, error) {
	s, ok := f.byToken[token]
	if !ok {
		return state.ShareToken{}, errors.New("not found")
	}
	return s, nil
}

func newTestRouter() (*Router, *fakeSessions, *fakeShares, *marker.Signer) {
	cfg := &config.Config{BasePath: "/ttyd-mux"}
	sessions := &fakeSessions{live: map[string]state.Session{"demo": {Name: "demo", Port: 7001}}}
	shares := &fakeShares{byToken: map[string]state.ShareToken{}}
	markers := marker.NewSigner([]byte("secret"))
	return New(cfg, sessions, shares, markers), sessions, shares, markers
}

func TestResolvePortal(t *testing.T) {
	r, _, _, _ := newTestRouter()
	for _, path := range []string{"/ttyd-mux", "/ttyd-mux/"} {
		res := r.Resolve(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, KindPortal, res.Kind)
	}
}

func TestResolveAPI(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/ttyd-mux/api/sessions", nil))
	require.Equal(t, KindAPI, res.Kind)
	assert.Equal(t, "/sessions", res.APIPath)
}

func TestResolveStatic(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/ttyd-mux/toolbar.js", nil))
	require.Equal(t, KindStatic, res.Kind)
	assert.Equal(t, "toolbar.js", res.StaticName)
}

func TestResolveSession(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/ttyd-mux/demo/", nil))
	require.Equal(t, KindSession, res.Kind)
	assert.Equal(t, "demo", res.Session.Name)
	assert.False(t, res.ReadOnly)
}

func TestResolveShare(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/ttyd-mux/share/abc123", nil))
	require.Equal(t, KindShare, res.Kind)
	assert.Equal(t, "abc123", res.ShareToken)
}

func TestResolveUnknownPrefixIsNotFound(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/other-app/x", nil))
	assert.Equal(t, KindNotFound, res.Kind)
}

func TestResolveUnknownSessionIsNotFound(t *testing.T) {
	r, _, _, _ := newTestRouter()
	res := r.Resolve(httptest.NewRequest(http.MethodGet, "/ttyd-mux/ghost/", nil))
	assert.Equal(t, KindNotFound, res.Kind)
}

func TestResolveSessionAppliesReadOnlyFromValidMarker(t *testing.T) {
	r, _, shares, markers := newTestRouter()
	shares.byToken["tok1"] = state.ShareToken{Token: "tok1", SessionName: "demo", ReadOnly: true}

	markerStr, err := markers.Issue("demo", "tok1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ttyd-mux/demo/", nil)
	rec := httptest.NewRecorder()
	markers.SetCookie(rec, "/ttyd-mux", markerStr, time.Hour)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	res := r.Resolve(req)
	require.Equal(t, KindSession, res.Kind)
	assert.True(t, res.ReadOnly)
	assert.Equal(t, "tok1", res.ShareToken)
}

func TestResolveSessionIgnoresMarkerForDifferentSession(t *testing.T) {
	r, sessions, shares, markers := newTestRouter()
	sessions.live["other"] = state.Session{Name: "other", Port: 7002}
	shares.byToken["tok1"] = state.ShareToken{Token: "tok1", SessionName: "demo", ReadOnly: true}

	markerStr, err := markers.Issue("demo", "tok1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ttyd-mux/other/", nil)
	rec := httptest.NewRecorder()
	markers.SetCookie(rec, "/ttyd-mux", markerStr, time.Hour)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	res := r.Resolve(req)
	require.Equal(t, KindSession, res.Kind)
	assert.False(t, res.ReadOnly)
}
