package webassets

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPortalListsSessions(t *testing.T) {
	var buf bytes.Buffer
	err := RenderPortal(&buf, PortalData{
		BasePath: "/ttyd-mux",
		Sessions: []PortalSession{{Name: "demo", Path: "/ttyd-mux/demo"}},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "demo")
	assert.Contains(t, buf.String(), `href="/ttyd-mux/demo/"`)
}

func TestRenderPortalEmptyState(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPortal(&buf, PortalData{BasePath: "/ttyd-mux"}))
	assert.Contains(t, buf.String(), "No live sessions")
}

func TestFileServerServesToolbarAssets(t *testing.T) {
	handler, err := FileServer()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/toolbar.js", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "__TTYD_MUX__"))
}
