package marker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	s := NewSigner([]byte("test-secret"))

	tok, err := s.Issue("demo", "share-token-123", time.Hour)
	require.NoError(t, err)

	m, err := s.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Session)
	assert.Equal(t, "share-token-123", m.Token)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	a := NewSigner([]byte("secret-a"))
	b := NewSigner([]byte("secret-b"))

	tok, err := a.Issue("demo", "tok", time.Hour)
	require.NoError(t, err)

	_, err = b.Parse(tok)
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	s := NewSigner([]byte("secret"))
	_, err := s.Parse("not-a-jwt")
	assert.Error(t, err)
}

func TestSetCookieAndFromRequest(t *testing.T) {
	s := NewSigner([]byte("secret"))
	tok, err := s.Issue("demo", "tok", time.Hour)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.SetCookie(rec, "/ttyd-mux", tok, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/ttyd-mux/demo/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	m, ok := s.FromRequest(req)
	require.True(t, ok)
	assert.Equal(t, "demo", m.Session)
}

func TestFromRequestNoCookie(t *testing.T) {
	s := NewSigner([]byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/ttyd-mux/demo/", nil)
	_, ok := s.FromRequest(req)
	assert.False(t, ok)
}
