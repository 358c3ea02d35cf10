// Package marker issues and validates the "this browsing context is
// read-only" cookie set by the share landing page (§4.F step 3),
// carried into subsequent proxied requests and WebSocket upgrades on
// the same origin. Repurposes the teacher's auth.Manager wholesale —
// same cookie-based carrier, same golang-jwt/jwt/v5 HS256 signing —
// with claims for {session, token} instead of a login session.
package marker

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const cookieName = "ttydmux_ro"

var errInvalidMarker = errors.New("invalid read-only marker")

type claims struct {
	Session string `json:"session"`
	Token   string `json:"token"`
	jwt.RegisteredClaims
}

// Signer mints and validates read-only markers with a shared HMAC
// secret (§6 `marker_secret`).
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Issue returns a signed marker string binding session to token, valid
// for the given lifetime.
func (s *Signer) Issue(session, token string, lifetime time.Duration) (string, error) {
	c := claims{
		Session: session,
		Token:   token,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Marker is the parsed, validated content of a read-only marker.
type Marker struct {
	Session string
	Token   string
}

// Parse validates markerStr and returns its claims.
func (s *Signer) Parse(markerStr string) (Marker, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(markerStr, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidMarker
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return Marker{}, errInvalidMarker
	}
	return Marker{Session: c.Session, Token: c.Token}, nil
}

// SetCookie attaches the marker as an HttpOnly, same-origin cookie
// scoped to basePath.
func (s *Signer) SetCookie(w http.ResponseWriter, basePath, markerStr string, lifetime time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    markerStr,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(lifetime.Seconds()),
		Path:     basePath,
	})
}

// FromRequest reads and validates the marker cookie from r, if
// present. ok is false when there is no cookie or it fails validation
// — callers treat that as "not read-only", never as an error.
func (s *Signer) FromRequest(r *http.Request) (Marker, bool) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return Marker{}, false
	}
	m, err := s.Parse(cookie.Value)
	if err != nil {
		return Marker{}, false
	}
	return m, true
}
