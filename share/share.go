// Package share implements the share manager (§4.E): issuance,
// lookup, expiry, and revocation of opaque bearer tokens that grant
// read-only access to a session via a tokenised URL.
package share

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuzic/ttyd-mux/apperr"
	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/state"
)

// SessionChecker reports whether a named session is currently live;
// satisfied by *session.Manager without importing it directly (avoids
// a cycle per §9 "the session manager does not reach back").
type SessionChecker interface {
	Get(name string) (state.Session, bool)
}

type Manager struct {
	store    *state.Store
	sessions SessionChecker
	cfg      *config.Config
	logger   *slog.Logger
}

func New(store *state.Store, sessions SessionChecker, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, sessions: sessions, cfg: cfg, logger: logger}
}

// generateToken returns a cryptographically random, URL-safe token
// with at least 128 bits of entropy (§4.E step 2).
func generateToken() (string, error) {
	buf := make([]byte, 18) // 144 bits, >= 22 base64url chars
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create implements §4.E `create`.
func (m *Manager) Create(sessionName string, expiresIn time.Duration, readOnly bool) (state.ShareToken, error) {
	if _, ok := m.sessions.Get(sessionName); !ok {
		return state.ShareToken{}, apperr.New(apperr.SessionNotFound, fmt.Sprintf("session %q is not live", sessionName))
	}
	if expiresIn < m.cfg.ShareExpiryMin || expiresIn > m.cfg.ShareExpiryMax {
		return state.ShareToken{}, apperr.New(apperr.InvalidDuration, fmt.Sprintf("expiresIn must be between %s and %s", m.cfg.ShareExpiryMin, m.cfg.ShareExpiryMax))
	}

	token, err := generateToken()
	if err != nil {
		return state.ShareToken{}, apperr.Wrap(apperr.IO, "generate share token", err)
	}

	now := time.Now()
	rec := state.ShareToken{
		Token:       token,
		SessionName: sessionName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiresIn),
		ReadOnly:    readOnly,
	}

	if err := m.store.AddShare(rec); err != nil {
		return state.ShareToken{}, err
	}
	m.logger.Info("share created", "session", sessionName, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// constantTimeLookup finds the record matching token using a
// constant-time comparison against every candidate (§5: "Token/secret
// comparisons: constant-time").
func constantTimeLookup(shares map[string]state.ShareToken, token string) (state.ShareToken, bool) {
	tokenBytes := []byte(token)
	for k, v := range shares {
		if subtle.ConstantTimeCompare([]byte(k), tokenBytes) == 1 {
			return v, true
		}
	}
	return state.ShareToken{}, false
}

// Lookup implements §4.E `lookup`: returns the record iff it exists,
// has not expired, and its target session is currently live. Expired
// tokens are removed eagerly on this path (§9 open question 1).
func (m *Manager) Lookup(token string) (state.ShareToken, error) {
	shares := m.store.Shares()
	rec, ok := constantTimeLookup(shares, token)
	if !ok {
		return state.ShareToken{}, apperr.New(apperr.InvalidToken, "share token not found")
	}

	if time.Now().After(rec.ExpiresAt) || time.Now().Equal(rec.ExpiresAt) {
		_ = m.store.RemoveShare(rec.Token)
		return state.ShareToken{}, apperr.New(apperr.Expired, "share token has expired")
	}

	if _, ok := m.sessions.Get(rec.SessionName); !ok {
		return state.ShareToken{}, apperr.New(apperr.InvalidToken, "target session is not live")
	}

	return rec, nil
}

// List implements §4.E `list`: non-expired tokens, sweeping expired
// ones on the way out (§9 open question 1: sweep semantics for list).
func (m *Manager) List() []state.ShareToken {
	shares := m.store.Shares()
	now := time.Now()
	kept := make(map[string]state.ShareToken, len(shares))
	out := make([]state.ShareToken, 0, len(shares))
	expiredFound := false
	for tok, rec := range shares {
		if !now.Before(rec.ExpiresAt) {
			expiredFound = true
			continue
		}
		kept[tok] = rec
		out = append(out, rec)
	}
	if expiredFound {
		if err := m.store.ReplaceShares(kept); err != nil {
			m.logger.Warn("share list: failed to persist sweep", "error", err)
		}
	}
	return out
}

// Revoke implements §4.E `revoke`: missing is not an error.
func (m *Manager) Revoke(token string) error {
	return m.store.RemoveShare(token)
}

// Sweep deletes every token with now >= expires_at. Intended to run on
// the supervisor's ShareSweepInterval timer (§4.E "Background sweep").
func (m *Manager) Sweep() int {
	shares := m.store.Shares()
	now := time.Now()
	kept := make(map[string]state.ShareToken, len(shares))
	removed := 0
	for tok, rec := range shares {
		if !now.Before(rec.ExpiresAt) {
			removed++
			continue
		}
		kept[tok] = rec
	}
	if removed > 0 {
		if err := m.store.ReplaceShares(kept); err != nil {
			m.logger.Warn("share sweep: failed to persist", "error", err)
		}
		m.logger.Info("share sweep", "removed", removed)
	}
	return removed
}
