// Package state implements the daemon's durable JSON snapshot (§4.A):
// daemon identity, sessions, share tokens, and push subscriptions,
// persisted as a single document with a single-writer mutex and
// write-temp-then-rename atomic replace.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuzic/ttyd-mux/apperr"
)

// DaemonIdentity identifies the currently running daemon process (§3).
type DaemonIdentity struct {
	PID        int       `json:"pid"`
	ListenPort int       `json:"listen_port"`
	StartedAt  time.Time `json:"started_at"`
}

// Session is the persisted record for one child terminal server (§3).
type Session struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	URLPath    string    `json:"url_path"`
	WorkingDir string    `json:"working_dir"`
	StartedAt  time.Time `json:"started_at"`
}

// ShareToken is the persisted record for one issued share link (§3).
type ShareToken struct {
	Token       string    `json:"token"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ReadOnly    bool      `json:"read_only"`
}

// PushSubscription is carried through the store for completeness; the
// core daemon does not act on it (§3, SPEC_FULL supplemented feature 1).
type PushSubscription struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Keys      string    `json:"keys"`
	Session   string    `json:"session,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is the on-disk shape of the state file. Unknown keys in a
// loaded file that don't map onto these fields are dropped by
// encoding/json on unmarshal/remarshal by design — this daemon owns the
// document's entire schema, unlike a format shared with other tools.
type Document struct {
	Daemon   *DaemonIdentity         `json:"daemon"`
	Sessions []Session               `json:"sessions"`
	Shares   map[string]ShareToken   `json:"shares"`
	Push     map[string]PushSubscription `json:"push_subscriptions"`
}

func emptyDocument() *Document {
	return &Document{
		Sessions: []Session{},
		Shares:   map[string]ShareToken{},
		Push:     map[string]PushSubscription{},
	}
}

// Store owns the on-disk document exclusively; callers mutate through
// its typed methods (§4.A, §9 "single-writer pattern").
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	doc    *Document
}

// New opens (or lazily creates on first Save) the state store backed
// by the JSON document at path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, doc: emptyDocument()}
}

// Load reads the backing file into memory. A missing or malformed file
// is not fatal — it logs a warning and starts from an empty snapshot
// (§4.A).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state: read failed, starting empty", "path", s.path, "error", err)
		}
		s.doc = emptyDocument()
		return nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("state: malformed document, starting empty", "path", s.path, "error", err)
		s.doc = emptyDocument()
		return nil
	}
	if doc.Sessions == nil {
		doc.Sessions = []Session{}
	}
	if doc.Shares == nil {
		doc.Shares = map[string]ShareToken{}
	}
	if doc.Push == nil {
		doc.Push = map[string]PushSubscription{}
	}
	s.doc = &doc
	return nil
}

// Snapshot returns a defensive copy of the current document (§5:
// "snapshot returned to callers is a defensive copy").
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

func cloneDocument(d *Document) Document {
	out := Document{
		Sessions: make([]Session, len(d.Sessions)),
		Shares:   make(map[string]ShareToken, len(d.Shares)),
		Push:     make(map[string]PushSubscription, len(d.Push)),
	}
	copy(out.Sessions, d.Sessions)
	for k, v := range d.Shares {
		out.Shares[k] = v
	}
	for k, v := range d.Push {
		out.Push[k] = v
	}
	if d.Daemon != nil {
		id := *d.Daemon
		out.Daemon = &id
	}
	return out
}

// save serializes the current document and atomically replaces the
// backing file. Must be called with s.mu held.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Serialisation, "marshal state document", err)
	}
	data = append(data, '\n')
	if err := atomicWriteFile(s.path, data, 0600); err != nil {
		return apperr.Wrap(apperr.IO, "write state document", err)
	}
	return nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory, then renames over the target (§4.A).
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ttyd-mux-state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	tmpPath = ""
	return nil
}

// SetDaemon records the currently running daemon's identity.
func (s *Store) SetDaemon(id DaemonIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Daemon = &id
	return s.save()
}

// ClearDaemon removes the daemon identity record (clean shutdown).
func (s *Store) ClearDaemon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Daemon = nil
	return s.save()
}

// Daemon returns the current daemon identity, if any.
func (s *Store) Daemon() *DaemonIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Daemon == nil {
		return nil
	}
	id := *s.doc.Daemon
	return &id
}

// Sessions returns a copy of the persisted session list.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, len(s.doc.Sessions))
	copy(out, s.doc.Sessions)
	return out
}

// AddSession appends sess to the persisted list and saves. Callers are
// responsible for uniqueness checks (name/port/dir) before calling —
// the store itself only persists what it's given.
func (s *Store) AddSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sessions = append(s.doc.Sessions, sess)
	return s.save()
}

// RemoveSession deletes the session with the given name, if present,
// and saves.
func (s *Store) RemoveSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.Sessions[:0]
	for _, sess := range s.doc.Sessions {
		if sess.Name != name {
			kept = append(kept, sess)
		}
	}
	s.doc.Sessions = kept
	return s.save()
}

// ReplaceSessions atomically swaps the persisted session list (used by
// revalidation sweeps that remove several dead entries at once).
func (s *Store) ReplaceSessions(sessions []Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sessions = sessions
	return s.save()
}

// AddShare persists a new share token record.
func (s *Store) AddShare(tok ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Shares[tok.Token] = tok
	return s.save()
}

// RemoveShare deletes the token record, if present. Missing is not an
// error (§4.E revoke is idempotent).
func (s *Store) RemoveShare(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Shares, token)
	return s.save()
}

// Shares returns a copy of all persisted share tokens.
func (s *Store) Shares() map[string]ShareToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ShareToken, len(s.doc.Shares))
	for k, v := range s.doc.Shares {
		out[k] = v
	}
	return out
}

// ReplaceShares atomically swaps the persisted share map (used by the
// expiry sweep).
func (s *Store) ReplaceShares(shares map[string]ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Shares = shares
	return s.save()
}

// AddPushSubscription persists sub, replacing any existing record with
// the same endpoint (§3: "re-subscribing with the same endpoint
// replaces the prior record").
func (s *Store) AddPushSubscription(sub PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.doc.Push {
		if existing.Endpoint == sub.Endpoint && id != sub.ID {
			delete(s.doc.Push, id)
		}
	}
	s.doc.Push[sub.ID] = sub
	return s.save()
}

// RemovePushSubscription deletes the subscription with the given ID.
func (s *Store) RemovePushSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Push, id)
	return s.save()
}

// PushSubscriptions returns a copy of all persisted push subscriptions.
func (s *Store) PushSubscriptions() []PushSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PushSubscription, 0, len(s.doc.Push))
	for _, v := range s.doc.Push {
		out = append(out, v)
	}
	return out
}
