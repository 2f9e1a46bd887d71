// Package session holds the relay session identity: a random id, a random secret, and
// the key derived from both that authenticates the host with the relay server.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/storage"
)

const (
	idBytes     = 16
	secretBytes = 32
)

var ErrIncomplete = errors.New("stored session is incomplete")

type Session struct {
	store storage.KeyValueStore

	id     string
	secret string
	key    string
	linked bool
}

// New generates a fresh session. It is not persisted until Save.
func New(store storage.KeyValueStore) (*Session, error) {
	id, err := randomHex(idBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	return newSession(store, id, secret, false), nil
}

// Load restores the stored session. It returns nil, nil when none is stored.
func Load(store storage.KeyValueStore) (*Session, error) {
	id, hasID := store.Get(constants.SessionIDKey)
	secret, hasSecret := store.Get(constants.SessionSecretKey)
	switch {
	case !hasID && !hasSecret:
		return nil, nil
	case !hasID || !hasSecret || id == "" || secret == "":
		return nil, ErrIncomplete
	}
	linked, _ := store.Get(constants.SessionLinkedKey)
	return newSession(store, id, secret, linked == "1"), nil
}

func newSession(store storage.KeyValueStore, id, secret string, linked bool) *Session {
	return &Session{
		store:  store,
		id:     id,
		secret: secret,
		key:    deriveKey(id, secret),
		linked: linked,
	}
}

func deriveKey(id, secret string) string {
	sum := sha256.Sum256([]byte(id + ", " + secret + " WalletLink"))
	return hex.EncodeToString(sum[:])
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Secret() string { return s.secret }
func (s *Session) Key() string    { return s.key }
func (s *Session) Linked() bool   { return s.linked }

// SetLinked updates the in-memory flag. Callers persist with Save.
func (s *Session) SetLinked(linked bool) *Session {
	s.linked = linked
	return s
}

func (s *Session) Save() error {
	linked := "0"
	if s.linked {
		linked = "1"
	}
	if err := s.store.Set(constants.SessionIDKey, s.id); err != nil {
		return fmt.Errorf("save session id: %w", err)
	}
	if err := s.store.Set(constants.SessionSecretKey, s.secret); err != nil {
		return fmt.Errorf("save session secret: %w", err)
	}
	if err := s.store.Set(constants.SessionLinkedKey, linked); err != nil {
		return fmt.Errorf("save session linked: %w", err)
	}
	return nil
}

// LinkingURL is the URL the wallet opens (usually from a QR code) to join the session.
func (s *Session) LinkingURL(linkAPIURL string) string {
	base := strings.TrimRight(linkAPIURL, "/")
	return fmt.Sprintf("%s/#/link?id=%s&secret=%s&server=%s&v=1",
		base, s.id, s.secret, url.QueryEscape(base))
}

// Hash is safe to log in place of a session id.
func Hash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) { return randomHex(n) }
