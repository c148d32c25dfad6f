// Package session issues, validates and revokes login sessions. Records
// are persisted as JSON objects in the object store under a sessions
// prefix so any instance can validate a token; a short-TTL in-process
// read cache keeps validation off the store on the hot path.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
	"github.com/variantgroup/variant-analytics/internal/userstore"
)

// ErrSessionNotFound covers unknown, revoked and expired tokens alike;
// callers force re-authentication in every case.
var ErrSessionNotFound = errors.New("session not found")

// Record is one persisted session.
type Record struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Remember  bool      `json:"remember"`
}

// Expired reports whether the record is past its expiry. An expired
// session is terminal even while its persisted object still exists.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

type cacheEntry struct {
	record   *Record
	cachedAt time.Time
}

// Manager issues and validates session tokens. Safe for concurrent use.
type Manager struct {
	store        objectstore.Gateway
	prefix       string
	defaultTTL   time.Duration
	rememberTTL  time.Duration
	readCacheTTL time.Duration
	logger       *logrus.Entry
	nowFn        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with the configured expiry windows.
func NewManager(store objectstore.Gateway, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:        store,
		prefix:       cfg.Prefix,
		defaultTTL:   cfg.DefaultTTL,
		rememberTTL:  cfg.RememberTTL,
		readCacheTTL: cfg.ReadCacheTTL,
		logger:       logrus.WithField("component", "session"),
		nowFn:        time.Now,
	}
}

func (m *Manager) objectKey(token string) string {
	return strings.TrimSuffix(m.prefix, "/") + "/" + token + ".json"
}

// generateToken produces an unguessable opaque token: a uuid for
// operator-friendly prefix grouping plus 256 bits from crypto/rand.
func generateToken() (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return uuid.NewString() + "." + base64.RawURLEncoding.EncodeToString(entropy), nil
}

// Create issues a session for the authenticated user. Expiry is creation
// time plus the remember or default window. Persistence failure fails the
// login: a session that only exists in one instance's memory would break
// the stateless web tier.
func (m *Manager) Create(ctx context.Context, user userstore.UserRecord, remember bool) (*Record, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	ttl := m.defaultTTL
	if remember {
		ttl = m.rememberTTL
	}
	now := m.nowFn().UTC()
	record := &Record{
		Token:     token,
		Username:  user.Username,
		Role:      user.Role,
		Name:      user.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Remember:  remember,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Put(ctx, m.objectKey(token), data); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	if m.cache == nil {
		m.cache = make(map[string]cacheEntry)
	}
	m.cache[token] = cacheEntry{record: record, cachedAt: now}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"username": user.Username,
		"remember": remember,
		"expires":  record.ExpiresAt,
	}).Info("session created")

	return record, nil
}

// Validate resolves a token to its session record. Expired and unknown
// tokens both return ErrSessionNotFound; expiry detection does not delete
// the persisted record.
func (m *Manager) Validate(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	now := m.nowFn()

	m.mu.RLock()
	entry, ok := m.cache[token]
	m.mu.RUnlock()
	if ok && now.Sub(entry.cachedAt) < m.readCacheTTL {
		if entry.record.Expired(now) {
			return nil, ErrSessionNotFound
		}
		return entry.record, nil
	}

	data, err := m.store.Get(ctx, m.objectKey(token))
	if errors.Is(err, objectstore.ErrNotFound) {
		m.dropCached(token)
		return nil, ErrSessionNotFound
	}
	if err != nil {
		// Store outage past the read cache's own TTL degrades to a
		// forced logout rather than a crash.
		m.logger.WithError(err).Warn("session lookup failed, treating as not found")
		m.dropCached(token)
		return nil, ErrSessionNotFound
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		m.logger.WithError(err).Warn("session record is unreadable")
		m.dropCached(token)
		return nil, ErrSessionNotFound
	}

	m.mu.Lock()
	if m.cache == nil {
		m.cache = make(map[string]cacheEntry)
	}
	m.cache[token] = cacheEntry{record: &record, cachedAt: now}
	m.mu.Unlock()

	if record.Expired(now) {
		return nil, ErrSessionNotFound
	}
	return &record, nil
}

// Revoke deletes the persisted record and the cached copy. Revoking an
// unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	m.dropCached(token)
	if err := m.store.Delete(ctx, m.objectKey(token)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.logger.WithField("token_prefix", tokenPrefix(token)).Info("session revoked")
	return nil
}

func (m *Manager) dropCached(token string) {
	m.mu.Lock()
	delete(m.cache, token)
	m.mu.Unlock()
}

// RunReaper sweeps expired session records every interval until the
// context is canceled. Cleanup is optional; Validate already treats
// expired records as absent.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.sweep(ctx); err != nil {
				m.logger.WithError(err).Warn("session sweep failed")
			} else if n > 0 {
				m.logger.WithField("removed", n).Info("swept expired sessions")
			}
		}
	}
}

func (m *Manager) sweep(ctx context.Context) (int, error) {
	keys, err := m.store.List(ctx, strings.TrimSuffix(m.prefix, "/")+"/")
	if err != nil {
		return 0, err
	}
	now := m.nowFn()
	removed := 0
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil || record.Expired(now) {
			if err := m.store.Delete(ctx, key); err == nil {
				removed++
				if record.Token != "" {
					m.dropCached(record.Token)
				}
			}
		}
	}
	return removed, nil
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
