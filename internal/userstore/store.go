// Package userstore persists the dashboard's user table as a single JSON
// object in the object store, with a time-boxed in-process cache in front
// of it. There is deliberately no relational database: the table is small,
// read-mostly, and read-modify-written whole. Concurrent admin edits are
// last-write-wins; this is an accepted limitation.
package userstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
)

// Roles form a small closed set carried over from the dashboard: a super
// admin manages everyone, admins manage readonly users, readonly users see
// the dashboards granted to them.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleReadOnly   = "readonly"
)

var (
	// ErrAuthFailed is deliberately opaque: callers learn neither whether
	// the user exists nor which field was wrong.
	ErrAuthFailed = errors.New("invalid credentials")
	// ErrUnknownUser is returned by mutations on a missing username.
	ErrUnknownUser = errors.New("unknown user")
	// ErrProtectedUser guards the super admin account from deletion.
	ErrProtectedUser = errors.New("cannot delete super admin user")
)

// UserRecord is one row of the user table. Usernames are case-sensitive
// unique keys.
type UserRecord struct {
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	Role       string   `json:"role"`
	Name       string   `json:"name"`
	Dashboards []string `json:"dashboards"`
}

// IsAdmin reports whether the record may manage users.
func (u UserRecord) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}

// CanAccess reports whether the record may view the named dashboard.
func (u UserRecord) CanAccess(dashboard string) bool {
	if u.IsAdmin() {
		return true
	}
	for _, d := range u.Dashboards {
		if d == "all" || d == dashboard {
			return true
		}
	}
	return false
}

// DefaultUsers is the documented bootstrap set, materialized when no
// persisted table exists yet. The plaintext defaults are a known weak
// default inherited from the original deployment, flagged at startup.
func DefaultUsers() []UserRecord {
	return []UserRecord{
		{Username: "admin", Password: "admin123", Role: RoleSuperAdmin, Name: "Administrator", Dashboards: []string{"all"}},
		{Username: "viewer", Password: "viewer123", Role: RoleReadOnly, Name: "Viewer User", Dashboards: []string{"icarus_historical"}},
	}
}

// Store is the object-store-backed user table. Safe for concurrent use.
type Store struct {
	store    objectstore.Gateway
	path     string
	refresh  time.Duration
	policy   string
	logger   *logrus.Entry
	nowFn    func() time.Time
	mu       sync.Mutex
	cached   map[string]UserRecord
	loadedAt time.Time
}

// New creates a Store over the given gateway. cfg.CredentialPolicy selects
// plaintext (constant-time compare) or bcrypt comparison.
func New(store objectstore.Gateway, cfg config.UsersConfig) *Store {
	s := &Store{
		store:   store,
		path:    cfg.Path,
		refresh: cfg.RefreshInterval,
		policy:  cfg.CredentialPolicy,
		logger:  logrus.WithField("component", "userstore"),
		nowFn:   time.Now,
	}
	if s.policy == "plaintext" {
		s.logger.Warn("user store is configured with plaintext credentials")
	}
	return s
}

// load returns the user table, refreshing from the object store when the
// in-process copy is older than the configured interval. Bootstraps and
// persists the default set when no table object exists.
func (s *Store) load(ctx context.Context) (map[string]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) (map[string]UserRecord, error) {
	now := s.nowFn()
	if s.cached != nil && now.Sub(s.loadedAt) < s.refresh {
		return s.cached, nil
	}

	data, err := s.store.Get(ctx, s.path)
	if errors.Is(err, objectstore.ErrNotFound) {
		users := make(map[string]UserRecord)
		for _, u := range s.hashDefaults() {
			users[u.Username] = u
		}
		if err := s.persistLocked(ctx, users); err != nil {
			return nil, fmt.Errorf("failed to bootstrap user table: %w", err)
		}
		s.logger.Info("bootstrapped default user table")
		s.cached = users
		s.loadedAt = now
		return users, nil
	}
	if err != nil {
		// Keep serving the stale in-process copy if one exists; the
		// refresh interval bound already lapsed but failing every login
		// during a store outage is worse.
		if s.cached != nil {
			s.logger.WithError(err).Warn("user table refresh failed, serving cached copy")
			return s.cached, nil
		}
		return nil, fmt.Errorf("failed to load user table: %w", err)
	}

	var users map[string]UserRecord
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("user table is unreadable: %w", err)
	}

	s.cached = users
	s.loadedAt = now
	return users, nil
}

// hashDefaults applies the credential policy to the bootstrap set.
func (s *Store) hashDefaults() []UserRecord {
	defaults := DefaultUsers()
	if s.policy != "bcrypt" {
		return defaults
	}
	for i := range defaults {
		hash, err := bcrypt.GenerateFromPassword([]byte(defaults[i].Password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.WithError(err).Error("failed to hash default credential")
			continue
		}
		defaults[i].Password = string(hash)
	}
	return defaults
}

// persistLocked writes the whole table. Callers hold s.mu.
func (s *Store) persistLocked(ctx context.Context, users map[string]UserRecord) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user table: %w", err)
	}
	if err := s.store.Put(ctx, s.path, data); err != nil {
		return fmt.Errorf("failed to persist user table: %w", err)
	}
	return nil
}

// Authenticate compares credentials and returns the matching record.
// Failures are uniformly ErrAuthFailed.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*UserRecord, error) {
	users, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	user, ok := users[username]
	if !ok {
		// Burn comparable time for unknown users so the failure mode
		// does not leak which field was wrong.
		s.compare("", password)
		return nil, ErrAuthFailed
	}
	if !s.compare(user.Password, password) {
		return nil, ErrAuthFailed
	}
	return &user, nil
}

func (s *Store) compare(stored, supplied string) bool {
	if s.policy == "bcrypt" {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// Upsert creates or replaces a record and makes the change visible to the
// next read on this instance. Persistence failure is returned: user
// mutations are correctness-critical.
func (s *Store) Upsert(ctx context.Context, record UserRecord) error {
	if record.Username == "" {
		return fmt.Errorf("username is required")
	}
	if s.policy == "bcrypt" && record.Password != "" && !strings.HasPrefix(record.Password, "$2") {
		hash, err := bcrypt.GenerateFromPassword([]byte(record.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash credential: %w", err)
		}
		record.Password = string(hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}

	// An empty password on an existing user keeps the stored credential.
	if record.Password == "" {
		if existing, ok := users[record.Username]; ok {
			record.Password = existing.Password
		}
	}

	updated := make(map[string]UserRecord, len(users)+1)
	for k, v := range users {
		updated[k] = v
	}
	updated[record.Username] = record

	if err := s.persistLocked(ctx, updated); err != nil {
		return err
	}
	s.cached = updated
	s.loadedAt = s.nowFn()
	return nil
}

// Delete removes a user. Deleting the super admin account is refused;
// deleting an unknown user is an error so admin tooling can report it.
func (s *Store) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}

	user, ok := users[username]
	if !ok {
		return ErrUnknownUser
	}
	if user.Role == RoleSuperAdmin {
		return ErrProtectedUser
	}

	updated := make(map[string]UserRecord, len(users))
	for k, v := range users {
		if k != username {
			updated[k] = v
		}
	}

	if err := s.persistLocked(ctx, updated); err != nil {
		return err
	}
	s.cached = updated
	s.loadedAt = s.nowFn()
	return nil
}

// List returns every record sorted by username.
func (s *Store) List(ctx context.Context) ([]UserRecord, error) {
	users, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, u)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })
	return records, nil
}

// Invalidate forces the next read to reload from the object store.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}
