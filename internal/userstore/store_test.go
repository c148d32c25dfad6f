package userstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
)

func testConfig() config.UsersConfig {
	return config.UsersConfig{
		Path:             "cache/users.json",
		RefreshInterval:  5 * time.Minute,
		CredentialPolicy: "plaintext",
	}
}

func TestAuthenticate_BootstrapDefaults(t *testing.T) {
	store := objectstore.NewMemoryStore()
	s := New(store, testConfig())
	ctx := context.Background()

	user, err := s.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, user.Role)

	// Bootstrapping must persist the table.
	assert.Equal(t, 1, store.Len())

	_, err = s.Authenticate(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = s.Authenticate(ctx, "nobody", "admin123")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuthenticate_CaseSensitiveUsernames(t *testing.T) {
	s := New(objectstore.NewMemoryStore(), testConfig())

	_, err := s.Authenticate(context.Background(), "Admin", "admin123")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestUpsert_RoundTrip(t *testing.T) {
	store := objectstore.NewMemoryStore()
	s := New(store, testConfig())
	ctx := context.Background()

	record := UserRecord{
		Username:   "analyst",
		Password:   "s3cret",
		Role:       RoleReadOnly,
		Name:       "Analyst",
		Dashboards: []string{"icarus_multi"},
	}
	require.NoError(t, s.Upsert(ctx, record))

	// Force the next read through the object store.
	s.Invalidate()

	records, err := s.List(ctx)
	require.NoError(t, err)
	var got *UserRecord
	for i := range records {
		if records[i].Username == "analyst" {
			got = &records[i]
		}
	}
	require.NotNil(t, got, "upserted record should survive a reload")
	assert.Equal(t, record, *got)

	user, err := s.Authenticate(ctx, "analyst", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleReadOnly, user.Role)
}

func TestUpsert_EmptyPasswordKeepsStoredCredential(t *testing.T) {
	s := New(objectstore.NewMemoryStore(), testConfig())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, UserRecord{Username: "analyst", Password: "s3cret", Role: RoleReadOnly}))
	require.NoError(t, s.Upsert(ctx, UserRecord{Username: "analyst", Role: RoleAdmin}))

	user, err := s.Authenticate(ctx, "analyst", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, user.Role)
}

func TestDelete(t *testing.T) {
	s := New(objectstore.NewMemoryStore(), testConfig())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, UserRecord{Username: "analyst", Password: "x", Role: RoleReadOnly}))
	require.NoError(t, s.Delete(ctx, "analyst"))

	_, err := s.Authenticate(ctx, "analyst", "x")
	assert.ErrorIs(t, err, ErrAuthFailed)

	assert.ErrorIs(t, s.Delete(ctx, "analyst"), ErrUnknownUser)
	assert.ErrorIs(t, s.Delete(ctx, "admin"), ErrProtectedUser)
}

func TestRefreshInterval(t *testing.T) {
	store := objectstore.NewMemoryStore()
	s := New(store, testConfig())
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	_, err := s.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)

	// Simulate another instance rewriting the table behind our back.
	other := New(store, testConfig())
	require.NoError(t, other.Upsert(ctx, UserRecord{Username: "admin", Password: "changed", Role: RoleSuperAdmin}))

	// Within the refresh window the old credential still works here.
	_, err = s.Authenticate(ctx, "admin", "admin123")
	assert.NoError(t, err)

	// Past the window the instance must observe the new table.
	now = now.Add(6 * time.Minute)
	_, err = s.Authenticate(ctx, "admin", "admin123")
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = s.Authenticate(ctx, "admin", "changed")
	assert.NoError(t, err)
}

func TestBcryptPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialPolicy = "bcrypt"
	s := New(objectstore.NewMemoryStore(), cfg)
	ctx := context.Background()

	user, err := s.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, user.Role)

	// The persisted credential must be a hash, not the plaintext.
	records, err := s.List(ctx)
	require.NoError(t, err)
	for _, r := range records {
		if r.Username == "admin" {
			assert.NotEqual(t, "admin123", r.Password)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(r.Password), []byte("admin123")))
		}
	}

	// Upserting plaintext hashes it on the way in.
	require.NoError(t, s.Upsert(ctx, UserRecord{Username: "analyst", Password: "pw", Role: RoleReadOnly}))
	_, err = s.Authenticate(ctx, "analyst", "pw")
	assert.NoError(t, err)
}

func TestCanAccess(t *testing.T) {
	admin := UserRecord{Role: RoleAdmin}
	assert.True(t, admin.CanAccess("anything"))

	viewer := UserRecord{Role: RoleReadOnly, Dashboards: []string{"icarus_multi"}}
	assert.True(t, viewer.CanAccess("icarus_multi"))
	assert.False(t, viewer.CanAccess("daedalus"))

	wildcard := UserRecord{Role: RoleReadOnly, Dashboards: []string{"all"}}
	assert.True(t, wildcard.CanAccess("daedalus"))
}
