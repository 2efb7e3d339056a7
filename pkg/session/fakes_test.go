package session

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/keeper/pkg/cache"
	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/discord"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// fakeExchange scripts the provider side of a login
type fakeExchange struct {
	exchangeErr error
	fetchErr    error
	refreshErr  error

	pair    discord.TokenPair
	profile discord.Profile

	refreshPair  *discord.TokenPair
	refreshCalls int
	revokeCalls  int
	revokedToken string

	// beforeRefreshWrite runs between the provider refresh and the caller
	// observing the result, to script a racing logout
	beforeRefreshWrite func()
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		pair: discord.TokenPair{
			AccessToken:  "provider-access",
			RefreshToken: "provider-refresh",
			TokenType:    "Bearer",
			Scope:        "identify",
			ExpiresIn:    time.Hour,
		},
		profile: discord.Profile{ID: 42, Username: "rook", GlobalName: "Rook"},
	}
}

func (f *fakeExchange) ExchangeCode(_ context.Context, code string) (*discord.TokenPair, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	pair := f.pair
	return &pair, nil
}

func (f *fakeExchange) FetchIdentity(_ context.Context, _ string) (*discord.Profile, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	profile := f.profile
	return &profile, nil
}

func (f *fakeExchange) Refresh(_ context.Context, _ string) (*discord.TokenPair, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.beforeRefreshWrite != nil {
		f.beforeRefreshWrite()
	}
	if f.refreshPair != nil {
		pair := *f.refreshPair
		return &pair, nil
	}
	pair := f.pair
	pair.AccessToken = "refreshed-access"
	return &pair, nil
}

func (f *fakeExchange) Revoke(_ context.Context, token string) error {
	f.revokeCalls++
	f.revokedToken = token
	return nil
}

// fakeStore is an in-memory identity store
type fakeStore struct {
	users    map[int64]*rbac.User
	roles    map[int64][]string
	creds    map[int64]*rbac.ProviderCredential
	sessions map[string]string // device -> session key, per test user

	grantCalls   []string
	grantErr     error
	nextInactive bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[int64]*rbac.User),
		roles:    make(map[int64][]string),
		creds:    make(map[int64]*rbac.ProviderCredential),
		sessions: make(map[string]string),
	}
}

func (f *fakeStore) UpsertUser(_ context.Context, user *rbac.User) (bool, error) {
	existing, ok := f.users[user.ID]
	if ok {
		user.IsActive = existing.IsActive
		user.CreatedAt = existing.CreatedAt
		copied := *user
		f.users[user.ID] = &copied
		return false, nil
	}
	user.IsActive = !f.nextInactive
	user.CreatedAt = time.Now()
	copied := *user
	f.users[user.ID] = &copied
	return true, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID int64) (*rbac.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, rbac.ErrNotFound)
	}
	copied := *user
	return &copied, nil
}

func (f *fakeStore) GrantRole(_ context.Context, userID int64, roleName string) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grantCalls = append(f.grantCalls, roleName)
	f.roles[userID] = append(f.roles[userID], roleName)
	return nil
}

func (f *fakeStore) UpsertProviderCredential(_ context.Context, cred *rbac.ProviderCredential) error {
	copied := *cred
	f.creds[cred.UserID] = &copied
	return nil
}

func (f *fakeStore) GetProviderCredential(_ context.Context, userID int64) (*rbac.ProviderCredential, error) {
	cred, ok := f.creds[userID]
	if !ok {
		return nil, fmt.Errorf("provider credential for user %d: %w", userID, rbac.ErrNotFound)
	}
	copied := *cred
	return &copied, nil
}

func (f *fakeStore) DeleteProviderCredential(_ context.Context, userID int64) error {
	delete(f.creds, userID)
	return nil
}

func (f *fakeStore) UpsertUserSession(_ context.Context, userID int64, deviceID, sessionKey string) (*rbac.UserSession, error) {
	f.sessions[deviceID] = sessionKey
	return &rbac.UserSession{ID: 1, UserID: userID, DeviceID: deviceID, SessionKey: sessionKey}, nil
}

func (f *fakeStore) DeleteUserSessions(_ context.Context, _ int64) error {
	f.sessions = make(map[string]string)
	return nil
}

// RolesOf and HasRole make fakeStore double as the role resolver
func (f *fakeStore) RolesOf(_ context.Context, userID int64) ([]string, error) {
	if _, ok := f.users[userID]; !ok {
		return nil, fmt.Errorf("user %d: %w", userID, rbac.ErrNotFound)
	}
	return append([]string{}, f.roles[userID]...), nil
}

func (f *fakeStore) HasRole(ctx context.Context, userID int64, required []string) (bool, []string, error) {
	for _, name := range required {
		if name == rbac.RoleAnonymous {
			current, _ := f.RolesOf(ctx, userID)
			return true, current, nil
		}
	}
	current, err := f.RolesOf(ctx, userID)
	if err != nil {
		return false, nil, nil
	}
	held := make(map[string]struct{}, len(current))
	for _, name := range current {
		held[name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := held[name]; !ok {
			return false, current, nil
		}
	}
	return true, current, nil
}

// testHarness bundles the strategy dependencies over a miniredis cache
type testHarness struct {
	exchange *fakeExchange
	store    *fakeStore
	cache    *cache.Cache
	redis    *miniredis.Miniredis
	core     *Core
	tokenCfg config.TokenConfig
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	credCache := cache.NewCacheWithClient(client, config.CacheConfig{
		ProfileTTL: 15 * time.Minute,
		RolesTTL:   5 * time.Minute,
		L1Size:     16,
		L1TTL:      time.Minute,
	}, logger, nil)

	exchange := newFakeExchange()
	store := newFakeStore()
	core := NewCore(exchange, store, store, credCache, logger, nil, time.Hour)

	return &testHarness{
		exchange: exchange,
		store:    store,
		cache:    credCache,
		redis:    mr,
		core:     core,
		tokenCfg: config.TokenConfig{
			SigningSecret: "0123456789abcdef0123456789abcdef",
			Issuer:        "keeper-test",
			DefaultTTL:    time.Hour,
			ServiceTTL:    24 * time.Hour,
		},
	}
}
