package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenlane/sessiond/internal/session/domain"
	"github.com/tokenlane/sessiond/internal/session/keys"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/internal/session/store/drivers/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   store.Store
	access  *AccessTokenService
	refresh *RefreshTokenService
	svc     *SessionService
}

func newTestEnv(t *testing.T, cfg SessionConfig) *testEnv {
	t.Helper()

	if cfg.RefreshValidity == 0 {
		cfg.RefreshValidity = 24 * time.Hour
	}

	st, err := sqlite.NewStore(filepath.Join(t.TempDir(), "sessions.db"), store.Tables{})
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	skm, err := keys.NewSigningKeyManager(ctx, st, keys.SigningKeyConfig{}, nil)
	require.NoError(t, err)
	ekm, err := keys.NewEncryptionKeyManager(ctx, st)
	require.NoError(t, err)

	access := NewAccessTokenService(skm, time.Hour, cfg.AntiCSRF)
	refresh := NewRefreshTokenService(ekm, cfg.RefreshValidity)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		store:   st,
		access:  access,
		refresh: refresh,
		svc:     NewSessionService(st, access, refresh, nil, logger, cfg),
	}
}

func TestCreateSessionAndGetSessionFastPath(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	payload := json.RawMessage(`{"role":"admin"}`)
	data := json.RawMessage(`{"cart":[]}`)

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), payload, data)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.Handle)
	assert.NotEmpty(t, bundle.AccessToken.Token)
	assert.NotEmpty(t, bundle.RefreshToken.Token)
	assert.NotEmpty(t, bundle.IDRefreshToken.Token)
	assert.Empty(t, bundle.AntiCSRFToken)

	session, newToken, err := env.svc.GetSession(ctx, bundle.AccessToken.Token, "")
	require.NoError(t, err)
	assert.Nil(t, newToken, "parent access token must take the fast path")
	assert.Equal(t, bundle.Handle, session.Handle)
	assert.Equal(t, "user-1", session.UserID.Str())
	assert.JSONEq(t, string(payload), string(session.TokenPayload))
}

func TestLinearRefreshProgression(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	// Each generation refreshes cleanly into the next.
	current := bundle
	for i := 0; i < 5; i++ {
		next, err := env.svc.RefreshSession(ctx, current.RefreshToken.Token)
		require.NoError(t, err, "generation %d", i)
		assert.Equal(t, bundle.Handle, next.Handle)
		assert.NotEqual(t, current.RefreshToken.Token, next.RefreshToken.Token)
		current = next
	}
}

func TestGetSessionPromotesChildAccessToken(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)

	rotated, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)

	// The rotated access token belongs to an unpromoted child, so the
	// session row gets promoted and a replacement token comes back.
	session, newToken, err := env.svc.GetSession(ctx, rotated.AccessToken.Token, "")
	require.NoError(t, err)
	require.NotNil(t, newToken)
	assert.Equal(t, bundle.Handle, session.Handle)

	// The replacement has no parent hash and takes the fast path.
	_, again, err := env.svc.GetSession(ctx, newToken.Token, "")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestGetSessionAfterConcurrentPromotion(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	rotated, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)

	// The child refresh token gets promoted by its own refresh call before
	// its access token was ever presented.
	_, err = env.svc.RefreshSession(ctx, rotated.RefreshToken.Token)
	require.NoError(t, err)

	// The access token still verifies: its own refresh hash is now the
	// stored parent.
	_, newToken, err := env.svc.GetSession(ctx, rotated.AccessToken.Token, "")
	require.NoError(t, err)
	require.NotNil(t, newToken)
}

func TestSiblingRefreshTokenIsTheft(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	// Two children of the same parent: the legitimate client and the
	// attacker both refreshed the stolen parent.
	first, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)
	second, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)

	// The first child rotates forward, becoming the parent.
	_, err = env.svc.RefreshSession(ctx, first.RefreshToken.Token)
	require.NoError(t, err)

	// The sibling is now outside the lineage.
	_, err = env.svc.RefreshSession(ctx, second.RefreshToken.Token)
	var theft *domain.TokenTheftError
	require.ErrorAs(t, err, &theft)
	assert.Equal(t, bundle.Handle, theft.SessionHandle)
	assert.Equal(t, "user-1", theft.UserID.Str())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGrandparentReplayIsTheft(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	child, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)
	_, err = env.svc.RefreshSession(ctx, child.RefreshToken.Token)
	require.NoError(t, err)

	// The original parent is now two generations behind.
	_, err = env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	var theft *domain.TokenTheftError
	require.ErrorAs(t, err, &theft)
}

func TestRevokeOnTheftDeletesSession(t *testing.T) {
	env := newTestEnv(t, SessionConfig{RevokeOnTheft: true})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	child, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)
	_, err = env.svc.RefreshSession(ctx, child.RefreshToken.Token)
	require.NoError(t, err)

	_, err = env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	var theft *domain.TokenTheftError
	require.ErrorAs(t, err, &theft)

	exists, err := env.store.Sessions().SessionExists(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRefreshExpiredSessionUnauthorized(t *testing.T) {
	env := newTestEnv(t, SessionConfig{RefreshValidity: 24 * time.Hour})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	clock := time.Now().Add(48 * time.Hour)
	env.svc.now = func() time.Time { return clock }

	_, err = env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	var theft *domain.TokenTheftError
	assert.False(t, errors.As(err, &theft), "expiry is not theft")
}

func TestRefreshGarbageTokenUnauthorized(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	for _, token := range []string{"", "garbage", "a.b", "a.b.c"} {
		_, err := env.svc.RefreshSession(ctx, token)
		assert.ErrorIs(t, err, domain.ErrUnauthorized, "token %q", token)
	}
}

func TestRefreshAfterRevokeUnauthorized(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	deleted, err := env.svc.RevokeSession(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.svc.RevokeSession(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBlacklistingChecksLiveness(t *testing.T) {
	env := newTestEnv(t, SessionConfig{Blacklisting: true})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, "")
	require.NoError(t, err)

	_, err = env.svc.RevokeSession(ctx, bundle.Handle)
	require.NoError(t, err)

	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestWithoutBlacklistingRevokedAccessTokenStillVerifies(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)

	_, err = env.svc.RevokeSession(ctx, bundle.Handle)
	require.NoError(t, err)

	// Self-contained access tokens outlive revocation until they expire.
	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, "")
	assert.NoError(t, err)
}

func TestAntiCSRF(t *testing.T) {
	env := newTestEnv(t, SessionConfig{AntiCSRF: true})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.AntiCSRFToken)

	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, bundle.AntiCSRFToken)
	assert.NoError(t, err)

	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, "")
	assert.ErrorIs(t, err, domain.ErrTryRefreshToken)

	_, _, err = env.svc.GetSession(ctx, bundle.AccessToken.Token, "wrong")
	assert.ErrorIs(t, err, domain.ErrTryRefreshToken)

	// Refresh mints a fresh anti-CSRF token.
	rotated, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AntiCSRFToken)
	assert.NotEqual(t, bundle.AntiCSRFToken, rotated.AntiCSRFToken)
}

func TestNumericAndStringUserIDsStayDistinct(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	numBundle, err := env.svc.CreateSession(ctx, domain.NumberID(42), nil, nil)
	require.NoError(t, err)
	strBundle, err := env.svc.CreateSession(ctx, domain.StringID("42"), nil, nil)
	require.NoError(t, err)

	rotated, err := env.svc.RefreshSession(ctx, numBundle.RefreshToken.Token)
	require.NoError(t, err)
	assert.True(t, rotated.UserID.IsNumeric())
	assert.EqualValues(t, 42, rotated.UserID.Num())

	numHandles, err := env.svc.ListHandlesForUser(ctx, domain.NumberID(42))
	require.NoError(t, err)
	assert.Equal(t, []string{numBundle.Handle}, numHandles)

	strHandles, err := env.svc.ListHandlesForUser(ctx, domain.StringID("42"))
	require.NoError(t, err)
	assert.Equal(t, []string{strBundle.Handle}, strHandles)
}

func TestCreateSessionRejectsReservedStringID(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	_, err := env.svc.CreateSession(ctx, domain.StringID(`{"i":7}`), nil, nil)
	assert.ErrorIs(t, err, domain.ErrReservedUserID)
}

func TestSessionDataCRUD(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	data, err := env.svc.GetSessionData(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))

	require.NoError(t, env.svc.UpdateSessionData(ctx, bundle.Handle, json.RawMessage(`{"n":2}`)))

	data, err = env.svc.GetSessionData(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(data))

	_, err = env.svc.GetSessionData(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = env.svc.UpdateSessionData(ctx, "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSessionDataSurvivesRefresh(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, json.RawMessage(`{"keep":"me"}`))
	require.NoError(t, err)

	rotated, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keep":"me"}`, string(rotated.Data))
}

func TestRevokeAllForUser(t *testing.T) {
	env := newTestEnv(t, SessionConfig{})
	ctx := context.Background()

	b1, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)
	b2, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), nil, nil)
	require.NoError(t, err)
	other, err := env.svc.CreateSession(ctx, domain.StringID("user-2"), nil, nil)
	require.NoError(t, err)

	revoked, err := env.svc.RevokeAllForUser(ctx, domain.StringID("user-1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b1.Handle, b2.Handle}, revoked)

	exists, err := env.store.Sessions().SessionExists(ctx, other.Handle)
	require.NoError(t, err)
	assert.True(t, exists, "other user's session survives")
}

func TestEndToEndSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, SessionConfig{AntiCSRF: true})
	ctx := context.Background()

	// Login.
	bundle, err := env.svc.CreateSession(ctx, domain.StringID("user-1"), json.RawMessage(`{"plan":"pro"}`), nil)
	require.NoError(t, err)

	// Normal request on the parent access token.
	_, newTok, err := env.svc.GetSession(ctx, bundle.AccessToken.Token, bundle.AntiCSRFToken)
	require.NoError(t, err)
	assert.Nil(t, newTok)

	// Access token expires client-side; client refreshes.
	rotated, err := env.svc.RefreshSession(ctx, bundle.RefreshToken.Token)
	require.NoError(t, err)

	// First request with the new access token promotes the child.
	session, promotedTok, err := env.svc.GetSession(ctx, rotated.AccessToken.Token, rotated.AntiCSRFToken)
	require.NoError(t, err)
	require.NotNil(t, promotedTok)
	assert.JSONEq(t, `{"plan":"pro"}`, string(session.TokenPayload))

	// Subsequent requests use the replacement and take the fast path.
	_, nilTok, err := env.svc.GetSession(ctx, promotedTok.Token, rotated.AntiCSRFToken)
	require.NoError(t, err)
	assert.Nil(t, nilTok)

	// Logout.
	deleted, err := env.svc.RevokeSession(ctx, bundle.Handle)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = env.svc.RefreshSession(ctx, rotated.RefreshToken.Token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
