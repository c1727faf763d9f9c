package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenlane/sessiond/internal/session/keys"
	"github.com/tokenlane/sessiond/internal/session/service"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/internal/session/store/drivers/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, antiCSRF bool) *Router {
	t.Helper()

	st, err := sqlite.NewStore(filepath.Join(t.TempDir(), "api.db"), store.Tables{})
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	skm, err := keys.NewSigningKeyManager(ctx, st, keys.SigningKeyConfig{}, nil)
	require.NoError(t, err)
	ekm, err := keys.NewEncryptionKeyManager(ctx, st)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := service.NewSessionService(
		st,
		service.NewAccessTokenService(skm, time.Hour, antiCSRF),
		service.NewRefreshTokenService(ekm, 24*time.Hour),
		nil,
		logger,
		service.SessionConfig{AntiCSRF: antiCSRF, RefreshValidity: 24 * time.Hour},
	)

	r := NewRouter("test", st, prometheus.NewRegistry(), logger)
	r.Sessions = sessions
	r.ApplyRoutes()
	return r
}

func doJSON(t *testing.T, router *Router, method, path string, body any, prepare func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if prepare != nil {
		prepare(req)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCreateSessionSetsCookies(t *testing.T) {
	router := newTestRouter(t, true)

	rec := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{
		"userId":      "user-1",
		"userPayload": map[string]any{"role": "admin"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotNil(t, cookieByName(t, rec, "sAccessToken"))
	assert.NotNil(t, cookieByName(t, rec, "sIdRefreshToken"))
	assert.NotEmpty(t, rec.Header().Get("anti-csrf"))
	assert.NotEmpty(t, rec.Header().Get("id-refresh-token"))

	refresh := cookieByName(t, rec, "sRefreshToken")
	require.NotNil(t, refresh)
	assert.Equal(t, "/v1/session/refresh", refresh.Path)
	assert.True(t, refresh.HttpOnly)

	var body struct {
		SessionHandle string          `json:"sessionHandle"`
		UserID        json.RawMessage `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.SessionHandle)
	assert.JSONEq(t, `"user-1"`, string(body.UserID))
}

func TestCreateSessionRejectsMissingUser(t *testing.T) {
	router := newTestRouter(t, false)

	rec := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/session", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRefreshCycle(t *testing.T) {
	router := newTestRouter(t, true)

	created := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{"userId": "user-1"}, nil)
	require.Equal(t, http.StatusOK, created.Code)

	access := cookieByName(t, created, "sAccessToken")
	refresh := cookieByName(t, created, "sRefreshToken")
	antiCSRF := created.Header().Get("anti-csrf")
	require.NotNil(t, access)
	require.NotNil(t, refresh)

	// Verify with the anti-csrf header succeeds.
	verified := doJSON(t, router, http.MethodPost, "/v1/session/verify", nil, func(r *http.Request) {
		r.AddCookie(access)
		r.Header.Set("anti-csrf", antiCSRF)
	})
	assert.Equal(t, http.StatusOK, verified.Code)

	// Without the header the client is told to refresh, and keeps its
	// cookies.
	denied := doJSON(t, router, http.MethodPost, "/v1/session/verify", nil, func(r *http.Request) {
		r.AddCookie(access)
	})
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
	assert.Contains(t, denied.Body.String(), "try_refresh_token")
	assert.Empty(t, denied.Result().Cookies())

	// Refresh rotates every cookie.
	refreshed := doJSON(t, router, http.MethodPost, "/v1/session/refresh", nil, func(r *http.Request) {
		r.AddCookie(refresh)
	})
	require.Equal(t, http.StatusOK, refreshed.Code)

	newRefresh := cookieByName(t, refreshed, "sRefreshToken")
	require.NotNil(t, newRefresh)
	assert.NotEqual(t, refresh.Value, newRefresh.Value)

	// The verified child access token rides back as a replacement cookie.
	newAccess := cookieByName(t, refreshed, "sAccessToken")
	newAntiCSRF := refreshed.Header().Get("anti-csrf")
	require.NotNil(t, newAccess)

	promoted := doJSON(t, router, http.MethodPost, "/v1/session/verify", nil, func(r *http.Request) {
		r.AddCookie(newAccess)
		r.Header.Set("anti-csrf", newAntiCSRF)
	})
	require.Equal(t, http.StatusOK, promoted.Code)
	assert.NotNil(t, cookieByName(t, promoted, "sAccessToken"))
}

func TestTheftReplayClearsCookies(t *testing.T) {
	router := newTestRouter(t, false)

	created := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{"userId": "user-1"}, nil)
	require.Equal(t, http.StatusOK, created.Code)
	parent := cookieByName(t, created, "sRefreshToken")
	require.NotNil(t, parent)

	// Rotate twice so the original parent falls out of the lineage.
	first := doJSON(t, router, http.MethodPost, "/v1/session/refresh", nil, func(r *http.Request) {
		r.AddCookie(parent)
	})
	require.Equal(t, http.StatusOK, first.Code)
	child := cookieByName(t, first, "sRefreshToken")
	require.NotNil(t, child)

	second := doJSON(t, router, http.MethodPost, "/v1/session/refresh", nil, func(r *http.Request) {
		r.AddCookie(child)
	})
	require.Equal(t, http.StatusOK, second.Code)

	// Replaying the stale parent is theft: 401 and cookies wiped.
	replay := doJSON(t, router, http.MethodPost, "/v1/session/refresh", nil, func(r *http.Request) {
		r.AddCookie(parent)
	})
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
	assert.Contains(t, replay.Body.String(), "token_theft_detected")

	cleared := cookieByName(t, replay, "sRefreshToken")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, "remove", replay.Header().Get("id-refresh-token"))
}

func TestRevokeAndSessionData(t *testing.T) {
	router := newTestRouter(t, false)

	created := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{
		"userId":      "user-1",
		"sessionData": map[string]any{"n": 1},
	}, nil)
	require.Equal(t, http.StatusOK, created.Code)

	var body struct {
		SessionHandle string `json:"sessionHandle"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &body))

	get := doJSON(t, router, http.MethodGet, "/v1/session/data/"+body.SessionHandle, nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.JSONEq(t, `{"data":{"n":1}}`, get.Body.String())

	put := doJSON(t, router, http.MethodPut, "/v1/session/data/"+body.SessionHandle, map[string]any{
		"data": map[string]any{"n": 2},
	}, nil)
	require.Equal(t, http.StatusOK, put.Code)

	handles := doJSON(t, router, http.MethodPost, "/v1/session/user/handles", map[string]any{"userId": "user-1"}, nil)
	require.Equal(t, http.StatusOK, handles.Code)
	assert.Contains(t, handles.Body.String(), body.SessionHandle)

	revoke := doJSON(t, router, http.MethodPost, "/v1/session/revoke", map[string]any{
		"sessionHandle": body.SessionHandle,
	}, nil)
	require.Equal(t, http.StatusOK, revoke.Code)
	assert.JSONEq(t, `{"revoked":true}`, revoke.Body.String())

	gone := doJSON(t, router, http.MethodGet, "/v1/session/data/"+body.SessionHandle, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, gone.Code)
}

func TestRevokeAllForUserEndpoint(t *testing.T) {
	router := newTestRouter(t, false)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/session", map[string]any{"userId": 42}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	revoked := doJSON(t, router, http.MethodPost, "/v1/session/revoke/user", map[string]any{"userId": 42}, nil)
	require.Equal(t, http.StatusOK, revoked.Code)

	var body struct {
		SessionHandles []string `json:"sessionHandles"`
	}
	require.NoError(t, json.Unmarshal(revoked.Body.Bytes(), &body))
	assert.Len(t, body.SessionHandles, 2)
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, false)

	livez := doJSON(t, router, http.MethodGet, "/livez", nil, nil)
	assert.Equal(t, http.StatusOK, livez.Code)

	readyz := doJSON(t, router, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, readyz.Code)

	metricsResp := doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, metricsResp.Code)
}

func TestPreflight(t *testing.T) {
	router := newTestRouter(t, false)

	rec := doJSON(t, router, http.MethodOptions, "/v1/session/refresh", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Values("Access-Control-Allow-Headers"), "anti-csrf")
}
