package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tokenlane/sessiond/internal/session/domain"
	"github.com/tokenlane/sessiond/internal/session/service"
	"github.com/tokenlane/sessiond/pkg/httpx"
	"github.com/tokenlane/sessiond/pkg/slogx"
)

// SessionHandler serves the session lifecycle endpoints. Tokens travel in
// cookies and the anti-CSRF token in a request header; JSON bodies carry
// only non-secret session details.
type SessionHandler struct {
	Sessions *service.SessionService
	Cookies  CookieConfig
}

type createSessionRequest struct {
	UserID      domain.UserID   `json:"userId"`
	UserPayload json.RawMessage `json:"userPayload,omitempty"`
	SessionData json.RawMessage `json:"sessionData,omitempty"`
}

type sessionResponse struct {
	SessionHandle string          `json:"sessionHandle"`
	UserID        domain.UserID   `json:"userId"`
	UserPayload   json.RawMessage `json:"userPayload,omitempty"`
}

// HandleCreate serves POST /v1/session: a new session for a logged-in
// user. Authenticating the user is the caller's business; this endpoint
// trusts the given userId.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.UserID.IsZero() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	bundle, err := h.Sessions.CreateSession(r.Context(), req.UserID, req.UserPayload, req.SessionData)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	h.Cookies.attachBundle(w, bundle)
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		SessionHandle: bundle.Handle,
		UserID:        bundle.UserID,
		UserPayload:   bundle.Data,
	})
}

// HandleVerify serves POST /v1/session/verify: validates the access token
// cookie and returns the session. When verification promotes a child
// token, the replacement access token cookie rides along on the response.
func (h *SessionHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	accessToken := readCookie(r, accessTokenCookie)
	if accessToken == "" {
		h.writeSessionError(w, r, domain.ErrTryRefreshToken)
		return
	}

	session, newToken, err := h.Sessions.GetSession(r.Context(), accessToken, r.Header.Get(antiCSRFHeader))
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	if newToken != nil {
		h.Cookies.attachAccessToken(w, *newToken)
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		SessionHandle: session.Handle,
		UserID:        session.UserID,
		UserPayload:   session.TokenPayload,
	})
}

// HandleRefresh serves POST /v1/session/refresh: rotates the refresh token
// cookie into a full new token bundle.
func (h *SessionHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := readCookie(r, refreshTokenCookie)
	if refreshToken == "" {
		h.writeSessionError(w, r, domain.ErrUnauthorized)
		return
	}

	bundle, err := h.Sessions.RefreshSession(r.Context(), refreshToken)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	h.Cookies.attachBundle(w, bundle)
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		SessionHandle: bundle.Handle,
		UserID:        bundle.UserID,
		UserPayload:   bundle.Data,
	})
}

type revokeSessionRequest struct {
	SessionHandle string `json:"sessionHandle"`
}

// HandleRevoke serves POST /v1/session/revoke.
func (h *SessionHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionHandle == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "sessionHandle is required")
		return
	}

	revoked, err := h.Sessions.RevokeSession(r.Context(), req.SessionHandle)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

type userRequest struct {
	UserID domain.UserID `json:"userId"`
}

// HandleRevokeAll serves POST /v1/session/revoke/user: revokes every
// session of a user.
func (h *SessionHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID.IsZero() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	revoked, err := h.Sessions.RevokeAllForUser(r.Context(), req.UserID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"sessionHandles": revoked})
}

// HandleListHandles serves POST /v1/session/user/handles. POST rather than
// GET because a userId is JSON-typed and does not round-trip cleanly in a
// query parameter.
func (h *SessionHandler) HandleListHandles(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID.IsZero() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	handles, err := h.Sessions.ListHandlesForUser(r.Context(), req.UserID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	if handles == nil {
		handles = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"sessionHandles": handles})
}

// HandleGetData serves GET /v1/session/data/{handle}.
func (h *SessionHandler) HandleGetData(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if handle == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "session handle is required")
		return
	}

	data, err := h.Sessions.GetSessionData(r.Context(), handle)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	if data == nil {
		data = json.RawMessage("null")
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]json.RawMessage{"data": data})
}

type updateDataRequest struct {
	Data json.RawMessage `json:"data"`
}

// HandleUpdateData serves PUT /v1/session/data/{handle}.
func (h *SessionHandler) HandleUpdateData(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if handle == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "session handle is required")
		return
	}

	var req updateDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	if err := h.Sessions.UpdateSessionData(r.Context(), handle, req.Data); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePreflight answers OPTIONS on the session endpoints.
func (h *SessionHandler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	setPreflightHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps the engine's error taxonomy onto HTTP:
//
//   - token theft and unauthorized end the session, so all cookies are
//     cleared alongside the 401
//   - try-refresh-token is a 401 that keeps cookies intact; the client is
//     expected to call the refresh endpoint and retry
//   - anything else is a 500
func (h *SessionHandler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	log := slogx.FromContext(r.Context())

	var theft *domain.TokenTheftError
	switch {
	case errors.As(err, &theft):
		log.Warn("token theft detected",
			"session_handle", theft.SessionHandle,
			"user_id", theft.UserID.String(),
		)
		h.Cookies.clearAll(w)
		httpx.WriteError(w, http.StatusUnauthorized, "token_theft_detected", "session has been compromised")

	case errors.Is(err, domain.ErrTryRefreshToken):
		httpx.WriteError(w, http.StatusUnauthorized, "try_refresh_token", "access token invalid; call the refresh endpoint")

	case errors.Is(err, domain.ErrUnauthorized):
		h.Cookies.clearAll(w)
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorised", "session expired or revoked")

	default:
		log.Error("session operation failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}
