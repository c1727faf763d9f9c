// Package http binds the session engine to HTTP: cookie and header
// plumbing, the JSON endpoints, and health/metrics routes.
package http

import (
	"net/http"
	"time"

	"github.com/tokenlane/sessiond/internal/session/domain"
)

// Cookie and header names are part of the client contract.
const (
	accessTokenCookie    = "sAccessToken"
	refreshTokenCookie   = "sRefreshToken"
	idRefreshTokenCookie = "sIdRefreshToken"

	antiCSRFHeader       = "anti-csrf"
	idRefreshTokenHeader = "id-refresh-token"
)

// CookieConfig controls how session cookies are written.
type CookieConfig struct {
	Domain string
	Secure bool

	// AccessTokenPath scopes the access and id-refresh cookies; defaults
	// to "/".
	AccessTokenPath string

	// RefreshTokenPath scopes the refresh token cookie so it only travels
	// to the refresh endpoint; defaults to the refresh route.
	RefreshTokenPath string
}

func (c CookieConfig) accessPath() string {
	if c.AccessTokenPath == "" {
		return "/"
	}
	return c.AccessTokenPath
}

func (c CookieConfig) refreshPath() string {
	if c.RefreshTokenPath == "" {
		return "/v1/session/refresh"
	}
	return c.RefreshTokenPath
}

func (c CookieConfig) set(w http.ResponseWriter, name, value, path string, expiry time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		Expires:  expiry,
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// attachBundle writes all session cookies and the id-refresh-token /
// anti-csrf response headers for a freshly created or refreshed session.
func (c CookieConfig) attachBundle(w http.ResponseWriter, bundle domain.SessionBundle) {
	c.set(w, accessTokenCookie, bundle.AccessToken.Token, c.accessPath(), bundle.AccessToken.Expiry)
	c.set(w, refreshTokenCookie, bundle.RefreshToken.Token, c.refreshPath(), bundle.RefreshToken.Expiry)
	c.set(w, idRefreshTokenCookie, bundle.IDRefreshToken.Token, c.accessPath(), bundle.IDRefreshToken.Expiry)

	// The header mirrors the cookie so browser clients can observe session
	// existence without cookie access.
	w.Header().Set(idRefreshTokenHeader, bundle.IDRefreshToken.Token)
	if bundle.AntiCSRFToken != "" {
		w.Header().Set(antiCSRFHeader, bundle.AntiCSRFToken)
	}
}

// attachAccessToken replaces only the access token cookie, used when
// getSession promotes a child token.
func (c CookieConfig) attachAccessToken(w http.ResponseWriter, tok domain.TokenInfo) {
	c.set(w, accessTokenCookie, tok.Token, c.accessPath(), tok.Expiry)
}

// clearAll expires every session cookie. Called when a session ends, so
// clients stop presenting dead tokens.
func (c CookieConfig) clearAll(w http.ResponseWriter) {
	gone := time.Unix(0, 0)
	c.set(w, accessTokenCookie, "", c.accessPath(), gone)
	c.set(w, refreshTokenCookie, "", c.refreshPath(), gone)
	c.set(w, idRefreshTokenCookie, "", c.accessPath(), gone)
	w.Header().Set(idRefreshTokenHeader, "remove")
}

// setPreflightHeaders advertises the session headers on CORS preflight
// responses.
func setPreflightHeaders(w http.ResponseWriter) {
	w.Header().Add("Access-Control-Allow-Headers", antiCSRFHeader)
	w.Header().Add("Access-Control-Allow-Headers", idRefreshTokenHeader)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

func readCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
