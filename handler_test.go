package authcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7636 appendix B test vector.
const (
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func authorizeQuery(scope, state string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {scope},
		"state":                 {state},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {"n-0S6_WzA2Mj"},
	}
}

func postForm(t *testing.T, handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandlerEndToEnd(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	// Authorization request: the user agent lands on /authorize with a
	// PKCE challenge and leaves with a 302 carrying code and state.
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery("openid profile", "af0ifjsldkj").Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, "af0ifjsldkj", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Code exchange.
	tokenResp := decodeToken(t, postForm(t, handler, PathToken, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {"web-app"},
		"code_verifier": {pkceVerifier},
	}))
	assert.NotEmpty(t, tokenResp.AccessToken)
	assert.Equal(t, TokenTypeBearer, tokenResp.TokenType)
	assert.NotEmpty(t, tokenResp.RefreshToken)
	assert.NotEmpty(t, tokenResp.IDToken)

	// The same code again is a reuse attack.
	rec = postForm(t, handler, PathToken, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {"web-app"},
		"code_verifier": {pkceVerifier},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidGrant, decodeError(t, rec).Error)

	// Refresh rotation over HTTP.
	refreshed := decodeToken(t, postForm(t, handler, PathToken, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"web-app"},
		"refresh_token": {tokenResp.RefreshToken},
	}))
	assert.NotEqual(t, tokenResp.RefreshToken, refreshed.RefreshToken)

	// Revocation, then the token is dead.
	rec = postForm(t, handler, PathRevoke, url.Values{
		"client_id": {"web-app"},
		"token":     {refreshed.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(t, handler, PathToken, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"web-app"},
		"refresh_token": {refreshed.RefreshToken},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidGrant, decodeError(t, rec).Error)
}

func TestHandlerAuthorizeUnknownClientGetsNoRedirect(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	query := authorizeQuery("openid", "s")
	query.Set("client_id", "nobody")
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown clients get JSON, never a redirect")
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Error)
}

func TestHandlerAuthorizeErrorRedirect(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	query := authorizeQuery("openid admin", "keep-me")
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, ErrCodeInvalidScope, location.Query().Get("error"))
	assert.Equal(t, "keep-me", location.Query().Get("state"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestHandlerUnsupportedGrantType(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postForm(t, s.Handler(), PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"web-app"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeUnsupportedGrantType, decodeError(t, rec).Error)
}

func TestHandlerBasicAuthClientCredentials(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	form := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {"unknown"},
	}
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend", testClientSecret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Authentication passed; the grant itself is bogus.
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidGrant, decodeError(t, rec).Error)

	req = httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeInvalidClient, decodeError(t, rec).Error)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestHandlerRateLimiting(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.RateLimitPerSecond = 1
		c.RateLimitBurst = 1
	})
	handler := s.Handler()

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"web-app"},
	}
	first := postForm(t, handler, PathToken, form)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := postForm(t, handler, PathToken, form)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, ErrCodeSlowDown, decodeError(t, second).Error)
}

func TestHandlerSubjectRevocation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	resp := authorizeAndExchange(t, s, "openid")

	rec := postForm(t, handler, PathRevoke, url.Values{
		"client_id": {"web-app"},
		"subject":   {"user-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(t, handler, PathToken, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"web-app"},
		"refresh_token": {resp.RefreshToken},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidGrant, decodeError(t, rec).Error)
}

func TestHandlerRejectsUnauthenticatedSubject(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Swap in an authenticator that refuses everyone.
	s.authenticator = SubjectAuthenticatorFunc(func(ctx context.Context, r *http.Request) (string, error) {
		return "", http.ErrNoCookie
	})

	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+authorizeQuery("openid", "s").Encode(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeAccessDenied, decodeError(t, rec).Error)
}
