package authcore

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/veridianlabs/oauth-core/instrumentation"
)

// Endpoint paths served by Handler.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathRevoke    = "/revoke"
)

// Handler returns the HTTP surface of the core: the authorization, token,
// and revocation endpoints. The host mounts it under the issuer URL and
// adds its own JWKS and discovery endpoints around PublicKeySet.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathAuthorize, s.handleAuthorize)
	mux.HandleFunc("POST "+PathAuthorize, s.handleAuthorize)
	mux.HandleFunc("POST "+PathToken, s.handleToken)
	mux.HandleFunc("POST "+PathRevoke, s.handleRevoke)
	return mux
}

// handleAuthorize serves the authorization endpoint. Success and
// post-validation failures are delivered as redirects to the validated
// redirect URI; anything earlier gets a direct JSON error so tokens can
// never leak to an unvalidated URI.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "oauth.authorize")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		instrumentation.RecordError(span, err)
		s.writeError(w, ErrInvalidRequest("malformed request"))
		return
	}
	instrumentation.AddGrantAttributes(span, "", r.Form.Get("client_id"), r.Form.Get("scope"))
	if !s.allow(w, r, r.Form.Get("client_id")) {
		return
	}

	subjectID, err := s.authenticator.Authenticate(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.writeError(w, &OAuthError{
			Code:        ErrCodeAccessDenied,
			Description: "authentication required",
			Status:      http.StatusUnauthorized,
		})
		return
	}

	req := AuthorizeRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Nonce:               r.Form.Get("nonce"),
		SubjectID:           subjectID,
	}

	result, err := s.Authorize(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		oe, ok := AsOAuthError(err)
		if !ok {
			s.logger.Error("Authorization failed", "error", err)
			oe = ErrServerError()
		}
		if oe.NoRedirect || req.RedirectURI == "" {
			s.writeError(w, oe)
			return
		}
		s.errorRedirect(w, r, req.RedirectURI, req.State, oe)
		return
	}

	redirect, err := url.Parse(result.RedirectURI)
	if err != nil {
		s.writeError(w, ErrServerError())
		return
	}
	q := redirect.Query()
	q.Set("code", result.Code)
	if result.State != "" {
		q.Set("state", result.State)
	}
	redirect.RawQuery = q.Encode()

	instrumentation.SetSpanSuccess(span)
	instrumentation.AddHTTPAttributes(span, r.Method, PathAuthorize, http.StatusFound)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// handleToken serves the token endpoint for both supported grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "oauth.token")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		instrumentation.RecordError(span, err)
		s.writeError(w, ErrInvalidRequest("malformed request"))
		return
	}

	req := s.tokenRequest(r)
	instrumentation.AddGrantAttributes(span, req.GrantType, req.ClientID, req.Scope)
	if !s.allow(w, r, req.ClientID) {
		return
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		resp, err = s.ExchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		resp, err = s.RefreshGrant(ctx, req)
	default:
		err = ErrUnsupportedGrantType()
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		s.writeFlowError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	instrumentation.AddHTTPAttributes(span, r.Method, PathToken, http.StatusOK)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRevoke serves RFC 7009 revocation for refresh tokens. Unknown
// tokens return 200 like valid ones. A subject parameter instead of a
// token sweeps every family of that subject.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "oauth.revoke")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		instrumentation.RecordError(span, err)
		s.writeError(w, ErrInvalidRequest("malformed request"))
		return
	}

	req := s.tokenRequest(r)
	instrumentation.AddGrantAttributes(span, "", req.ClientID, "")
	if !s.allow(w, r, req.ClientID) {
		return
	}

	if subject := r.Form.Get("subject"); subject != "" {
		if _, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
			instrumentation.RecordError(span, err)
			s.writeFlowError(w, err)
			return
		}
		if _, err := s.RevokeAllForSubject(ctx, subject); err != nil {
			instrumentation.RecordError(span, err)
			s.writeFlowError(w, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
		instrumentation.AddHTTPAttributes(span, r.Method, PathRevoke, http.StatusOK)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		return
	}

	req.RefreshToken = r.Form.Get("token")
	if err := s.RevokeRefreshToken(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		s.writeFlowError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	instrumentation.AddHTTPAttributes(span, r.Method, PathRevoke, http.StatusOK)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// tokenRequest assembles a TokenRequest from form parameters, HTTP Basic
// client credentials, and the DPoP header.
func (s *Server) tokenRequest(r *http.Request) TokenRequest {
	req := TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     r.Form.Get("client_id"),
		ClientSecret: r.Form.Get("client_secret"),
		CodeVerifier: r.Form.Get("code_verifier"),
		RefreshToken: r.Form.Get("refresh_token"),
		Scope:        r.Form.Get("scope"),
		DPoPProof:    r.Header.Get("DPoP"),
		HTTPMethod:   r.Method,
		RequestURL:   s.endpointURL(r.URL.Path),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}
	return req
}

// endpointURL is the htu a DPoP proof must carry for a request to path.
// Proofs are matched against the public issuer URL, not whatever host
// header the request arrived with.
func (s *Server) endpointURL(path string) string {
	return strings.TrimRight(s.config.Issuer, "/") + path
}

// allow applies per-client rate limiting. Unauthenticated requests fall
// back to the remote address.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, clientID string) bool {
	if s.limiter == nil {
		return true
	}
	identifier := clientID
	if identifier == "" {
		identifier = r.RemoteAddr
	}
	if s.limiter.Allow(identifier) {
		return true
	}
	s.writeError(w, ErrSlowDown())
	return false
}

func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	if oe, ok := AsOAuthError(err); ok {
		s.writeError(w, oe)
		return
	}
	s.logger.Error("Request failed", "error", err)
	s.writeError(w, ErrServerError())
}

func (s *Server) writeError(w http.ResponseWriter, oe *OAuthError) {
	if oe.Code == ErrCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	s.writeJSON(w, oe.Status, ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// errorRedirect delivers an OAuth error to a validated redirect URI per
// RFC 6749 §4.1.2.1.
func (s *Server) errorRedirect(w http.ResponseWriter, r *http.Request, redirectURI, state string, oe *OAuthError) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		s.writeError(w, oe)
		return
	}
	q := redirect.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}
