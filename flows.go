package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/veridianlabs/oauth-core/authcode"
	"github.com/veridianlabs/oauth-core/dpop"
	"github.com/veridianlabs/oauth-core/refresh"
	"github.com/veridianlabs/oauth-core/security"
	"github.com/veridianlabs/oauth-core/storage"
)

// ErrInvalidToken is returned by ValidateAccessToken for every token a
// caller could forge: bad signature, unknown kid, wrong issuer, expiry,
// revocation, and DPoP binding failures.
var ErrInvalidToken = errors.New("authcore: invalid access token")

// AuthorizeRequest carries a validated-and-authenticated authorization
// request. SubjectID is the authenticated end user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	SubjectID           string
}

// AuthorizeResult is a successful authorization: redirect the user agent
// to RedirectURI with code and state.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
	ExpiresIn   int64
}

// TokenRequest carries the token endpoint's form parameters plus the
// transport facts DPoP binding needs.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string

	// DPoPProof is the DPoP header value, empty for bearer requests.
	DPoPProof string
	// HTTPMethod and RequestURL are the transport facts the proof must
	// match.
	HTTPMethod string
	RequestURL string
}

// Authorize validates an authorization request against the client
// registry and mints a single-use code.
//
// Client and redirect URI failures return errors that must NOT be
// redirected to the given URI; everything after the redirect URI is
// validated may be delivered as an OAuth error redirect.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := s.stores.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			oe := ErrInvalidRequest("unknown client")
			oe.NoRedirect = true
			return nil, oe
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		// Exact string match only. Pattern or prefix matching here is a
		// known token-exfiltration vector.
		oe := ErrInvalidRequest("redirect_uri is not registered for this client")
		oe.NoRedirect = true
		return nil, oe
	}

	if req.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType()
	}
	if !clientAllowsGrant(client, GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient()
	}
	if !scopeAllowed(req.Scope, client.Scopes) {
		return nil, ErrInvalidScope()
	}
	if err := authcode.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.metrics != nil {
			s.metrics.PKCEValidationFailed.Add(ctx, 1)
		}
		return nil, ErrInvalidRequest(err.Error())
	}
	if req.SubjectID == "" {
		return nil, &OAuthError{Code: ErrCodeAccessDenied, Description: "no authenticated subject", Status: 403}
	}

	code, expiresIn, err := s.codes.Issue(ctx, authcode.IssueRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SubjectID:           req.SubjectID,
		Nonce:               req.Nonce,
		State:               req.State,
	})
	if err != nil {
		s.logger.Error("Failed to issue authorization code", "error", err)
		return nil, ErrServerError()
	}

	if s.metrics != nil {
		s.metrics.CodeIssued.Add(ctx, 1)
	}
	return &AuthorizeResult{
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
		ExpiresIn:   expiresIn,
	}, nil
}

// ExchangeAuthorizationCode serves grant_type=authorization_code: it
// authenticates the client, verifies any DPoP proof, redeems the code,
// and mints the access token, first refresh token, and ID token.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !clientAllowsGrant(client, GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient()
	}

	jkt, err := s.verifyProof(ctx, req, "")
	if err != nil {
		return nil, err
	}

	// The jti is chosen before redemption and travels with it, so the code
	// record knows which token to revoke before that token even exists. If
	// signing fails below, revoking a jti that was never minted is harmless.
	jti := uuid.NewString()

	grant, err := s.codes.Redeem(ctx, authcode.RedeemRequest{
		Code:         req.Code,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		IssuedJTI:    jti,
	})
	if err != nil {
		if errors.Is(err, authcode.ErrInvalidGrant) {
			return nil, ErrInvalidGrant()
		}
		s.logger.Error("Code redemption failed", "error", err)
		return nil, ErrServerError()
	}
	if s.metrics != nil {
		s.metrics.CodeRedeemed.Add(ctx, 1)
	}

	accessToken, err := s.mintAccessToken(ctx, grant.SubjectID, grant.ClientID, grant.Scope, jkt, jti)
	if err != nil {
		s.logger.Error("Failed to mint access token", "error", err)
		return nil, ErrServerError()
	}

	refreshJTI, err := s.rotator.Issue(ctx, refresh.IssueRequest{
		TenantID:  s.tenantID,
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		Scope:     grant.Scope,
	})
	if err != nil {
		s.logger.Error("Failed to issue refresh token", "error", err)
		return nil, ErrServerError()
	}

	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenType(jkt),
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: refreshJTI,
		Scope:        grant.Scope,
	}

	if scopeContains(grant.Scope, "openid") {
		idToken, err := s.mintIDToken(ctx, grant.SubjectID, grant.ClientID, grant.Nonce)
		if err != nil {
			s.logger.Error("Failed to mint ID token", "error", err)
			return nil, ErrServerError()
		}
		resp.IDToken = idToken
	}

	s.auditor.LogTokenIssued(grant.SubjectID, grant.ClientID, grant.Scope)
	return resp, nil
}

// RefreshGrant serves grant_type=refresh_token: rotate the presented
// token and mint a fresh access token under the (possibly narrowed)
// scope. Presenting a superseded token revokes the whole family.
func (s *Server) RefreshGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !clientAllowsGrant(client, GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient()
	}

	jkt, err := s.verifyProof(ctx, req, "")
	if err != nil {
		return nil, err
	}

	rotation, err := s.rotator.Rotate(ctx, req.RefreshToken, req.Scope)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrInvalidGrant):
			return nil, ErrInvalidGrant()
		case errors.Is(err, refresh.ErrInvalidScope):
			return nil, ErrInvalidScope()
		}
		s.logger.Error("Refresh rotation failed", "error", err)
		return nil, ErrServerError()
	}
	if rotation.ClientID != req.ClientID {
		// The token belongs to another client. Treat it as stolen.
		if revokeErr := s.rotator.RevokeFamily(ctx, rotation.NewJTI); revokeErr != nil {
			s.logger.Error("Failed to revoke cross-client family", "error", revokeErr)
		}
		s.auditor.LogAuthFailure("", req.ClientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant()
	}
	if s.metrics != nil {
		s.metrics.TokenRefreshed.Add(ctx, 1)
	}

	accessToken, err := s.mintAccessToken(ctx, rotation.SubjectID, rotation.ClientID, rotation.Scope, jkt, uuid.NewString())
	if err != nil {
		s.logger.Error("Failed to mint access token", "error", err)
		return nil, ErrServerError()
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenType(jkt),
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: rotation.NewJTI,
		Scope:        rotation.Scope,
	}, nil
}

// RevokeRefreshToken revokes the family the presented refresh token
// belongs to. Unknown tokens succeed silently per RFC 7009.
func (s *Server) RevokeRefreshToken(ctx context.Context, req TokenRequest) error {
	if _, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return err
	}
	if err := s.rotator.RevokeFamily(ctx, req.RefreshToken); err != nil {
		if errors.Is(err, refresh.ErrInvalidGrant) {
			return nil
		}
		s.logger.Error("Family revocation failed", "error", err)
		return ErrServerError()
	}
	if s.metrics != nil {
		s.metrics.TokenRevoked.Add(ctx, 1)
	}
	return nil
}

// RevokeAllForSubject revokes every live refresh-token family of a
// subject, e.g. on password change or account compromise. It returns the
// number of families revoked.
func (s *Server) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	revoked, err := s.rotator.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return revoked, err
	}
	if s.metrics != nil && revoked > 0 {
		s.metrics.SubjectRevocations.Add(ctx, 1)
		s.metrics.TokenRevoked.Add(ctx, int64(revoked))
	}
	return revoked, nil
}

// ValidateAccessToken verifies a minted access token the way a resource
// server would: signature against the published keyset, issuer, expiry
// with clock-skew grace, the revocation denylist, and, for
// sender-constrained tokens, a DPoP proof over the presented request.
func (s *Server) ValidateAccessToken(ctx context.Context, token, proof, method, requestURL string) (*AccessTokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: unexpected header count", ErrInvalidToken)
	}

	set, err := s.keys.PublicKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}
	matches := set.Key(parsed.Headers[0].KeyID)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: unknown signing key", ErrInvalidToken)
	}

	var claims AccessTokenClaims
	if err := parsed.Claims(matches[0].Key, &claims); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}

	if claims.Issuer != s.config.Issuer {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	grace := time.Duration(s.config.ClockSkewGrace) * time.Second
	if security.IsExpiredWithGracePeriod(time.Unix(claims.Expiry, 0), grace) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	revoked, err := s.stores.DenyList.IsJTIRevoked(ctx, claims.JTI)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}

	if claims.Confirmation != nil {
		jkt, err := s.dpop.Verify(ctx, proof, method, requestURL, token)
		if s.metrics != nil {
			s.metrics.RecordDPoPVerdict(ctx, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: DPoP proof invalid", ErrInvalidToken)
		}
		if subtle.ConstantTimeCompare([]byte(jkt), []byte(claims.Confirmation.JKT)) != 1 {
			return nil, fmt.Errorf("%w: DPoP key mismatch", ErrInvalidToken)
		}
	}

	return &claims, nil
}

// authenticateClient loads a client and checks its credentials. Every
// failure maps to invalid_client.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient()
	}
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.auditor.LogAuthFailure("", clientID, "unknown_client")
			return nil, ErrInvalidClient()
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.ClientType == "confidential" {
		if err := s.stores.Clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.auditor.LogAuthFailure("", clientID, "bad_client_secret")
			return nil, ErrInvalidClient()
		}
	} else if clientSecret != "" {
		// Public clients have no secret; presenting one is a confused or
		// misconfigured caller.
		s.auditor.LogAuthFailure("", clientID, "secret_for_public_client")
		return nil, ErrInvalidClient()
	}
	return client, nil
}

// verifyProof checks the request's DPoP proof, if present, and returns
// the key thumbprint to bind into minted tokens. No proof means a plain
// bearer request and an empty thumbprint.
func (s *Server) verifyProof(ctx context.Context, req TokenRequest, accessToken string) (string, error) {
	if req.DPoPProof == "" {
		return "", nil
	}
	jkt, err := s.dpop.Verify(ctx, req.DPoPProof, req.HTTPMethod, req.RequestURL, accessToken)
	if s.metrics != nil {
		s.metrics.RecordDPoPVerdict(ctx, err)
	}
	if err != nil {
		if dpop.IsProofError(err) {
			s.auditor.LogDPoPRejected(req.ClientID, err.Error())
			return "", ErrInvalidDPoPProof()
		}
		s.logger.Error("DPoP verification failed", "error", err)
		return "", ErrServerError()
	}
	return jkt, nil
}

// mintAccessToken signs an RFC 9068 access token under a caller-chosen
// jti.
func (s *Server) mintAccessToken(ctx context.Context, subjectID, clientID, scope, jkt, jti string) (string, error) {
	now := s.config.Now()
	claims := AccessTokenClaims{
		Issuer:   s.config.Issuer,
		Subject:  subjectID,
		Audience: s.config.Issuer,
		ClientID: clientID,
		Scope:    scope,
		JTI:      jti,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second).Unix(),
	}
	if jkt != "" {
		claims.Confirmation = &Confirmation{JKT: jkt}
	}
	token, _, err := s.keys.Sign(ctx, "at+jwt", claims)
	if err != nil {
		return "", err
	}
	return token, nil
}

// mintIDToken signs an OIDC ID token for an openid-scoped grant.
func (s *Server) mintIDToken(ctx context.Context, subjectID, clientID, nonce string) (string, error) {
	now := s.config.Now()
	claims := IDTokenClaims{
		Issuer:   s.config.Issuer,
		Subject:  subjectID,
		Audience: clientID,
		Nonce:    nonce,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(time.Duration(s.config.IDTokenTTL) * time.Second).Unix(),
		AuthTime: now.Unix(),
	}
	token, _, err := s.keys.Sign(ctx, "JWT", claims)
	return token, err
}

func tokenType(jkt string) string {
	if jkt != "" {
		return TokenTypeDPoP
	}
	return TokenTypeBearer
}

func clientAllowsGrant(client *storage.Client, grantType string) bool {
	if len(client.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	return slices.Contains(client.GrantTypes, grantType)
}

// scopeAllowed reports whether every requested scope token appears in the
// client's registered scopes. An empty registration allows anything.
func scopeAllowed(requested string, registered []string) bool {
	if len(registered) == 0 {
		return true
	}
	for _, scope := range strings.Fields(requested) {
		if !slices.Contains(registered, scope) {
			return false
		}
	}
	return true
}

func scopeContains(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}
