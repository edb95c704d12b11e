package authcore

import (
	"errors"
	"net/http"
)

// OAuth error codes per RFC 6749 §5.2 and RFC 9449.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeUnsupportedResponse  = "unsupported_response_type"
	ErrCodeInvalidDPoPProof     = "invalid_dpop_proof"
	ErrCodeServerError          = "server_error"
	ErrCodeSlowDown             = "slow_down"
)

// OAuthError is an error that maps directly onto an RFC 6749 error
// response. Descriptions are written for clients and never carry internal
// detail; anything diagnostic goes to the log or audit stream instead.
type OAuthError struct {
	Code        string
	Description string
	Status      int

	// NoRedirect marks authorization-endpoint errors that must not be
	// delivered as an error redirect because the redirect URI itself was
	// never validated (unknown client, unregistered redirect_uri).
	NoRedirect bool
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// AsOAuthError extracts an OAuthError from err, if it carries one.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// ErrInvalidRequest indicates a malformed or incomplete request.
func ErrInvalidRequest(description string) *OAuthError {
	return &OAuthError{Code: ErrCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidClient indicates failed client authentication.
func ErrInvalidClient() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeInvalidClient,
		Description: "client authentication failed",
		Status:      http.StatusUnauthorized,
	}
}

// ErrInvalidGrant is the single answer to every grant failure a client can
// trigger: unknown or expired codes, reuse attacks, bad verifiers, revoked
// or replayed refresh tokens. One code, no oracle.
func ErrInvalidGrant() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeInvalidGrant,
		Description: "the provided grant is invalid, expired, or revoked",
		Status:      http.StatusBadRequest,
	}
}

// ErrInvalidScope indicates a scope request beyond what was granted or
// registered.
func ErrInvalidScope() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeInvalidScope,
		Description: "the requested scope exceeds the granted scope",
		Status:      http.StatusBadRequest,
	}
}

// ErrUnauthorizedClient indicates the client may not use this grant type.
func ErrUnauthorizedClient() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeUnauthorizedClient,
		Description: "the client is not authorized to use this grant type",
		Status:      http.StatusBadRequest,
	}
}

// ErrUnsupportedGrantType indicates an unknown grant_type value.
func ErrUnsupportedGrantType() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeUnsupportedGrantType,
		Description: "the grant type is not supported",
		Status:      http.StatusBadRequest,
	}
}

// ErrUnsupportedResponseType indicates a response_type other than "code".
func ErrUnsupportedResponseType() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeUnsupportedResponse,
		Description: "only the code response type is supported",
		Status:      http.StatusBadRequest,
	}
}

// ErrInvalidDPoPProof indicates a missing or unverifiable DPoP proof.
func ErrInvalidDPoPProof() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeInvalidDPoPProof,
		Description: "the DPoP proof is missing or invalid",
		Status:      http.StatusBadRequest,
	}
}

// ErrServerError indicates an internal failure.
func ErrServerError() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeServerError,
		Description: "an internal error occurred",
		Status:      http.StatusInternalServerError,
	}
}

// ErrSlowDown indicates the caller is being rate limited.
func ErrSlowDown() *OAuthError {
	return &OAuthError{
		Code:        ErrCodeSlowDown,
		Description: "too many requests",
		Status:      http.StatusTooManyRequests,
	}
}
