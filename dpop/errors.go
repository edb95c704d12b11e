package dpop

import (
	"errors"
	"fmt"
)

// Sentinel errors for cache misuse and replay conditions.
var (
	// ErrReplay indicates the proof's jti was already accepted within
	// the freshness window.
	ErrReplay = errors.New("dpop: proof jti already used")

	// ErrInvalidJTI indicates an empty or malformed jti.
	ErrInvalidJTI = errors.New("dpop: invalid jti")

	// ErrJTITooLong indicates the jti exceeds MaxJTILength.
	ErrJTITooLong = errors.New("dpop: jti too long")

	// ErrCacheFull indicates the replay cache is at capacity. Callers
	// must treat this as a verification failure, never as acceptance.
	ErrCacheFull = errors.New("dpop: replay cache full")
)

// ProofError describes why a proof was rejected. The reason is safe to log
// but is never returned to the client verbatim.
type ProofError struct {
	Reason string
}

// Error implements the error interface
func (e *ProofError) Error() string {
	return "invalid DPoP proof: " + e.Reason
}

func errProof(format string, args ...any) error {
	return &ProofError{Reason: fmt.Sprintf(format, args...)}
}

// IsProofError reports whether err is a proof rejection (as opposed to an
// internal failure such as a full replay cache).
func IsProofError(err error) bool {
	var pe *ProofError
	return errors.As(err, &pe)
}
