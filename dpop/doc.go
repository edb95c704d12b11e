// Package dpop implements verification of DPoP proofs (RFC 9449) for
// sender-constrained tokens. A proof is a client-signed JWT carrying the
// client's public key in its header; on success the validator returns the
// RFC 7638 thumbprint of that key, which the token issuer embeds as
// cnf.jkt in any token minted for the request.
//
// Verification is stateless apart from a small replay cache keyed by the
// proof's jti, bounded in size and TTL to the proof freshness window.
package dpop
