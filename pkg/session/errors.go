package session

import "errors"

var (
	// ErrInvalidCode means the authorization code was rejected by the
	// provider. Codes are single-use; the client must restart the flow.
	ErrInvalidCode = errors.New("authorization code rejected")

	// ErrUpstreamUnavailable means the provider could not be reached or
	// answered with a server error
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")

	// ErrNoSession means the presented session key has no binding
	ErrNoSession = errors.New("no active session")

	// ErrSessionExpired means the session existed but has lapsed
	ErrSessionExpired = errors.New("session expired")

	// ErrAccountInactive means the account is deactivated
	ErrAccountInactive = errors.New("account is inactive")

	// ErrTokenInvalid means the signed token failed verification
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired means the signed token's lifetime has lapsed
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked means the token id is on the revocation list
	ErrTokenRevoked = errors.New("token revoked")

	// ErrWrongTokenType means a token of one kind was presented where
	// another kind is required
	ErrWrongTokenType = errors.New("wrong token type")

	// ErrPermissionDenied means the caller authenticated but lacks a
	// required role
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTokenAlreadyExpired means revocation was requested for a token
	// that has already lapsed; there is nothing to revoke
	ErrTokenAlreadyExpired = errors.New("token already expired")

	// ErrInvalidClient means a service client id/secret pair did not match
	// the registry
	ErrInvalidClient = errors.New("invalid service client credentials")
)
