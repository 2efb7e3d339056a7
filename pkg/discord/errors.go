package discord

import "errors"

var (
	// ErrInvalidGrant means the authorization code was rejected by the
	// provider. Codes are single-use; the login attempt is terminal.
	ErrInvalidGrant = errors.New("authorization code rejected by provider")

	// ErrRefreshInvalid means the refresh token was rejected. The old
	// refresh token must not be reused after this.
	ErrRefreshInvalid = errors.New("refresh token rejected by provider")

	// ErrTokenInvalid means the provider rejected the access token on an
	// identity fetch.
	ErrTokenInvalid = errors.New("access token rejected by provider")

	// ErrNetwork means the provider was unreachable or timed out.
	ErrNetwork = errors.New("provider unreachable")

	// ErrServer means the provider answered with a 5xx.
	ErrServer = errors.New("provider server error")
)
