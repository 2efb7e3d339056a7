package discord

import "time"

// TokenPair is the provider access/refresh token pair returned by the
// token endpoint. ExpiresIn is the provider-relative lifetime; callers
// recompute an absolute expiry at write time.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
}

// Profile is the identity record behind a provider access token
type Profile struct {
	ID            int64
	Username      string
	GlobalName    string
	Avatar        string
	Locale        string
	Discriminator string
}

// wireProfile is the /users/@me response body. The id field is a string
// snowflake on the wire.
type wireProfile struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
	Locale        string `json:"locale"`
	Discriminator string `json:"discriminator"`
}
