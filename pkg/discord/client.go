// Package discord implements the OAuth2 credential exchange client for the
// Discord identity provider: authorization-code exchange, identity fetch,
// token refresh and best-effort revocation. It performs network I/O only and
// mutates no local state.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/keeperhq/keeper/pkg/config"
)

// Client talks to the Discord OAuth2 endpoints
type Client struct {
	cfg   config.DiscordConfig
	oauth *oauth2.Config
	http  *http.Client
}

// NewClient creates a new provider client
func NewClient(cfg config.DiscordConfig) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	return &Client{
		cfg:   cfg,
		oauth: oauthCfg,
		http:  &http.Client{Timeout: timeout},
	}
}

// AuthCodeURL returns the provider authorization URL for the given state
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode exchanges a one-time authorization code for a token pair.
// Callers must not retry on failure: authorization codes are single-use.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError(err, ErrInvalidGrant)
	}

	return tokenPairFrom(tok), nil
}

// Refresh exchanges a refresh token for a new token pair. The old refresh
// token is unusable after this call regardless of outcome.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err, ErrRefreshInvalid)
	}

	pair := tokenPairFrom(tok)
	if pair.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep the current one.
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// FetchIdentity retrieves the profile associated with a provider access token
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: identity fetch returned %d", ErrTokenInvalid, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: identity fetch returned %d", ErrServer, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: identity fetch returned %d", ErrServer, resp.StatusCode)
	}

	var wire wireProfile
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}

	id, err := strconv.ParseInt(wire.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q in identity response: %w", wire.ID, err)
	}

	return &Profile{
		ID:            id,
		Username:      wire.Username,
		GlobalName:    wire.GlobalName,
		Avatar:        wire.Avatar,
		Locale:        wire.Locale,
		Discriminator: wire.Discriminator,
	}, nil
}

// Revoke asks the provider to revoke a token. Best effort: failures must not
// block local logout cleanup.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: revoke returned %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

// classifyTokenError maps an oauth2 exchange/refresh failure to the
// package error taxonomy. grantErr is the rejection sentinel for the
// grant type in play.
func classifyTokenError(err error, grantErr error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_request" {
			return fmt.Errorf("%w: %s", grantErr, retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil {
			if retrieveErr.Response.StatusCode >= 500 {
				return fmt.Errorf("%w: token endpoint returned %d", ErrServer, retrieveErr.Response.StatusCode)
			}
			if retrieveErr.Response.StatusCode >= 400 {
				return fmt.Errorf("%w: token endpoint returned %d", grantErr, retrieveErr.Response.StatusCode)
			}
		}
		return fmt.Errorf("%w: %v", ErrServer, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// tokenPairFrom converts an oauth2 token to the package's wire-neutral pair
func tokenPairFrom(tok *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		pair.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = time.Until(tok.Expiry)
	}
	return pair
}
