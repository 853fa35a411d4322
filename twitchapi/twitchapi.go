// Package twitchapi refreshes the bot's Twitch user OAuth token. The chat
// connection needs a user token with chat scopes; an app access token will
// not work for IRC.
package twitchapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Refresher exchanges a refresh token for a fresh Twitch user access token.
type Refresher struct {
	ClientID     string
	ClientSecret string

	// Endpoint overrides the Twitch token URL; tests point it at a local server.
	Endpoint oauth2.Endpoint
}

// Refresh performs a refresh_token grant and returns the new access token,
// refresh token, absolute expiry, and granted scope. The signature matches
// oauth.RefreshFunc so it plugs straight into the scheduled refresher.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	if r.ClientID == "" || r.ClientSecret == "" || refreshToken == "" {
		return "", "", time.Time{}, "", errors.New("missing clientID/clientSecret/refreshToken")
	}
	ep := r.Endpoint
	if ep.TokenURL == "" {
		ep = endpoints.Twitch
	}
	cfg := oauth2.Config{ClientID: r.ClientID, ClientSecret: r.ClientSecret, Endpoint: ep}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	exp := tok.Expiry
	if exp.IsZero() {
		// Twitch always reports expires_in; default defensively anyway.
		exp = time.Now().Add(60 * time.Minute)
	}
	return tok.AccessToken, tok.RefreshToken, exp, scopeString(tok), nil
}

// scopeString flattens the scope field of a token response. Twitch returns a
// JSON array where most providers return a space-separated string.
func scopeString(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
