package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

type Provider string

const (
	ProviderGoogle Provider = "google"
)

var ErrNonceMismatch = errors.New("id token nonce mismatch")

// ParseProvider maps a route segment such as "google" to a known provider.
func ParseProvider(name string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if p == ProviderGoogle {
		return p, true
	}
	return "", false
}

// IdentityClaims are what a provider vouches for after a successful login.
type IdentityClaims struct {
	Provider      Provider
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

type OAuthProvider interface {
	Provider() Provider
	AuthCodeURL(state, nonce string) string
	ExchangeAndVerify(ctx context.Context, code, nonce string) (IdentityClaims, error)
}

type OIDCProviderConfig struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	RedirectURL  string
	IssuerURL    string
	Scopes       []string
}

func (c OIDCProviderConfig) validate() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"provider", string(c.Provider)},
		{"client id", c.ClientID},
		{"client secret", c.ClientSecret},
		{"redirect url", c.RedirectURL},
		{"issuer url", c.IssuerURL},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("oidc %s: missing %s", c.Provider, strings.Join(missing, ", "))
	}
	return nil
}

// OIDCProvider signs users in through an OpenID Connect issuer discovered at
// startup.
type OIDCProvider struct {
	provider Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
}

func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	issuer, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering %s issuer: %w", cfg.Provider, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &OIDCProvider{
		provider: cfg.Provider,
		verifier: issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     issuer.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

func (p *OIDCProvider) Provider() Provider {
	return p.provider
}

func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce))
}

func (p *OIDCProvider) ExchangeAndVerify(ctx context.Context, code, nonce string) (IdentityClaims, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("exchanging authorization code: %w", err)
	}
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return IdentityClaims{}, errors.New("token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("verifying id token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return IdentityClaims{}, ErrNonceMismatch
	}

	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return IdentityClaims{}, fmt.Errorf("decoding id token claims: %w", err)
	}
	return claims.identity(p.provider), nil
}

type oidcClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
}

// identity prefers the given name for display, then the full name, then the
// mailbox part of the email.
func (c oidcClaims) identity(provider Provider) IdentityClaims {
	email := normalizeEmail(c.Email)
	name := strings.TrimSpace(c.GivenName)
	if name == "" {
		name = strings.TrimSpace(c.Name)
	}
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	return IdentityClaims{
		Provider:      provider,
		Subject:       strings.TrimSpace(c.Subject),
		Email:         email,
		EmailVerified: c.EmailVerified,
		Name:          name,
	}
}
