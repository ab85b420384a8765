package services

import (
	"context"
	"strings"
	"testing"
)

func TestParseProvider(t *testing.T) {
	for _, name := range []string{"google", " Google ", "GOOGLE"} {
		if p, ok := ParseProvider(name); !ok || p != ProviderGoogle {
			t.Fatalf("ParseProvider(%q) = %q, %v", name, p, ok)
		}
	}
	for _, name := range []string{"", "github", "google2"} {
		if _, ok := ParseProvider(name); ok {
			t.Fatalf("ParseProvider(%q) should fail", name)
		}
	}
}

func TestNewOIDCProvider_RejectsIncompleteConfig(t *testing.T) {
	_, err := NewOIDCProvider(context.Background(), OIDCProviderConfig{
		Provider:  ProviderGoogle,
		ClientID:  "client",
		IssuerURL: "https://accounts.google.com",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"client secret", "redirect url"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %q in %q", field, err)
		}
	}
	if strings.Contains(err.Error(), "client id") {
		t.Fatalf("client id was set: %q", err)
	}
}

func TestOIDCClaims_Identity(t *testing.T) {
	tests := []struct {
		name   string
		claims oidcClaims
		want   string
	}{
		{"given name", oidcClaims{GivenName: " Ana ", Name: "Ana Souza", Email: "ana@example.com"}, "Ana"},
		{"full name", oidcClaims{Name: "Ana Souza", Email: "ana@example.com"}, "Ana Souza"},
		{"email fallback", oidcClaims{Email: "Ana.Souza@Example.com"}, "ana.souza"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.claims.identity(ProviderGoogle)
			if got.Name != tt.want {
				t.Fatalf("expected name %q, got %q", tt.want, got.Name)
			}
			if got.Provider != ProviderGoogle || got.Email != strings.ToLower(strings.TrimSpace(tt.claims.Email)) {
				t.Fatalf("unexpected identity %+v", got)
			}
		})
	}
}
