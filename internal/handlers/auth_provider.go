package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/services"
)

const (
	oauthStateCookieName = "oauth_state"
	oauthNonceCookieName = "oauth_nonce"
	oauthNextCookieName  = "oauth_next"
	oauthCookieMaxAge    = 10 * 60 // 10 minutes

	defaultSignInTarget = "#feed"
)

type ProviderAuthHandler struct {
	providerAuth services.ProviderAuthServiceInterface
	authService  services.AuthServiceInterface
	providers    map[services.Provider]services.OAuthProvider
	secure       bool
}

func NewProviderAuthHandler(providerAuth services.ProviderAuthServiceInterface, authService services.AuthServiceInterface, providers map[services.Provider]services.OAuthProvider, secure bool) *ProviderAuthHandler {
	return &ProviderAuthHandler{
		providerAuth: providerAuth,
		authService:  authService,
		providers:    providers,
		secure:       secure,
	}
}

// ProviderStart sends the browser to the provider's consent page. State and
// nonce travel in short-lived cookies and are checked on the way back.
func (h *ProviderAuthHandler) ProviderStart(w http.ResponseWriter, r *http.Request) {
	provider := h.getProvider(r)
	if provider == nil {
		http.NotFound(w, r)
		return
	}

	var tokens [2]string
	for i := range tokens {
		token, err := generateSecureToken(32)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to start provider auth")
			return
		}
		tokens[i] = token
	}
	state, nonce := tokens[0], tokens[1]

	h.flowCookie(w, oauthStateCookieName, state)
	h.flowCookie(w, oauthNonceCookieName, nonce)
	// An empty next clears any target left by an abandoned attempt.
	h.flowCookie(w, oauthNextCookieName, sanitizeNext(r.URL.Query().Get("next")))

	http.Redirect(w, r, provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// ProviderCallback finishes the code flow, signs the user in and redirects to
// the hash route saved at start. Failures land on the login route with a
// short error code.
func (h *ProviderAuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider := h.getProvider(r)
	if provider == nil {
		http.NotFound(w, r)
		return
	}

	code, nonce, reason := readCallback(r)
	if reason != "" {
		h.failSignIn(w, r, reason)
		return
	}

	claims, err := provider.ExchangeAndVerify(r.Context(), code, nonce)
	if err != nil {
		logging.Warn("Provider exchange failed", map[string]interface{}{
			"provider": string(provider.Provider()),
			"error":    err.Error(),
		})
		h.failSignIn(w, r, "oauth_exchange")
		return
	}

	user, err := h.providerAuth.SignIn(r.Context(), claims)
	switch {
	case errors.Is(err, services.ErrProviderEmailUnverified):
		h.failSignIn(w, r, "oauth_unverified")
		return
	case err != nil:
		logging.Error("Provider sign-in failed", map[string]interface{}{
			"provider": string(provider.Provider()),
			"error":    err.Error(),
		})
		h.failSignIn(w, r, "oauth_link")
		return
	}

	h.flowCookie(w, oauthStateCookieName, "")
	h.flowCookie(w, oauthNonceCookieName, "")

	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		logging.Error("Provider session failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	setSessionCookie(w, token, h.secure)

	target := defaultSignInTarget
	if c, err := r.Cookie(oauthNextCookieName); err == nil {
		if next := sanitizeNext(c.Value); next != "" {
			target = next
		}
	}
	h.flowCookie(w, oauthNextCookieName, "")
	http.Redirect(w, r, "/"+target, http.StatusFound)
}

// readCallback checks the provider response against the flow cookies. A
// non-empty reason is the login error code to report.
func readCallback(r *http.Request) (code, nonce, reason string) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		return "", "", providerErr
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return "", "", "oauth_missing"
	}

	stateCookie, err := r.Cookie(oauthStateCookieName)
	if err != nil || !secureCompare(stateCookie.Value, state) {
		return "", "", "oauth_invalid"
	}
	nonceCookie, err := r.Cookie(oauthNonceCookieName)
	if err != nil || nonceCookie.Value == "" {
		return "", "", "oauth_invalid"
	}
	return code, nonceCookie.Value, ""
}

func (h *ProviderAuthHandler) getProvider(r *http.Request) services.OAuthProvider {
	key, ok := services.ParseProvider(r.PathValue("provider"))
	if !ok {
		return nil
	}
	return h.providers[key]
}

// flowCookie sets a sign-in flow cookie, or expires it when value is empty.
func (h *ProviderAuthHandler) flowCookie(w http.ResponseWriter, name, value string) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   oauthCookieMaxAge,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
	}
	http.SetCookie(w, cookie)
}

func (h *ProviderAuthHandler) failSignIn(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, "/#login?error="+sanitizeErrorParam(reason), http.StatusFound)
}

func generateSecureToken(size int) (string, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func secureCompare(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// sanitizeNext only accepts in-app hash routes.
func sanitizeNext(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "#") {
		return ""
	}
	if strings.ContainsAny(value, "\r\n") {
		return ""
	}
	return value
}

const maxErrorParamLen = 60

// sanitizeErrorParam keeps provider error codes that are safe to echo into a
// URL fragment.
func sanitizeErrorParam(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > maxErrorParamLen {
		value = value[:maxErrorParamLen]
	}
	if value == "" || strings.IndexFunc(value, notErrorCodeRune) >= 0 {
		return "oauth_error"
	}
	return value
}

func notErrorCodeRune(r rune) bool {
	switch {
	case r == '-', r == '_':
		return false
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return true
}
