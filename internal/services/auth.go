package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/nicedonate/nicedonate/internal/logging"
)

const (
	SessionDuration       = 30 * 24 * time.Hour
	PasswordResetDuration = time.Hour
	MinPasswordLength     = 6

	// SessionEventsChannel carries login and logout events as JSON.
	SessionEventsChannel = "auth:sessions"

	sessionKeyPrefix       = "session:"
	userSessionsKeyPrefix  = "user_sessions:"
	passwordResetKeyPrefix = "password_reset:"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

type SessionEventType string

const (
	SessionEventLogin  SessionEventType = "login"
	SessionEventLogout SessionEventType = "logout"
)

// SessionEvent is published on SessionEventsChannel. Session holds the sha256
// of the token so raw tokens never travel over pub/sub.
type SessionEvent struct {
	Type    SessionEventType `json:"type"`
	Session string           `json:"session"`
	UserID  string           `json:"user_id,omitempty"`
}

type AuthServiceInterface interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash *string, password string) bool
	CreateSession(ctx context.Context, userID uuid.UUID) (string, error)
	ValidateSession(ctx context.Context, token string) (uuid.UUID, error)
	DeleteSession(ctx context.Context, token string) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID) error
	CreatePasswordResetToken(ctx context.Context, userID uuid.UUID) (string, error)
	LookupPasswordResetToken(ctx context.Context, token string) (uuid.UUID, error)
	ConsumePasswordResetToken(ctx context.Context, token string) (uuid.UUID, error)
}

type AuthService struct {
	redis RedisClient
}

func NewAuthService(redis RedisClient) *AuthService {
	return &AuthService{redis: redis}
}

// ValidatePassword enforces the local password rules.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// ValidateEmail normalizes and checks an email address.
func ValidateEmail(email string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword returns false for accounts without a password.
func (s *AuthService) VerifyPassword(hash *string, password string) bool {
	if hash == nil || *hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) == nil
}

func (s *AuthService) CreateSession(ctx context.Context, userID uuid.UUID) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if err := s.redis.Set(ctx, sessionKeyPrefix+token, userID.String(), SessionDuration); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	// The per-user index is what RevokeUserSessions walks.
	index := userSessionsKeyPrefix + userID.String()
	if err := s.redis.SAdd(ctx, index, token); err != nil {
		_ = s.redis.Del(ctx, sessionKeyPrefix+token)
		return "", fmt.Errorf("indexing session: %w", err)
	}
	if err := s.redis.Expire(ctx, index, SessionDuration); err != nil {
		logging.Warn("Failed to refresh session index TTL", map[string]interface{}{"error": err.Error()})
	}

	s.publish(ctx, SessionEvent{Type: SessionEventLogin, Session: HashSessionToken(token), UserID: userID.String()})
	return token, nil
}

// ValidateSession resolves a token to its user and slides the expiry forward.
// Refreshing the TTL publishes nothing.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrSessionNotFound
	}

	value, err := s.redis.Get(ctx, sessionKeyPrefix+token)
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("getting session: %w", err)
	}

	userID, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, ErrSessionNotFound
	}

	if err := s.redis.Expire(ctx, sessionKeyPrefix+token, SessionDuration); err != nil {
		logging.Warn("Failed to refresh session TTL", map[string]interface{}{"error": err.Error()})
	}
	if err := s.redis.Expire(ctx, userSessionsKeyPrefix+value, SessionDuration); err != nil {
		logging.Warn("Failed to refresh session index TTL", map[string]interface{}{"error": err.Error()})
	}

	return userID, nil
}

func (s *AuthService) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	owner, err := s.redis.GetDel(ctx, sessionKeyPrefix+token)
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("deleting session: %w", err)
	}
	if owner != "" {
		if err := s.redis.SRem(ctx, userSessionsKeyPrefix+owner, token); err != nil {
			logging.Warn("Failed to unindex session", map[string]interface{}{"error": err.Error()})
		}
	}
	s.publish(ctx, SessionEvent{Type: SessionEventLogout, Session: HashSessionToken(token)})
	return nil
}

// RevokeUserSessions signs the user out everywhere. Each revoked session
// gets a logout event.
func (s *AuthService) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	index := userSessionsKeyPrefix + userID.String()
	tokens, err := s.redis.SMembers(ctx, index)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, sessionKeyPrefix+token)
	}
	keys = append(keys, index)
	if err := s.redis.Del(ctx, keys...); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}

	for _, token := range tokens {
		s.publish(ctx, SessionEvent{Type: SessionEventLogout, Session: HashSessionToken(token)})
	}
	return nil
}

func (s *AuthService) CreatePasswordResetToken(ctx context.Context, userID uuid.UUID) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, passwordResetKeyPrefix+token, userID.String(), PasswordResetDuration); err != nil {
		return "", fmt.Errorf("storing reset token: %w", err)
	}
	return token, nil
}

// LookupPasswordResetToken resolves a reset token without spending it, so a
// failed password update leaves the link usable.
func (s *AuthService) LookupPasswordResetToken(ctx context.Context, token string) (uuid.UUID, error) {
	return s.readResetToken(ctx, token, s.redis.Get)
}

// ConsumePasswordResetToken is single use: the token is removed on read.
func (s *AuthService) ConsumePasswordResetToken(ctx context.Context, token string) (uuid.UUID, error) {
	return s.readResetToken(ctx, token, s.redis.GetDel)
}

func (s *AuthService) readResetToken(ctx context.Context, token string, read func(context.Context, string) (string, error)) (uuid.UUID, error) {
	if strings.TrimSpace(token) == "" {
		return uuid.Nil, ErrInvalidResetToken
	}
	value, err := read(ctx, passwordResetKeyPrefix+token)
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrInvalidResetToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading reset token: %w", err)
	}
	userID, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, ErrInvalidResetToken
	}
	return userID, nil
}

func (s *AuthService) publish(ctx context.Context, event SessionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, SessionEventsChannel, payload); err != nil {
		logging.Warn("Failed to publish session event", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

// HashSessionToken identifies a session without exposing its token.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
