package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("12345"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := ValidatePassword("123456"); err != nil {
		t.Fatalf("expected six characters to pass, got %v", err)
	}
}

func TestValidateEmail(t *testing.T) {
	got, err := ValidateEmail("  Ana@Example.COM ")
	if err != nil || got != "ana@example.com" {
		t.Fatalf("expected normalized email, got %q (%v)", got, err)
	}
	for _, bad := range []string{"", "ana", "Ana <ana@example.com>"} {
		if _, err := ValidateEmail(bad); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("expected ErrInvalidEmail for %q, got %v", bad, err)
		}
	}
}

func TestAuthService_HashAndVerifyPassword(t *testing.T) {
	svc := NewAuthService(newFakeRedis())

	hash, err := svc.HashPassword("segredo")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !svc.VerifyPassword(&hash, "segredo") {
		t.Fatal("expected password to verify")
	}
	if svc.VerifyPassword(&hash, "errado") {
		t.Fatal("expected wrong password to fail")
	}
	if svc.VerifyPassword(nil, "segredo") {
		t.Fatal("expected account without password to fail")
	}
}

func TestAuthService_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	svc := NewAuthService(rdb)
	userID := uuid.New()

	token, err := svc.CreateSession(ctx, userID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if rdb.ttls[sessionKeyPrefix+token] != SessionDuration {
		t.Fatalf("expected session TTL %v, got %v", SessionDuration, rdb.ttls[sessionKeyPrefix+token])
	}

	rdb.ttls[sessionKeyPrefix+token] = 0
	got, err := svc.ValidateSession(ctx, token)
	if err != nil || got != userID {
		t.Fatalf("expected session to resolve to %s, got %s (%v)", userID, got, err)
	}
	if rdb.ttls[sessionKeyPrefix+token] != SessionDuration {
		t.Fatal("expected validation to refresh TTL")
	}

	if err := svc.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := svc.ValidateSession(ctx, token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after logout, got %v", err)
	}

	events := rdb.Published(SessionEventsChannel)
	if len(events) != 2 {
		t.Fatalf("expected login and logout events only, got %v", events)
	}
	var login, logout SessionEvent
	_ = json.Unmarshal([]byte(events[0]), &login)
	_ = json.Unmarshal([]byte(events[1]), &logout)
	if login.Type != SessionEventLogin || login.UserID != userID.String() || login.Session != HashSessionToken(token) {
		t.Fatalf("unexpected login event: %+v", login)
	}
	if logout.Type != SessionEventLogout || logout.Session != HashSessionToken(token) {
		t.Fatalf("unexpected logout event: %+v", logout)
	}
}

func TestAuthService_ValidateSessionRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rdb.values[sessionKeyPrefix+"bad"] = "not-a-uuid"
	svc := NewAuthService(rdb)

	if _, err := svc.ValidateSession(ctx, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty token, got %v", err)
	}
	if _, err := svc.ValidateSession(ctx, "bad"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for corrupt session, got %v", err)
	}

	rdb.GetErr = errors.New("redis down")
	if _, err := svc.ValidateSession(ctx, "x"); err == nil || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestAuthService_PublishFailureDoesNotFailLogin(t *testing.T) {
	rdb := newFakeRedis()
	rdb.PublishErr = errors.New("publish failed")
	svc := NewAuthService(rdb)

	if _, err := svc.CreateSession(context.Background(), uuid.New()); err != nil {
		t.Fatalf("expected session despite publish failure, got %v", err)
	}
}

func TestAuthService_PasswordResetTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	svc := NewAuthService(rdb)
	userID := uuid.New()

	token, err := svc.CreatePasswordResetToken(ctx, userID)
	if err != nil {
		t.Fatalf("create reset token: %v", err)
	}
	if rdb.ttls[passwordResetKeyPrefix+token] != PasswordResetDuration {
		t.Fatalf("expected reset TTL of one hour")
	}

	got, err := svc.ConsumePasswordResetToken(ctx, token)
	if err != nil || got != userID {
		t.Fatalf("expected token to resolve, got %s (%v)", got, err)
	}
	if _, err := svc.ConsumePasswordResetToken(ctx, token); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected second use to fail, got %v", err)
	}
	if _, err := svc.ConsumePasswordResetToken(ctx, " "); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected blank token to fail, got %v", err)
	}
}

func TestAuthService_LookupPasswordResetTokenDoesNotSpendIt(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	svc := NewAuthService(rdb)
	userID := uuid.New()

	token, err := svc.CreatePasswordResetToken(ctx, userID)
	if err != nil {
		t.Fatalf("create reset token: %v", err)
	}
	for i := 0; i < 2; i++ {
		if got, err := svc.LookupPasswordResetToken(ctx, token); err != nil || got != userID {
			t.Fatalf("lookup %d: expected %s, got %s (%v)", i, userID, got, err)
		}
	}
	if _, err := svc.ConsumePasswordResetToken(ctx, token); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := svc.LookupPasswordResetToken(ctx, token); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected spent token to be invalid, got %v", err)
	}
}

func TestAuthService_RevokeUserSessions(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	svc := NewAuthService(rdb)
	userID, otherID := uuid.New(), uuid.New()

	first, _ := svc.CreateSession(ctx, userID)
	second, _ := svc.CreateSession(ctx, userID)
	other, _ := svc.CreateSession(ctx, otherID)

	if err := svc.RevokeUserSessions(ctx, userID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, token := range []string{first, second} {
		if _, err := svc.ValidateSession(ctx, token); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected revoked session, got %v", err)
		}
	}
	if got, err := svc.ValidateSession(ctx, other); err != nil || got != otherID {
		t.Fatalf("expected other user's session to survive, got %s (%v)", got, err)
	}
	if _, ok := rdb.sets[userSessionsKeyPrefix+userID.String()]; ok {
		t.Fatal("expected session index removed")
	}

	logouts := map[string]bool{}
	for _, payload := range rdb.Published(SessionEventsChannel) {
		var event SessionEvent
		_ = json.Unmarshal([]byte(payload), &event)
		if event.Type == SessionEventLogout {
			logouts[event.Session] = true
		}
	}
	if !logouts[HashSessionToken(first)] || !logouts[HashSessionToken(second)] || logouts[HashSessionToken(other)] {
		t.Fatalf("unexpected logout events %v", logouts)
	}
}

func TestAuthService_DeleteSessionUnindexes(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	svc := NewAuthService(rdb)
	userID := uuid.New()

	token, _ := svc.CreateSession(ctx, userID)
	if _, ok := rdb.sets[userSessionsKeyPrefix+userID.String()][token]; !ok {
		t.Fatal("expected session indexed for its user")
	}
	if err := svc.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(rdb.sets[userSessionsKeyPrefix+userID.String()]) != 0 {
		t.Fatal("expected index entry removed on logout")
	}
}

func TestAuthService_CreateSessionFailsWithoutIndex(t *testing.T) {
	ctx := context.Background()
	rdb := &indexFailingRedis{fakeRedis: newFakeRedis()}
	svc := NewAuthService(rdb)

	if _, err := svc.CreateSession(ctx, uuid.New()); err == nil {
		t.Fatal("expected error when the session cannot be indexed")
	}
	if len(rdb.values) != 0 {
		t.Fatalf("expected unindexed session removed, got %v", rdb.values)
	}
}

type indexFailingRedis struct {
	*fakeRedis
}

func (r *indexFailingRedis) SAdd(ctx context.Context, key string, members ...any) error {
	return errors.New("redis down")
}
