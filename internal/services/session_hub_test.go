package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSessionResolver struct {
	mu       sync.Mutex
	sessions map[string]uuid.UUID
	err      error
}

func (f *fakeSessionResolver) ValidateSession(ctx context.Context, token string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	id, ok := f.sessions[token]
	if !ok {
		return uuid.Nil, ErrSessionNotFound
	}
	return id, nil
}

func receiveIdentity(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for identity")
	}
	return ""
}

// awaitIdentity reads until want arrives. Latest-wins delivery may repeat a
// value when an event and a lookup race.
func awaitIdentity(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for %q", want)
			}
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for identity %q", want)
		}
	}
}

func TestSessionHub_ObserveEmitsCurrentIdentity(t *testing.T) {
	userID := uuid.New()
	resolver := &fakeSessionResolver{sessions: map[string]uuid.UUID{"tok": userID}}
	hub := NewSessionHub(resolver, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	watch, err := hub.Observe(context.Background(), "tok")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer watch.Stop()
	if got := receiveIdentity(t, watch.Identities()); got != userID.String() {
		t.Fatalf("expected %s, got %q", userID, got)
	}

	unknown, err := hub.Observe(context.Background(), "missing")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer unknown.Stop()
	if got := receiveIdentity(t, unknown.Identities()); got != "" {
		t.Fatalf("expected signed out identity, got %q", got)
	}
}

func TestSessionHub_ObserveWithoutToken(t *testing.T) {
	hub := NewSessionHub(&fakeSessionResolver{}, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	watch, err := hub.Observe(context.Background(), "")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got := receiveIdentity(t, watch.Identities()); got != "" {
		t.Fatalf("expected empty identity, got %q", got)
	}
	watch.Stop()
	watch.Stop()
}

func TestSessionHub_ObserveResolverError(t *testing.T) {
	resolver := &fakeSessionResolver{err: errors.New("redis down")}
	hub := NewSessionHub(resolver, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	if _, err := hub.Observe(context.Background(), "tok"); err == nil {
		t.Fatal("expected resolver error")
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.observers) != 0 {
		t.Fatalf("expected failed observer to be removed, got %d", len(hub.observers))
	}
}

func TestSessionHub_AnonymousViewerSignsInAndOut(t *testing.T) {
	rdb := newFakeRedis()
	auth := NewAuthService(rdb)
	hub := NewSessionHub(auth, rdb, SessionHubOptions{Logger: quietLogger()})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go hub.Run(ctx)
	waitForSubscriber(t, rdb)

	watch, err := hub.Observe(ctx, "")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer watch.Stop()
	if got := receiveIdentity(t, watch.Identities()); got != "" {
		t.Fatalf("expected anonymous identity, got %q", got)
	}

	userID := uuid.New()
	token, err := auth.CreateSession(ctx, userID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := watch.Rebind(ctx, token); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	awaitIdentity(t, watch.Identities(), userID.String())

	if err := auth.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	awaitIdentity(t, watch.Identities(), "")

	// Events for other sessions are ignored.
	other, err := auth.CreateSession(ctx, uuid.New())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := auth.DeleteSession(ctx, other); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	select {
	case got := <-watch.Identities():
		t.Fatalf("unexpected identity %q for unrelated session", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSessionHub_RebindLeavesPreviousSession(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	resolver := &fakeSessionResolver{sessions: map[string]uuid.UUID{"a": first, "b": second}}
	hub := NewSessionHub(resolver, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	watch, err := hub.Observe(context.Background(), "a")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer watch.Stop()
	receiveIdentity(t, watch.Identities())

	if err := watch.Rebind(context.Background(), "b"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if got := receiveIdentity(t, watch.Identities()); got != second.String() {
		t.Fatalf("expected %s after rebind, got %q", second, got)
	}

	hub.handleMessage(context.Background(), PubSubMessage{
		Payload: `{"type":"logout","session":"` + HashSessionToken("a") + `"}`,
	})
	select {
	case got := <-watch.Identities():
		t.Fatalf("previous session leaked identity %q", got)
	default:
	}

	hub.handleMessage(context.Background(), PubSubMessage{
		Payload: `{"type":"logout","session":"` + HashSessionToken("b") + `"}`,
	})
	if got := receiveIdentity(t, watch.Identities()); got != "" {
		t.Fatalf("expected logout to clear identity, got %q", got)
	}

	if err := watch.Rebind(context.Background(), ""); err != nil {
		t.Fatalf("rebind anonymous: %v", err)
	}
	hub.mu.Lock()
	observed := len(hub.observers)
	hub.mu.Unlock()
	if observed != 0 {
		t.Fatalf("expected anonymous watch to leave no session sets, got %d", observed)
	}
}

func TestSessionHub_StopClosesChannel(t *testing.T) {
	resolver := &fakeSessionResolver{sessions: map[string]uuid.UUID{"tok": uuid.New()}}
	hub := NewSessionHub(resolver, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	watch, err := hub.Observe(context.Background(), "tok")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	watch.Stop()
	watch.Stop()

	hub.handleMessage(context.Background(), PubSubMessage{
		Channel: SessionEventsChannel,
		Payload: `{"type":"logout","session":"` + HashSessionToken("tok") + `"}`,
	})

	for range watch.Identities() {
	}
	if err := watch.Rebind(context.Background(), "tok"); !errors.Is(err, ErrWatchStopped) {
		t.Fatalf("expected ErrWatchStopped, got %v", err)
	}
}

func TestSessionHub_MalformedEventIgnored(t *testing.T) {
	resolver := &fakeSessionResolver{sessions: map[string]uuid.UUID{"tok": uuid.New()}}
	hub := NewSessionHub(resolver, newFakeRedis(), SessionHubOptions{Logger: quietLogger()})

	watch, err := hub.Observe(context.Background(), "tok")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer watch.Stop()
	receiveIdentity(t, watch.Identities())

	hub.handleMessage(context.Background(), PubSubMessage{Payload: "not json"})
	hub.handleMessage(context.Background(), PubSubMessage{Payload: `{"type":"refresh","session":"` + HashSessionToken("tok") + `"}`})

	select {
	case got := <-watch.Identities():
		t.Fatalf("unexpected identity %q", got)
	default:
	}
}
