package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicedonate/nicedonate/internal/logging"
)

// SessionResolver maps a session token to its user.
type SessionResolver interface {
	ValidateSession(ctx context.Context, token string) (uuid.UUID, error)
}

type SessionHubOptions struct {
	ResolveTimeout time.Duration
	RetryDelay     time.Duration
	Logger         *logging.Logger
}

// SessionHub tells observers who is signed in on a session, now and after
// every login or logout event for it. Identities are user ids, or "" when
// signed out.
type SessionHub struct {
	resolver   SessionResolver
	subscriber Subscriber
	timeout    time.Duration
	retryDelay time.Duration
	logger     *logging.Logger

	mu        sync.Mutex
	observers map[string]map[*sessionObserver]struct{}
}

// IdentityWatch follows the identity behind one session token, latest value
// wins. Rebind moves the watch to another token, as when a viewer signs in
// after the watch was opened.
type IdentityWatch interface {
	Identities() <-chan string
	Rebind(ctx context.Context, token string) error
	Stop()
}

var ErrWatchStopped = errors.New("identity watch stopped")

type sessionObserver struct {
	hub   *SessionHub
	token string
	key   string
	ch    chan string
	// gen counts rebinds so a lookup for a previous token is dropped.
	gen int
	// seen is set once an event has been delivered, so a slower initial
	// lookup never overwrites it.
	seen    bool
	stopped bool
}

func NewSessionHub(resolver SessionResolver, subscriber Subscriber, opts SessionHubOptions) *SessionHub {
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default
	}
	return &SessionHub{
		resolver:   resolver,
		subscriber: subscriber,
		timeout:    timeout,
		retryDelay: opts.RetryDelay,
		logger:     logger.WithField("component", "session_hub"),
		observers:  map[string]map[*sessionObserver]struct{}{},
	}
}

// Observe starts a watch on token. The first value is the current identity.
// An empty token watches a signed out viewer until Rebind.
func (h *SessionHub) Observe(ctx context.Context, token string) (IdentityWatch, error) {
	obs := &sessionObserver{hub: h, ch: make(chan string, 1)}
	if err := obs.Rebind(ctx, token); err != nil {
		obs.Stop()
		return nil, err
	}
	return obs, nil
}

func (o *sessionObserver) Identities() <-chan string {
	return o.ch
}

// Rebind switches the watch to token and delivers its current identity.
func (o *sessionObserver) Rebind(ctx context.Context, token string) error {
	h := o.hub

	h.mu.Lock()
	if o.stopped {
		h.mu.Unlock()
		return ErrWatchStopped
	}
	h.detach(o)
	o.token = token
	o.key = ""
	o.seen = false
	o.gen++
	gen := o.gen
	if token != "" {
		o.key = HashSessionToken(token)
		if h.observers[o.key] == nil {
			h.observers[o.key] = map[*sessionObserver]struct{}{}
		}
		h.observers[o.key][o] = struct{}{}
	}
	h.mu.Unlock()

	identity := ""
	if token != "" {
		var err error
		if identity, err = h.resolve(ctx, token); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if !o.stopped && o.gen == gen && !o.seen {
		deliverIdentity(o.ch, identity)
	}
	h.mu.Unlock()
	return nil
}

// Stop closes the identities channel. It is safe to call more than once.
func (o *sessionObserver) Stop() {
	h := o.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	h.detach(o)
	close(o.ch)
}

// detach removes o from its session set. Callers hold h.mu.
func (h *SessionHub) detach(o *sessionObserver) {
	if o.key == "" {
		return
	}
	delete(h.observers[o.key], o)
	if len(h.observers[o.key]) == 0 {
		delete(h.observers, o.key)
	}
}

// Run follows session events until ctx is cancelled.
func (h *SessionHub) Run(ctx context.Context) {
	first := true
	runSubscription(ctx, h.subscriber, SessionEventsChannel, h.retryDelay, h.logger,
		func(ctx context.Context) {
			if !first {
				h.resync(ctx)
			}
			first = false
		},
		h.handleMessage,
	)
}

func (h *SessionHub) handleMessage(ctx context.Context, msg PubSubMessage) {
	var event SessionEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		h.logger.Warn("Ignoring malformed session event", map[string]interface{}{"error": err.Error()})
		return
	}

	var identity string
	switch event.Type {
	case SessionEventLogin:
		// Reaches watches rebound to the new token before its event lands.
		identity = event.UserID
	case SessionEventLogout:
		identity = ""
	default:
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers[event.Session] {
		obs.seen = true
		deliverIdentity(obs.ch, identity)
	}
}

// resync re-reads every observed session after a gap in the event stream.
func (h *SessionHub) resync(ctx context.Context) {
	type pending struct {
		obs   *sessionObserver
		token string
		gen   int
	}
	h.mu.Lock()
	var observed []pending
	for _, set := range h.observers {
		for obs := range set {
			observed = append(observed, pending{obs: obs, token: obs.token, gen: obs.gen})
		}
	}
	h.mu.Unlock()

	for _, p := range observed {
		identity, err := h.resolve(ctx, p.token)
		if err != nil {
			h.logger.Warn("Session resync failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		h.mu.Lock()
		if !p.obs.stopped && p.obs.gen == p.gen {
			deliverIdentity(p.obs.ch, identity)
		}
		h.mu.Unlock()
	}
}

func (h *SessionHub) resolve(ctx context.Context, token string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	userID, err := h.resolver.ValidateSession(rctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID.String(), nil
}

// deliverIdentity replaces any undelivered value. Callers hold h.mu.
func deliverIdentity(ch chan string, identity string) {
	select {
	case <-ch:
	default:
	}
	ch <- identity
}
