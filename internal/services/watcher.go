package services

import (
	"context"
	"sync"
	"time"

	"github.com/nicedonate/nicedonate/internal/feed"
	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
)

// ListingSource loads the full listings collection.
type ListingSource interface {
	Snapshot(ctx context.Context) ([]models.ListingDocument, error)
}

type WatcherOptions struct {
	ReloadTimeout time.Duration
	RetryDelay    time.Duration
	Logger        *logging.Logger
}

// ListingWatcher turns change notifications into full snapshots and fans
// them out to subscribers. Each subscriber holds at most one undelivered
// snapshot; a newer one replaces it.
type ListingWatcher struct {
	source     ListingSource
	subscriber Subscriber
	timeout    time.Duration
	retryDelay time.Duration
	logger     *logging.Logger
	reload     chan struct{}

	mu     sync.Mutex
	subs   map[uint64]chan feed.Snapshot
	nextID uint64
	last   *feed.Snapshot
}

func NewListingWatcher(source ListingSource, subscriber Subscriber, opts WatcherOptions) *ListingWatcher {
	timeout := opts.ReloadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default
	}
	return &ListingWatcher{
		source:     source,
		subscriber: subscriber,
		timeout:    timeout,
		retryDelay: opts.RetryDelay,
		logger:     logger.WithField("component", "listing_watcher"),
		reload:     make(chan struct{}, 1),
		subs:       map[uint64]chan feed.Snapshot{},
	}
}

// Subscribe registers a consumer. The last known snapshot, if any, is
// delivered right away and a fresh reload is requested. cancel must be
// called when the consumer goes away; it closes the channel.
func (w *ListingWatcher) Subscribe() (<-chan feed.Snapshot, func()) {
	ch := make(chan feed.Snapshot, 1)

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = ch
	if w.last != nil {
		ch <- *w.last
	}
	w.mu.Unlock()

	w.requestReload()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			close(ch)
			w.mu.Unlock()
		})
	}
	return ch, cancel
}

// Run listens for change notifications until ctx is cancelled.
func (w *ListingWatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reloadLoop(ctx)
	}()

	runSubscription(ctx, w.subscriber, ListingChangesChannel, w.retryDelay, w.logger,
		func(ctx context.Context) { w.requestReload() },
		func(ctx context.Context, msg PubSubMessage) { w.requestReload() },
	)
	wg.Wait()
}

func (w *ListingWatcher) requestReload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *ListingWatcher) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reload:
			w.Reload(ctx)
		}
	}
}

// Reload fetches the collection and broadcasts it. On failure subscribers
// keep whatever they last received.
func (w *ListingWatcher) Reload(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	docs, err := w.source.Snapshot(rctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Listing reload failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	snap := feed.Snapshot{Documents: docs}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &snap
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	w.logger.Debug("Listing snapshot broadcast", map[string]interface{}{
		"listings":    len(docs),
		"subscribers": len(w.subs),
	})
}
