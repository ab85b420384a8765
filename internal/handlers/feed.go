package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nicedonate/nicedonate/internal/feed"
	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
	"github.com/nicedonate/nicedonate/internal/services"
)

const defaultKeepAliveInterval = 25 * time.Second

// ListingFeed hands out live snapshots of the listing collection.
type ListingFeed interface {
	Subscribe() (<-chan feed.Snapshot, func())
}

// IdentityObserver follows who is signed in on a session token.
type IdentityObserver interface {
	Observe(ctx context.Context, token string) (services.IdentityWatch, error)
}

type FeedOptions struct {
	DeleteTimeout     time.Duration
	KeepAliveInterval time.Duration
	Logger            *logging.Logger
}

// FeedHandler hosts one feed.View per open stream. Command endpoints address
// a view by id and only reach views bound to the caller's session. Session
// moves a view to the caller's session after a login or logout.
type FeedHandler struct {
	listings       ListingFeed
	sessions       IdentityObserver
	authService    services.AuthServiceInterface
	listingService services.ListingServiceInterface
	deleteTimeout  time.Duration
	keepAlive      time.Duration
	logger         *logging.Logger

	mu    sync.Mutex
	views map[string]*hostedView
}

type hostedView struct {
	view    *feed.View
	watch   services.IdentityWatch
	deleter *sessionDeleter
	cancel  context.CancelFunc

	// owner is guarded by FeedHandler.mu.
	owner string
}

func NewFeedHandler(listings ListingFeed, sessions IdentityObserver, authService services.AuthServiceInterface, listingService services.ListingServiceInterface, opts FeedOptions) *FeedHandler {
	keepAlive := opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default
	}
	return &FeedHandler{
		listings:       listings,
		sessions:       sessions,
		authService:    authService,
		listingService: listingService,
		deleteTimeout:  opts.DeleteTimeout,
		keepAlive:      keepAlive,
		logger:         logger.WithField("component", "feed"),
		views:          map[string]*hostedView{},
	}
}

type ViewOpenedEvent struct {
	ViewID string `json:"view_id"`
}

type SelectionRequest struct {
	Categories models.CategorySelection `json:"categories"`
}

type OpenRequest struct {
	ListingID string `json:"listing_id"`
}

// sessionDeleter resolves the session at delete time, so a listing is only
// removed for whoever is signed in when the request runs.
type sessionDeleter struct {
	authService    services.AuthServiceInterface
	listingService services.ListingServiceInterface

	mu    sync.Mutex
	token string
}

func (d *sessionDeleter) currentToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *sessionDeleter) setToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

func (d *sessionDeleter) DeleteListing(ctx context.Context, listingID string) error {
	userID, err := d.authService.ValidateSession(ctx, d.currentToken())
	if err != nil {
		return fmt.Errorf("resolving session: %w", err)
	}
	return d.listingService.Delete(ctx, listingID, userID)
}

// Stream opens a view and pushes its state as server-sent events until the
// client goes away.
func (h *FeedHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sel, err := models.ParseCategoryList(r.URL.Query().Get("categories"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	viewID, err := generateSecureToken(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	token := GetSessionTokenFromContext(r.Context())
	watch, err := h.sessions.Observe(ctx, token)
	if err != nil {
		h.logger.Error("Session lookup failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, "Session lookup failed")
		return
	}
	snapshots, stopSnapshots := h.listings.Subscribe()

	deleter := &sessionDeleter{
		token:          token,
		authService:    h.authService,
		listingService: h.listingService,
	}
	view := feed.NewView(viewID, deleter, feed.Options{
		Selection:     sel,
		DeleteTimeout: h.deleteTimeout,
		Logger:        h.logger,
	})
	h.register(viewID, &hostedView{
		view:    view,
		watch:   watch,
		deleter: deleter,
		cancel:  cancel,
		owner:   ownerKey(token),
	})
	go view.Run(ctx, snapshots, watch.Identities())

	defer func() {
		h.unregister(viewID)
		cancel()
		<-view.Done()
		stopSnapshots()
		watch.Stop()
		h.logger.Debug("Feed view closed", map[string]interface{}{"view_id": viewID})
	}()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "view", ViewOpenedEvent{ViewID: viewID}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-view.Updates():
			if !ok {
				return
			}
			if err := writeEvent(w, "state", state); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *FeedHandler) State(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	state, err := view.State(r.Context())
	h.writeState(w, state, err)
}

func (h *FeedHandler) Selection(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req SelectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := view.SetSelection(r.Context(), req.Categories)
	h.writeState(w, state, err)
}

func (h *FeedHandler) Open(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req OpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ListingID == "" {
		writeError(w, http.StatusBadRequest, "listing_id is required")
		return
	}
	state, err := view.Open(r.Context(), req.ListingID)
	h.writeState(w, state, err)
}

func (h *FeedHandler) Close(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	state, err := view.Close(r.Context())
	h.writeState(w, state, err)
}

// Delete waits for the remote delete to settle before answering.
func (h *FeedHandler) Delete(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := view.Delete(r.Context()); err != nil {
		h.writeState(w, feed.State{}, err)
		return
	}
	state, err := view.State(r.Context())
	h.writeState(w, state, err)
}

func (h *FeedHandler) writeState(w http.ResponseWriter, state feed.State, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, state)
	case errors.Is(err, feed.ErrListingNotInView):
		writeError(w, http.StatusNotFound, "Listing not found")
	case errors.Is(err, feed.ErrDetailClosed):
		writeError(w, http.StatusConflict, "No listing is open")
	case errors.Is(err, feed.ErrDeleteInProgress):
		writeError(w, http.StatusConflict, "Delete already in progress")
	case errors.Is(err, feed.ErrDeleteNotPermitted):
		writeError(w, http.StatusForbidden, "Only the owner can delete this listing")
	case errors.Is(err, feed.ErrDeleteFailed):
		writeError(w, http.StatusBadGateway, feed.DeleteFailedNotice)
	case errors.Is(err, feed.ErrViewStopped):
		writeError(w, http.StatusGone, "View closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		h.logger.Error("Feed command failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *FeedHandler) lookup(w http.ResponseWriter, r *http.Request) (*feed.View, bool) {
	viewID := r.PathValue("view")
	owner := ownerKey(GetSessionTokenFromContext(r.Context()))

	h.mu.Lock()
	hosted, ok := h.views[viewID]
	ok = ok && hosted.owner == owner
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "View not found")
		return nil, false
	}
	return hosted.view, true
}

// Session binds a view to the caller's current session. A view may move when
// its old session no longer resolves or belongs to the same user, so another
// signed in client cannot take it over.
func (h *FeedHandler) Session(w http.ResponseWriter, r *http.Request) {
	viewID := r.PathValue("view")
	token := GetSessionTokenFromContext(r.Context())
	owner := ownerKey(token)

	h.mu.Lock()
	hosted, ok := h.views[viewID]
	same := ok && hosted.owner == owner
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "View not found")
		return
	}

	if !same {
		allowed, err := h.canRebind(r.Context(), hosted.deleter.currentToken(), token)
		if err != nil {
			h.logger.Error("Session lookup failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusServiceUnavailable, "Session lookup failed")
			return
		}
		if !allowed {
			writeError(w, http.StatusNotFound, "View not found")
			return
		}

		hosted.deleter.setToken(token)
		h.mu.Lock()
		hosted.owner = owner
		h.mu.Unlock()

		if err := hosted.watch.Rebind(r.Context(), token); err != nil {
			if errors.Is(err, services.ErrWatchStopped) {
				writeError(w, http.StatusGone, "View closed")
				return
			}
			h.logger.Error("Session lookup failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusServiceUnavailable, "Session lookup failed")
			return
		}
		h.logger.Debug("Feed view rebound", map[string]interface{}{"view_id": viewID})
	}

	state, err := hosted.view.State(r.Context())
	h.writeState(w, state, err)
}

func (h *FeedHandler) canRebind(ctx context.Context, current, next string) (bool, error) {
	previous, err := h.authService.ValidateSession(ctx, current)
	if errors.Is(err, services.ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if next == "" {
		return false, nil
	}
	userID, err := h.authService.ValidateSession(ctx, next)
	if errors.Is(err, services.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return userID == previous, nil
}

func (h *FeedHandler) register(viewID string, hosted *hostedView) {
	h.mu.Lock()
	h.views[viewID] = hosted
	h.mu.Unlock()
}

func (h *FeedHandler) unregister(viewID string) {
	h.mu.Lock()
	delete(h.views, viewID)
	h.mu.Unlock()
}

// CloseStreams ends every open stream. The server calls it on shutdown.
func (h *FeedHandler) CloseStreams() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hosted := range h.views {
		hosted.cancel()
	}
}

// ViewCount reports the number of open views.
func (h *FeedHandler) ViewCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}

func ownerKey(token string) string {
	if token == "" {
		return ""
	}
	return services.HashSessionToken(token)
}

func writeEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
