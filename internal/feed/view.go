package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
)

var (
	ErrListingNotInView   = errors.New("listing not in view")
	ErrDetailClosed       = errors.New("no listing open")
	ErrDeleteNotPermitted = errors.New("delete not permitted")
	ErrDeleteInProgress   = errors.New("delete already in progress")
	ErrDeleteFailed       = errors.New("delete failed")
	ErrViewStopped        = errors.New("view stopped")
)

// DeleteFailedNotice is surfaced to the viewer when a remote delete fails.
const DeleteFailedNotice = "Não foi possível excluir a doação. Tente novamente."

const DefaultDeleteTimeout = 10 * time.Second

// Deleter removes a listing document from the backing collection.
type Deleter interface {
	DeleteListing(ctx context.Context, listingID string) error
}

type DetailState struct {
	Open      bool            `json:"open"`
	Listing   *models.Listing `json:"listing,omitempty"`
	CanDelete bool            `json:"can_delete"`
	Deleting  bool            `json:"deleting,omitempty"`
}

// State is what a viewer sees. It is rebuilt after every change.
type State struct {
	Version   uint64                   `json:"version"`
	Loaded    bool                     `json:"loaded"`
	Listings  []models.Listing         `json:"listings"`
	Total     int                      `json:"total"`
	Selection models.CategorySelection `json:"selection"`
	Detail    DetailState              `json:"detail"`
	Notice    string                   `json:"notice,omitempty"`
}

type Options struct {
	Selection     models.CategorySelection
	DeleteTimeout time.Duration
	Logger        *logging.Logger
}

// View is the home screen of one viewer. Run owns every field below the
// channels; the exported methods talk to it through commands.
type View struct {
	id       string
	deleter  Deleter
	timeout  time.Duration
	logger   *logging.Logger
	commands chan command
	updates  chan State
	done     chan struct{}

	all       []models.Listing
	filtered  []models.Listing
	selection models.CategorySelection
	identity  string
	openID    string
	notice    string
	loaded    bool
	version   uint64
	pending   *pendingDelete
}

type commandKind int

const (
	cmdState commandKind = iota
	cmdSetSelection
	cmdOpen
	cmdClose
	cmdDelete
)

type command struct {
	kind      commandKind
	listingID string
	selection models.CategorySelection
	reply     chan commandReply
}

type commandReply struct {
	state State
	err   error
	wait  chan error
}

type pendingDelete struct {
	listingID string
	reply     chan error
}

type deleteResult struct {
	listingID string
	err       error
}

func NewView(id string, deleter Deleter, opts Options) *View {
	timeout := opts.DeleteTimeout
	if timeout <= 0 {
		timeout = DefaultDeleteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default
	}
	return &View{
		id:        id,
		deleter:   deleter,
		timeout:   timeout,
		logger:    logger.WithField("view_id", id),
		commands:  make(chan command),
		updates:   make(chan State, 1),
		done:      make(chan struct{}),
		selection: opts.Selection,
	}
}

func (v *View) ID() string {
	return v.id
}

// Updates delivers the latest state; intermediate states may be skipped.
// The channel is closed when Run returns.
func (v *View) Updates() <-chan State {
	return v.updates
}

func (v *View) Done() <-chan struct{} {
	return v.done
}

// Run processes snapshots, identity changes, commands and delete results one
// at a time until ctx is cancelled. A closed snapshot channel keeps the last
// known listings; a closed identity channel means nobody is signed in.
func (v *View) Run(ctx context.Context, snapshots <-chan Snapshot, identities <-chan string) {
	defer close(v.updates)
	defer close(v.done)

	results := make(chan deleteResult, 1)
	v.publish()

	for {
		select {
		case <-ctx.Done():
			if v.pending != nil {
				v.pending.reply <- ErrViewStopped
				v.pending = nil
			}
			return
		case snap, ok := <-snapshots:
			if !ok {
				v.logger.Warn("Listing subscription ended; keeping last known listings")
				snapshots = nil
				continue
			}
			v.applySnapshot(snap)
		case identity, ok := <-identities:
			identities = v.applyIdentity(identities, identity, ok)
		case cmd := <-v.commands:
			// A command sent after an identity change must see it.
			select {
			case identity, ok := <-identities:
				identities = v.applyIdentity(identities, identity, ok)
			default:
			}
			v.handle(ctx, cmd, results)
		case res := <-results:
			v.finishDelete(res)
		}
	}
}

// applyIdentity returns nil once the identity channel is closed.
func (v *View) applyIdentity(identities <-chan string, identity string, ok bool) <-chan string {
	if !ok {
		identities = nil
		identity = ""
	}
	if identity != v.identity {
		v.identity = identity
		v.publish()
	}
	return identities
}

func (v *View) State(ctx context.Context) (State, error) {
	r, err := v.send(ctx, command{kind: cmdState})
	return r.state, err
}

func (v *View) SetSelection(ctx context.Context, sel models.CategorySelection) (State, error) {
	r, err := v.send(ctx, command{kind: cmdSetSelection, selection: sel})
	return r.state, err
}

// Open shows the detail of a listing currently in the full set.
func (v *View) Open(ctx context.Context, listingID string) (State, error) {
	r, err := v.send(ctx, command{kind: cmdOpen, listingID: listingID})
	return r.state, err
}

func (v *View) Close(ctx context.Context) (State, error) {
	r, err := v.send(ctx, command{kind: cmdClose})
	return r.state, err
}

// Delete removes the open listing when the current identity owns it and
// blocks until the remote delete settles.
func (v *View) Delete(ctx context.Context) error {
	r, err := v.send(ctx, command{kind: cmdDelete})
	if err != nil {
		return err
	}
	select {
	case err := <-r.wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-v.done:
		return ErrViewStopped
	}
}

func (v *View) send(ctx context.Context, cmd command) (commandReply, error) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case v.commands <- cmd:
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-v.done:
		return commandReply{}, ErrViewStopped
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-v.done:
		return commandReply{}, ErrViewStopped
	}
}

func (v *View) handle(ctx context.Context, cmd command, results chan<- deleteResult) {
	switch cmd.kind {
	case cmdState:
		cmd.reply <- commandReply{state: v.snapshotState()}

	case cmdSetSelection:
		v.selection = cmd.selection
		v.filtered = ApplyFilter(v.all, v.selection)
		v.publish()
		cmd.reply <- commandReply{state: v.snapshotState()}

	case cmdOpen:
		if _, ok := v.find(cmd.listingID); !ok {
			cmd.reply <- commandReply{err: ErrListingNotInView}
			return
		}
		v.openID = cmd.listingID
		v.notice = ""
		v.publish()
		cmd.reply <- commandReply{state: v.snapshotState()}

	case cmdClose:
		v.openID = ""
		v.notice = ""
		v.publish()
		cmd.reply <- commandReply{state: v.snapshotState()}

	case cmdDelete:
		if v.openID == "" {
			cmd.reply <- commandReply{err: ErrDetailClosed}
			return
		}
		listing, ok := v.find(v.openID)
		if !ok {
			cmd.reply <- commandReply{err: ErrListingNotInView}
			return
		}
		if !CanDelete(listing, v.identity) {
			cmd.reply <- commandReply{err: ErrDeleteNotPermitted}
			return
		}
		if v.pending != nil {
			cmd.reply <- commandReply{err: ErrDeleteInProgress}
			return
		}

		wait := make(chan error, 1)
		v.pending = &pendingDelete{listingID: listing.ID, reply: wait}
		v.notice = ""
		go func(listingID string) {
			// The delete outlives a viewer that disconnects mid-request.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
			defer cancel()
			results <- deleteResult{listingID: listingID, err: v.deleter.DeleteListing(dctx, listingID)}
		}(listing.ID)

		v.publish()
		cmd.reply <- commandReply{wait: wait}
	}
}

func (v *View) applySnapshot(snap Snapshot) {
	v.all = ProjectAll(snap.Documents)
	v.filtered = ApplyFilter(v.all, v.selection)
	v.loaded = true
	if v.openID != "" {
		if _, ok := v.find(v.openID); !ok {
			v.openID = ""
		}
	}
	v.publish()
}

func (v *View) finishDelete(res deleteResult) {
	p := v.pending
	v.pending = nil

	var err error
	if res.err == nil {
		v.all = without(v.all, res.listingID)
		v.filtered = without(v.filtered, res.listingID)
		if v.openID == res.listingID {
			v.openID = ""
		}
		v.logger.Info("Listing deleted", map[string]interface{}{"listing_id": res.listingID})
	} else {
		v.notice = DeleteFailedNotice
		err = fmt.Errorf("%w: %w", ErrDeleteFailed, res.err)
		v.logger.Warn("Listing delete failed", map[string]interface{}{
			"listing_id": res.listingID,
			"error":      res.err.Error(),
		})
	}

	v.publish()
	if p != nil {
		p.reply <- err
	}
}

func (v *View) find(listingID string) (models.Listing, bool) {
	for _, listing := range v.all {
		if listing.ID == listingID {
			return listing, true
		}
	}
	return models.Listing{}, false
}

func (v *View) snapshotState() State {
	listings := v.filtered
	if listings == nil {
		listings = []models.Listing{}
	}
	st := State{
		Version:   v.version,
		Loaded:    v.loaded,
		Listings:  listings,
		Total:     len(v.all),
		Selection: v.selection,
		Notice:    v.notice,
	}
	if v.openID != "" {
		if listing, ok := v.find(v.openID); ok {
			st.Detail = DetailState{
				Open:      true,
				Listing:   &listing,
				CanDelete: CanDelete(listing, v.identity),
				Deleting:  v.pending != nil && v.pending.listingID == listing.ID,
			}
		}
	}
	return st
}

func (v *View) publish() {
	v.version++
	st := v.snapshotState()
	select {
	case <-v.updates:
	default:
	}
	v.updates <- st
}

// without returns a new slice; published states keep sharing the old one.
func without(listings []models.Listing, listingID string) []models.Listing {
	out := make([]models.Listing, 0, len(listings))
	for _, listing := range listings {
		if listing.ID != listingID {
			out = append(out, listing)
		}
	}
	return out
}
