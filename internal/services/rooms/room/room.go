// Package room implements a single collaborative room as a single-writer
// actor. Every mutation runs to completion on the room goroutine, which
// serializes membership, chat, experiments, and sequence numbering without
// locks in the state itself.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/platform/id"
)

const defaultMailboxSize = 64

// Config configures a room actor.
type Config struct {
	ID        string
	Name      string
	OwnerID   string
	Capacity  int
	Settings  Settings
	Publisher Publisher
	Now       func() time.Time
	// NewID overrides identifier generation for messages and experiments.
	NewID       func(prefix string) (string, error)
	MailboxSize int
}

type operation struct {
	fn       func(*state)
	done     chan struct{}
	panicked bool
}

// Room is the handle to a running room actor. All methods are safe for
// concurrent use.
type Room struct {
	id      string
	mailbox chan *operation
	quit    chan struct{}
	stopped chan struct{}
	stop    sync.Once

	summary atomic.Pointer[Summary]
	closed  atomic.Bool
}

// New validates cfg and starts the room goroutine.
func New(cfg Config) (*Room, error) {
	if cfg.ID == "" {
		return nil, errValidation("room id is required")
	}
	if cfg.Capacity < 0 {
		return nil, errValidation("room capacity must be non-negative")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = discardPublisher{}
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewPrefixed
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	size := cfg.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}

	r := &Room{
		id:      cfg.ID,
		mailbox: make(chan *operation, size),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	st := newState(cfg)
	summary := st.summary()
	r.summary.Store(&summary)
	go r.run(st)
	return r, nil
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Summary returns the most recent published summary without messaging the
// actor.
func (r *Room) Summary() Summary {
	return *r.summary.Load()
}

// Closed reports whether the room was archived or stopped.
func (r *Room) Closed() bool {
	return r.closed.Load()
}

// Close stops the actor. Operations already executing finish; queued and
// later operations fail with ROOM_NOT_FOUND.
func (r *Room) Close() {
	r.stop.Do(func() {
		r.closed.Store(true)
		close(r.quit)
	})
	<-r.stopped
}

func (r *Room) run(st *state) {
	defer close(r.stopped)
	for {
		select {
		case <-r.quit:
			return
		case op := <-r.mailbox:
			r.execute(st, op)
		}
	}
}

// execute applies one operation. Operations validate before their first
// write, so a panic keeps only writes made after validation passed. Its
// unsent deliveries are dropped and, when none reached the publisher, the
// sequence numbers they consumed are reclaimed.
func (r *Room) execute(st *state, op *operation) {
	seq := st.seq
	accepted := 0
	defer func() {
		if recovered := recover(); recovered != nil {
			op.panicked = true
			st.outgoing = nil
			if accepted == 0 {
				st.seq = seq
			}
			log.Printf("rooms: room %s operation panicked: %v", r.id, recovered)
		}
		summary := st.summary()
		r.summary.Store(&summary)
		if st.closed {
			r.closed.Store(true)
		}
		close(op.done)
	}()
	op.fn(st)
	st.flush(&accepted)
}

// do submits fn to the actor and waits for it to finish. Once accepted an
// operation always runs to completion; ctx only bounds the enqueue.
func (r *Room) do(ctx context.Context, fn func(*state)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	op := &operation{fn: fn, done: make(chan struct{})}
	select {
	case <-r.quit:
		return errRoomNotFound(r.id)
	default:
	}
	select {
	case r.mailbox <- op:
	case <-r.quit:
		return errRoomNotFound(r.id)
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeUnavailable, "room is busy", ctx.Err())
	}
	select {
	case <-op.done:
	case <-r.stopped:
		select {
		case <-op.done:
		default:
			return errRoomNotFound(r.id)
		}
	}
	if op.panicked {
		return apperrors.New(apperrors.CodeInternal, fmt.Sprintf("room %s failed to apply operation", r.id))
	}
	return nil
}

// Join adds the participant or refreshes an existing membership.
func (r *Room) Join(ctx context.Context, profile Profile, requested []Capability) (MemberView, error) {
	if profile.ID == "" {
		return MemberView{}, errValidation("participant id is required")
	}
	var (
		view MemberView
		err  error
	)
	if doErr := r.do(ctx, func(st *state) { view, err = st.join(profile, requested) }); doErr != nil {
		return MemberView{}, doErr
	}
	return view, err
}

// Leave removes the participant. It reports whether a member was removed;
// leaving twice is a no-op.
func (r *Room) Leave(ctx context.Context, participantID string) (bool, error) {
	var left bool
	if err := r.do(ctx, func(st *state) { left = st.leave(participantID) }); err != nil {
		return false, err
	}
	return left, nil
}

// PostChat appends a chat message and broadcasts it.
func (r *Room) PostChat(ctx context.Context, participantID, text string) (ChatMessage, error) {
	var (
		msg ChatMessage
		err error
	)
	if doErr := r.do(ctx, func(st *state) { msg, err = st.postChat(participantID, text) }); doErr != nil {
		return ChatMessage{}, doErr
	}
	return msg, err
}

// CreateExperiment starts an experiment owned by creatorID.
func (r *Room) CreateExperiment(ctx context.Context, creatorID string, req StartExperiment) (Experiment, error) {
	var (
		exp Experiment
		err error
	)
	if doErr := r.do(ctx, func(st *state) { exp, err = st.createExperiment(creatorID, req) }); doErr != nil {
		return Experiment{}, doErr
	}
	return exp, err
}

// UpdateExperiment records a data point from an experiment participant.
func (r *Room) UpdateExperiment(ctx context.Context, experimentID, participantID, kind string, data json.RawMessage) (Experiment, error) {
	var (
		exp Experiment
		err error
	)
	if doErr := r.do(ctx, func(st *state) { exp, err = st.updateExperiment(experimentID, participantID, kind, data) }); doErr != nil {
		return Experiment{}, doErr
	}
	return exp, err
}

// CompleteExperiment finishes an experiment and awards contribution scores
// to the participants still in the room.
func (r *Room) CompleteExperiment(ctx context.Context, experimentID, participantID string, results json.RawMessage) (ScoreDelta, error) {
	var (
		deltas ScoreDelta
		err    error
	)
	if doErr := r.do(ctx, func(st *state) { deltas, err = st.completeExperiment(experimentID, participantID, results) }); doErr != nil {
		return nil, doErr
	}
	return deltas, err
}

// AbortExperiment ends an experiment without results. Only its creator may
// abort it.
func (r *Room) AbortExperiment(ctx context.Context, experimentID, participantID, reason string) error {
	var err error
	if doErr := r.do(ctx, func(st *state) { err = st.abortExperiment(experimentID, participantID, reason) }); doErr != nil {
		return doErr
	}
	return err
}

// RequestPermission asks targetID to grant capability to requesterID.
func (r *Room) RequestPermission(ctx context.Context, requesterID string, capability Capability, targetID string) error {
	var err error
	if doErr := r.do(ctx, func(st *state) { err = st.requestPermission(requesterID, capability, targetID) }); doErr != nil {
		return doErr
	}
	return err
}

// GrantPermission resolves a pending permission request.
func (r *Room) GrantPermission(ctx context.Context, granterID, requesterID string, capability Capability, granted bool) error {
	var err error
	if doErr := r.do(ctx, func(st *state) { err = st.grantPermission(granterID, requesterID, capability, granted) }); doErr != nil {
		return doErr
	}
	return err
}

// SyncState stores snapshot, when non-nil, and broadcasts a stateSync
// envelope to every member. It reports whether anything was sent.
func (r *Room) SyncState(ctx context.Context, snapshot json.RawMessage) (bool, error) {
	var (
		sent bool
		err  error
	)
	if doErr := r.do(ctx, func(st *state) { sent, err = st.syncState(snapshot) }); doErr != nil {
		return false, doErr
	}
	return sent, err
}

// Resync sends the full room state to one member.
func (r *Room) Resync(ctx context.Context, participantID string) error {
	var err error
	if doErr := r.do(ctx, func(st *state) { err = st.resync(participantID) }); doErr != nil {
		return doErr
	}
	return err
}

// View returns a consistent copy of the full room state.
func (r *Room) View(ctx context.Context) (View, error) {
	var view View
	if err := r.do(ctx, func(st *state) { view = st.view() }); err != nil {
		return View{}, err
	}
	return view, nil
}

// Archive closes the room if it is still empty and has been idle longer
// than threshold at now. The re-check and close happen atomically on the
// actor, so a join racing the reaper either lands first and keeps the room
// open or observes ROOM_NOT_FOUND.
func (r *Room) Archive(ctx context.Context, now time.Time, threshold time.Duration) (Archive, bool, error) {
	var (
		archived Archive
		ok       bool
	)
	if err := r.do(ctx, func(st *state) { archived, ok = st.archive(now, threshold) }); err != nil {
		return Archive{}, false, err
	}
	return archived, ok, nil
}
