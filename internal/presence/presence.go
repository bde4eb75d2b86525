// Package presence mirrors ephemeral voice state to an external store.
//
// The real-time leg of presence (broadcasting peer-muted and friends to room
// members) happens inside the signaling gateway. This package handles the
// second audience: a persistence collaborator keyed by (userID, channelID).
// Writes are strictly fire-and-forget; a failed or slow store never delays or
// fails the broadcast path.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Record is a peer's persisted voice state.
type Record struct {
	UserID      string
	ChannelID   string
	SessionID   string
	DisplayName string
	AvatarURL   string

	Muted         bool
	Deafened      bool
	Speaking      bool
	ScreenSharing bool

	JoinedAt time.Time
}

// Update carries changed attributes; nil fields are untouched.
type Update struct {
	Muted         *bool
	Deafened      *bool
	Speaking      *bool
	ScreenSharing *bool
}

// Store is the persistence collaborator boundary. Implementations must be safe
// for concurrent use; they may fail freely, the syncer only logs.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Update(ctx context.Context, userID, channelID string, upd Update) error
	Delete(ctx context.Context, userID, channelID string) error
}

// Metrics is the subset of the metrics registry the syncer needs.
type Metrics interface {
	Inc(name string)
}

const writeTimeout = 5 * time.Second

// Syncer dispatches store writes asynchronously. Completion is never awaited
// by callers; Wait exists for shutdown and tests.
type Syncer struct {
	store   Store
	log     *slog.Logger
	metrics Metrics
	failure string

	wg sync.WaitGroup
}

// NewSyncer returns a syncer writing to store. A nil store disables
// persistence entirely. failureCounter names the metrics counter bumped on
// write errors; metrics may be nil.
func NewSyncer(store Store, logger *slog.Logger, m Metrics, failureCounter string) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:   store,
		log:     logger,
		metrics: m,
		failure: failureCounter,
	}
}

// PeerJoined upserts the peer's initial state.
func (s *Syncer) PeerJoined(rec Record) {
	s.dispatch("upsert", rec.UserID, rec.ChannelID, func(ctx context.Context) error {
		return s.store.Upsert(ctx, rec)
	})
}

// PeerUpdated writes changed attributes.
func (s *Syncer) PeerUpdated(userID, channelID string, upd Update) {
	s.dispatch("update", userID, channelID, func(ctx context.Context) error {
		return s.store.Update(ctx, userID, channelID, upd)
	})
}

// PeerLeft deletes the persisted state.
func (s *Syncer) PeerLeft(userID, channelID string) {
	s.dispatch("delete", userID, channelID, func(ctx context.Context) error {
		return s.store.Delete(ctx, userID, channelID)
	})
}

// Wait blocks until all dispatched writes have finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) dispatch(op, userID, channelID string, fn func(context.Context) error) {
	if s.store == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			if s.metrics != nil && s.failure != "" {
				s.metrics.Inc(s.failure)
			}
			s.log.Warn("presence store write failed",
				"op", op,
				"user_id", userID,
				"channel_id", channelID,
				"err", err,
			)
		}
	}()
}

// ErrNotFound is returned by stores when updating or deleting a record that
// does not exist.
var ErrNotFound = errors.New("presence: record not found")
