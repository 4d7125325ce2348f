package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/channel"
	"liveeconomy/internal/model"
)

// Session ties one stream's push subscription and poller to a Store.
type Session struct {
	streamID string
	client   *channel.Client
	store    *Store
	poller   *Poller
	logger   *slog.Logger

	mu       sync.Mutex
	sub      *channel.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	unlisten func()
	degraded atomic.Bool
}

func NewSession(streamID string, client *channel.Client, source Source, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	store := NewStore(streamID, opts.MessageLimit)
	return &Session{
		streamID: streamID,
		client:   client,
		store:    store,
		poller:   New(streamID, source, store, opts, logger),
		logger:   logger.With(slog.String("module", "poller.session"), slog.String("stream_id", streamID)),
	}
}

func (s *Session) Store() *Store   { return s.store }
func (s *Session) Poller() *Poller { return s.poller }

// Degraded reports whether the session runs on polling alone.
func (s *Session) Degraded() bool { return s.degraded.Load() }

// Start launches the poller and subscribes to the stream topic. A subscribe
// that times out leaves the session in polling-only mode and is not an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.poller.Run(runCtx)
	}()

	s.unlisten = s.client.OnStateChange(func(st channel.State) {
		s.store.SetConnection(string(st))
	})

	if err := s.subscribeLocked(ctx); err != nil {
		if errors.Is(err, apperr.ErrConnectionTimeout) {
			s.logger.Warn("push channel unavailable, polling only", slog.Any("error", err))
			return nil
		}
		s.stopLocked()
		return err
	}
	return nil
}

// Resubscribe retries the push subscription of a degraded session.
func (s *Session) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.sub != nil {
		return nil
	}
	return s.subscribeLocked(ctx)
}

func (s *Session) subscribeLocked(ctx context.Context) error {
	sub, err := s.client.Subscribe(ctx, channel.StreamTopic(s.streamID), s.handlers())
	if err != nil {
		s.degraded.Store(true)
		s.store.SetConnection(string(channel.StateDisconnected))
		return err
	}
	s.sub = sub
	s.degraded.Store(false)
	s.store.SetConnection(string(s.client.State()))
	// anything published before the subscription existed is picked up here
	s.poller.Invalidate(ResourceMessages)
	return nil
}

// Close unsubscribes and stops the poller.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.unlisten != nil {
		s.unlisten()
		s.unlisten = nil
	}
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", slog.Any("error", err))
		}
		s.sub = nil
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

// handlers routes push events. Events carrying full values are applied
// directly; the rest invalidate the resource so the poller fetches it.
func (s *Session) handlers() channel.Visitor {
	return channel.Handlers{
		OnChatMessage: func(e channel.ChatMessage) {
			s.store.AppendMessage(model.StreamMessage{
				ID:        e.ID,
				StreamID:  e.StreamID,
				UserID:    e.UserID,
				Username:  e.Username,
				Body:      e.Body,
				CreatedAt: e.CreatedAt,
			})
		},
		OnTip:  func(channel.Tip) { s.poller.Invalidate(ResourceLeaderboard) },
		OnGift: func(channel.Gift) { s.poller.Invalidate(ResourceLeaderboard) },
		OnViewerCount: func(e channel.ViewerCount) {
			s.store.SetViewerCount(e.Count, e.ObservedAt)
		},
		OnGoalUpdate: func(e channel.GoalUpdate) {
			s.store.ApplyGoal(model.StreamGoal{
				ID:        e.GoalID,
				StreamID:  e.StreamID,
				Title:     e.Title,
				Target:    e.Target,
				Current:   e.Current,
				Completed: e.Completed,
				UpdatedAt: e.UpdatedAt,
			})
		},
		OnPollUpdate: func(channel.PollUpdate) { s.poller.Invalidate(ResourcePoll) },
		OnCountdownUpdate: func(e channel.CountdownUpdate) {
			s.store.SetCountdown(&model.StreamCountdown{
				ID:        e.CountdownID,
				StreamID:  e.StreamID,
				Label:     e.Label,
				EndsAt:    e.EndsAt,
				Active:    e.Active,
				UpdatedAt: e.UpdatedAt,
			})
		},
		OnSpotlightChange: func(e channel.SpotlightChange) {
			s.store.SetSpotlight(e.CreatorID)
			s.poller.Invalidate(ResourceFeatured)
		},
		OnGuestInvite:   func(e channel.GuestInvite) { s.store.SetGuest(e.GuestID, GuestInvited) },
		OnGuestAccepted: func(e channel.GuestAccepted) { s.store.SetGuest(e.GuestID, GuestAccepted) },
		OnGuestJoined:   func(e channel.GuestJoined) { s.store.SetGuest(e.GuestID, GuestJoined) },
		OnGuestRemoved:  func(e channel.GuestRemoved) { s.store.SetGuest(e.GuestID, "") },
	}
}
