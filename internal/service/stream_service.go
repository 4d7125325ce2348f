package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/channel"
	"liveeconomy/internal/poller"
)

// Presence counts viewers per stream. cache.Presence is the redis implementation.
type Presence interface {
	Join(ctx context.Context, streamID string, userID int64) (int64, error)
	Leave(ctx context.Context, streamID string, userID int64) (int64, error)
	Count(ctx context.Context, streamID string) (int64, error)
}

// StreamService publishes stream events and opens client-state sessions.
type StreamService struct {
	publisher *channel.Publisher
	client    *channel.Client
	presence  Presence
	source    poller.Source
	pollOpts  poller.Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewStreamService(publisher *channel.Publisher, client *channel.Client, presence Presence, source poller.Source, pollOpts poller.Options, logger *slog.Logger) *StreamService {
	return &StreamService{
		publisher: publisher,
		client:    client,
		presence:  presence,
		source:    source,
		pollOpts:  pollOpts,
		logger:    logger.With(slog.String("module", "service.stream")),
		now:       time.Now,
	}
}

// ============================================================================
// Guests
// ============================================================================

// InviteGuest notifies the guest directly and tells the stream.
func (s *StreamService) InviteGuest(ctx context.Context, streamID string, hostID, guestID int64) error {
	if err := validateGuest(streamID, guestID); err != nil {
		return err
	}
	if hostID <= 0 {
		return apperr.Invalid("hostId", "must be positive")
	}
	if hostID == guestID {
		return apperr.Invalid("guestId", "must differ from host")
	}
	ev := channel.GuestInvite{StreamID: streamID, HostID: hostID, GuestID: guestID}
	if _, err := s.publisher.Publish(ctx, channel.UserTopic(guestID), ev); err != nil {
		return fmt.Errorf("notify guest: %w", err)
	}
	return s.Broadcast(ctx, streamID, ev)
}

func (s *StreamService) AcceptInvite(ctx context.Context, streamID string, guestID int64) error {
	if err := validateGuest(streamID, guestID); err != nil {
		return err
	}
	return s.Broadcast(ctx, streamID, channel.GuestAccepted{StreamID: streamID, GuestID: guestID})
}

func (s *StreamService) GuestJoined(ctx context.Context, streamID string, guestID int64) error {
	if err := validateGuest(streamID, guestID); err != nil {
		return err
	}
	return s.Broadcast(ctx, streamID, channel.GuestJoined{StreamID: streamID, GuestID: guestID})
}

func (s *StreamService) RemoveGuest(ctx context.Context, streamID string, guestID int64, reason string) error {
	if err := validateGuest(streamID, guestID); err != nil {
		return err
	}
	return s.Broadcast(ctx, streamID, channel.GuestRemoved{StreamID: streamID, GuestID: guestID, Reason: reason})
}

func validateGuest(streamID string, guestID int64) error {
	if streamID == "" {
		return apperr.Invalid("streamId", "is required")
	}
	if guestID <= 0 {
		return apperr.Invalid("guestId", "must be positive")
	}
	return nil
}

// ============================================================================
// Viewers
// ============================================================================

func (s *StreamService) JoinStream(ctx context.Context, streamID string, userID int64) (int64, error) {
	return s.viewers(ctx, streamID, userID, s.presence.Join)
}

func (s *StreamService) LeaveStream(ctx context.Context, streamID string, userID int64) (int64, error) {
	return s.viewers(ctx, streamID, userID, s.presence.Leave)
}

func (s *StreamService) viewers(ctx context.Context, streamID string, userID int64, op func(context.Context, string, int64) (int64, error)) (int64, error) {
	if streamID == "" {
		return 0, apperr.Invalid("streamId", "is required")
	}
	if userID <= 0 {
		return 0, apperr.Invalid("userId", "must be positive")
	}
	count, err := op(ctx, streamID, userID)
	if err != nil {
		return 0, fmt.Errorf("update presence: %w", err)
	}
	// the count is a snapshot; receivers keep the latest observation
	ev := channel.ViewerCount{StreamID: streamID, Count: count, ObservedAt: s.now().UTC()}
	if err := s.Broadcast(ctx, streamID, ev); err != nil {
		s.logger.Warn("viewer count not published", slog.String("stream_id", streamID), slog.Any("error", err))
	}
	return count, nil
}

// ============================================================================
// Broadcast and state
// ============================================================================

// Broadcast publishes ev on the stream topic.
func (s *StreamService) Broadcast(ctx context.Context, streamID string, ev channel.Event) error {
	if streamID == "" {
		return apperr.Invalid("streamId", "is required")
	}
	if ev == nil {
		return apperr.Invalid("event", "is required")
	}
	if _, err := s.publisher.Publish(ctx, channel.StreamTopic(streamID), ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Kind(), err)
	}
	return nil
}

// Snapshot fetches the canonical state of a stream once.
func (s *StreamService) Snapshot(ctx context.Context, streamID string) (poller.Snapshot, error) {
	if streamID == "" {
		return poller.Snapshot{}, apperr.Invalid("streamId", "is required")
	}
	store := poller.NewStore(streamID, s.pollOpts.MessageLimit)
	p := poller.New(streamID, s.source, store, s.pollOpts, s.logger)
	if err := p.FetchAll(ctx); err != nil {
		return poller.Snapshot{}, err
	}
	return store.Snapshot(), nil
}

// OpenSession starts a push plus poll session. The caller must Close it.
func (s *StreamService) OpenSession(ctx context.Context, streamID string) (*poller.Session, error) {
	if streamID == "" {
		return nil, apperr.Invalid("streamId", "is required")
	}
	session := poller.NewSession(streamID, s.client, s.source, s.pollOpts, s.logger)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
