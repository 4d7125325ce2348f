package poller

import (
	"context"
	"sync"

	"liveeconomy/internal/infrastructure/cache"
	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
)

// Source fetches canonical stream state.
type Source interface {
	Messages(ctx context.Context, streamID string, limit int) ([]model.StreamMessage, error)
	Leaderboard(ctx context.Context, streamID string, limit int) (Leaderboard, error)
	Goals(ctx context.Context, streamID string) ([]model.StreamGoal, error)
	// ActivePoll and ActiveCountdown return nil, nil when there is none.
	ActivePoll(ctx context.Context, streamID string) (*model.StreamPoll, error)
	ActiveCountdown(ctx context.Context, streamID string) (*model.StreamCountdown, error)
	ViewerCount(ctx context.Context, streamID string) (int64, error)
	FeaturedCreators(ctx context.Context) ([]model.FeaturedCreator, error)
}

// GormSource reads the stream tables and the audit trail, and viewer presence from redis.
type GormSource struct {
	streams  *repository.StreamStateRepository
	audit    *repository.AuditRepository
	presence *cache.Presence
}

func NewGormSource(streams *repository.StreamStateRepository, audit *repository.AuditRepository, presence *cache.Presence) *GormSource {
	return &GormSource{streams: streams, audit: audit, presence: presence}
}

func (s *GormSource) Messages(ctx context.Context, streamID string, limit int) ([]model.StreamMessage, error) {
	return s.streams.ListMessages(ctx, streamID, limit)
}

func (s *GormSource) Leaderboard(ctx context.Context, streamID string, limit int) (Leaderboard, error) {
	rows, err := s.audit.StreamLeaderboard(ctx, streamID, limit)
	if err != nil {
		return Leaderboard{}, err
	}
	return NewLeaderboard(rows), nil
}

func (s *GormSource) Goals(ctx context.Context, streamID string) ([]model.StreamGoal, error) {
	return s.streams.ListGoals(ctx, streamID)
}

func (s *GormSource) ActivePoll(ctx context.Context, streamID string) (*model.StreamPoll, error) {
	return s.streams.GetActivePoll(ctx, streamID)
}

func (s *GormSource) ActiveCountdown(ctx context.Context, streamID string) (*model.StreamCountdown, error) {
	return s.streams.GetActiveCountdown(ctx, streamID)
}

func (s *GormSource) ViewerCount(ctx context.Context, streamID string) (int64, error) {
	if s.presence == nil {
		return 0, nil
	}
	return s.presence.Count(ctx, streamID)
}

func (s *GormSource) FeaturedCreators(ctx context.Context) ([]model.FeaturedCreator, error) {
	return s.streams.ListFeaturedCreators(ctx)
}

// MemorySource is a settable Source for tests and local runs.
type MemorySource struct {
	mu          sync.Mutex
	messages    map[string][]model.StreamMessage
	leaderboard map[string]Leaderboard
	goals       map[string][]model.StreamGoal
	polls       map[string]*model.StreamPoll
	countdowns  map[string]*model.StreamCountdown
	viewers     map[string]int64
	featured    []model.FeaturedCreator
	err         error
	calls       map[Resource]int
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		messages:    make(map[string][]model.StreamMessage),
		leaderboard: make(map[string]Leaderboard),
		goals:       make(map[string][]model.StreamGoal),
		polls:       make(map[string]*model.StreamPoll),
		countdowns:  make(map[string]*model.StreamCountdown),
		viewers:     make(map[string]int64),
		calls:       make(map[Resource]int),
	}
}

func (s *MemorySource) AddMessage(m model.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.StreamID] = append(s.messages[m.StreamID], m)
}

func (s *MemorySource) SetLeaderboard(streamID string, rows []repository.LeaderboardRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderboard[streamID] = NewLeaderboard(rows)
}

func (s *MemorySource) SetGoals(streamID string, goals []model.StreamGoal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goals[streamID] = goals
}

func (s *MemorySource) SetPoll(streamID string, p *model.StreamPoll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[streamID] = p
}

func (s *MemorySource) SetCountdown(streamID string, c *model.StreamCountdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdowns[streamID] = c
}

func (s *MemorySource) SetViewers(streamID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers[streamID] = n
}

func (s *MemorySource) SetFeatured(creators []model.FeaturedCreator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featured = creators
}

// FailWith makes every fetch return err until called with nil.
func (s *MemorySource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many times r was fetched.
func (s *MemorySource) Calls(r Resource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[r]
}

func (s *MemorySource) begin(r Resource) error {
	s.calls[r]++
	return s.err
}

func (s *MemorySource) Messages(_ context.Context, streamID string, limit int) ([]model.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceMessages); err != nil {
		return nil, err
	}
	all := s.messages[streamID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]model.StreamMessage(nil), all...), nil
}

func (s *MemorySource) Leaderboard(_ context.Context, streamID string, limit int) (Leaderboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceLeaderboard); err != nil {
		return Leaderboard{}, err
	}
	lb := s.leaderboard[streamID]
	if len(lb.Entries) > limit {
		return NewLeaderboard(lb.Entries[:limit]), nil
	}
	return NewLeaderboard(append([]repository.LeaderboardRow(nil), lb.Entries...)), nil
}

func (s *MemorySource) Goals(_ context.Context, streamID string) ([]model.StreamGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceGoals); err != nil {
		return nil, err
	}
	return append([]model.StreamGoal(nil), s.goals[streamID]...), nil
}

func (s *MemorySource) ActivePoll(_ context.Context, streamID string) (*model.StreamPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourcePoll); err != nil {
		return nil, err
	}
	return s.polls[streamID], nil
}

func (s *MemorySource) ActiveCountdown(_ context.Context, streamID string) (*model.StreamCountdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceCountdown); err != nil {
		return nil, err
	}
	return s.countdowns[streamID], nil
}

func (s *MemorySource) ViewerCount(_ context.Context, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceViewers); err != nil {
		return 0, err
	}
	return s.viewers[streamID], nil
}

func (s *MemorySource) FeaturedCreators(_ context.Context) ([]model.FeaturedCreator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ResourceFeatured); err != nil {
		return nil, err
	}
	return append([]model.FeaturedCreator(nil), s.featured...), nil
}
