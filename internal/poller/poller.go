package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Resource string

const (
	ResourceMessages    Resource = "messages"
	ResourceLeaderboard Resource = "leaderboard"
	ResourceGoals       Resource = "goals"
	ResourcePoll        Resource = "poll"
	ResourceCountdown   Resource = "countdown"
	ResourceViewers     Resource = "viewers"
	ResourceFeatured    Resource = "featured"
)

// VolatileResources are fetched every VolatileInterval, StableResources every StableInterval.
var (
	VolatileResources = []Resource{
		ResourceMessages, ResourceLeaderboard, ResourceGoals,
		ResourcePoll, ResourceCountdown, ResourceViewers,
	}
	StableResources = []Resource{ResourceFeatured}
)

type Options struct {
	VolatileInterval time.Duration
	StableInterval   time.Duration
	MessageLimit     int
	LeaderboardLimit int
}

func (o Options) withDefaults() Options {
	if o.VolatileInterval <= 0 {
		o.VolatileInterval = 5 * time.Second
	}
	if o.StableInterval <= 0 {
		o.StableInterval = 10 * time.Second
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 100
	}
	if o.LeaderboardLimit <= 0 {
		o.LeaderboardLimit = 10
	}
	return o
}

// Poller re-fetches canonical state into a Store on a timer.
// It runs whether or not the push channel is connected: push events only say
// that something changed, the poller fetches what it changed to.
type Poller struct {
	streamID string
	source   Source
	store    *Store
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[Resource]struct{}
	wake    chan struct{}
}

func New(streamID string, source Source, store *Store, opts Options, logger *slog.Logger) *Poller {
	return &Poller{
		streamID: streamID,
		source:   source,
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger.With(slog.String("module", "poller"), slog.String("stream_id", streamID)),
		now:      time.Now,
		pending:  make(map[Resource]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Run fetches everything once, then polls until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started")
	defer p.logger.Info("poller stopped")

	p.fetchAll(ctx, VolatileResources)
	p.fetchAll(ctx, StableResources)

	volatile := time.NewTicker(p.opts.VolatileInterval)
	defer volatile.Stop()
	stable := time.NewTicker(p.opts.StableInterval)
	defer stable.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-volatile.C:
			p.fetchAll(ctx, VolatileResources)
		case <-stable.C:
			p.fetchAll(ctx, StableResources)
		case <-p.wake:
			p.fetchAll(ctx, p.takePending())
		}
	}
}

// Invalidate schedules an immediate fetch of r. It never blocks; repeated
// invalidations before the fetch runs collapse into one.
func (p *Poller) Invalidate(r Resource) {
	p.mu.Lock()
	p.pending[r] = struct{}{}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) takePending() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, 0, len(p.pending))
	for r := range p.pending {
		out = append(out, r)
	}
	p.pending = make(map[Resource]struct{})
	return out
}

func (p *Poller) fetchAll(ctx context.Context, rs []Resource) {
	for _, r := range rs {
		if ctx.Err() != nil {
			return
		}
		if err := p.Fetch(ctx, r); err != nil {
			p.logger.Warn("fetch failed", slog.String("resource", string(r)), slog.Any("error", err))
		}
	}
}

// FetchAll fetches every resource once and returns the first error.
func (p *Poller) FetchAll(ctx context.Context) error {
	for _, rs := range [][]Resource{VolatileResources, StableResources} {
		for _, r := range rs {
			if err := p.Fetch(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fetch reads one resource from the source and merges it into the store.
func (p *Poller) Fetch(ctx context.Context, r Resource) error {
	switch r {
	case ResourceMessages:
		ms, err := p.source.Messages(ctx, p.streamID, p.opts.MessageLimit)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		p.store.MergeMessages(ms)
	case ResourceLeaderboard:
		lb, err := p.source.Leaderboard(ctx, p.streamID, p.opts.LeaderboardLimit)
		if err != nil {
			return fmt.Errorf("fetch leaderboard: %w", err)
		}
		p.store.SetLeaderboard(lb)
	case ResourceGoals:
		goals, err := p.source.Goals(ctx, p.streamID)
		if err != nil {
			return fmt.Errorf("fetch goals: %w", err)
		}
		p.store.ReplaceGoals(goals)
	case ResourcePoll:
		poll, err := p.source.ActivePoll(ctx, p.streamID)
		if err != nil {
			return fmt.Errorf("fetch poll: %w", err)
		}
		p.store.SetPoll(poll)
	case ResourceCountdown:
		c, err := p.source.ActiveCountdown(ctx, p.streamID)
		if err != nil {
			return fmt.Errorf("fetch countdown: %w", err)
		}
		p.store.SetCountdown(c)
	case ResourceViewers:
		at := p.now()
		n, err := p.source.ViewerCount(ctx, p.streamID)
		if err != nil {
			return fmt.Errorf("fetch viewers: %w", err)
		}
		p.store.SetViewerCount(n, at)
	case ResourceFeatured:
		creators, err := p.source.FeaturedCreators(ctx)
		if err != nil {
			return fmt.Errorf("fetch featured creators: %w", err)
		}
		p.store.SetFeatured(creators)
	default:
		return fmt.Errorf("unknown resource %q", r)
	}
	return nil
}
