// Package poller keeps the client-visible state of one stream.
//
// Two producers write into a Store: push events from the event channel and
// periodic re-fetches from a Source. Every merge is idempotent and never
// moves state backwards, so the order the two producers arrive in does not
// matter.
package poller

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"liveeconomy/internal/model"
	"liveeconomy/internal/repository"
)

// Leaderboard is the top senders of a stream. Version is the sum of the
// listed totals; totals only grow, so a lower version is an older read.
type Leaderboard struct {
	Entries []repository.LeaderboardRow `json:"entries"`
	Version int64                       `json:"version"`
}

func NewLeaderboard(rows []repository.LeaderboardRow) Leaderboard {
	lb := Leaderboard{Entries: rows}
	for _, r := range rows {
		lb.Version += r.Total
	}
	return lb
}

const (
	GuestInvited  = "invited"
	GuestAccepted = "accepted"
	GuestJoined   = "joined"
)

type Guest struct {
	GuestID int64  `json:"guest_id"`
	Status  string `json:"status"`
}

// Snapshot is a copy of the state handed to listeners and readers.
type Snapshot struct {
	StreamID    string                  `json:"stream_id"`
	Messages    []model.StreamMessage   `json:"messages"`
	Leaderboard Leaderboard             `json:"leaderboard"`
	ViewerCount int64                   `json:"viewer_count"`
	ViewersAt   time.Time               `json:"viewers_at"`
	Goals       []model.StreamGoal      `json:"goals"`
	Poll        *model.StreamPoll       `json:"poll,omitempty"`
	Countdown   *model.StreamCountdown  `json:"countdown,omitempty"`
	Featured    []model.FeaturedCreator `json:"featured"`
	Spotlight   int64                   `json:"spotlight,omitempty"`
	Guests      []Guest                 `json:"guests"`
	Connection  string                  `json:"connection"`
}

type Store struct {
	mu           sync.RWMutex
	state        Snapshot
	messageLimit int
	seenMessages map[int64]struct{}
	guests       map[int64]string
	listeners    map[int]func(Snapshot)
	nextListener int
}

// NewStore keeps at most messageLimit messages, newest last.
func NewStore(streamID string, messageLimit int) *Store {
	if messageLimit <= 0 {
		messageLimit = 100
	}
	return &Store{
		state:        Snapshot{StreamID: streamID},
		messageLimit: messageLimit,
		seenMessages: make(map[int64]struct{}),
		guests:       make(map[int64]string),
		listeners:    make(map[int]func(Snapshot)),
	}
}

// OnChange registers fn; it is called after every change with the new snapshot.
func (s *Store) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// update runs fn under the write lock and notifies listeners when fn reports a change.
func (s *Store) update(fn func() bool) bool {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	snap := s.copyLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l)
	}
	s.mu.Unlock()

	for _, l := range fns {
		l(snap)
	}
	return true
}

// ============================================================================
// Messages
// ============================================================================

// AppendMessage adds a pushed message unless its id was already applied.
func (s *Store) AppendMessage(m model.StreamMessage) bool {
	return s.MergeMessages([]model.StreamMessage{m})
}

// MergeMessages unions fetched messages with the current list by id, trimmed to the newest messageLimit.
// Once the list is full, messages older than the retained window are ignored.
func (s *Store) MergeMessages(ms []model.StreamMessage) bool {
	return s.update(func() bool {
		var floor int64
		if len(s.state.Messages) >= s.messageLimit {
			floor = s.state.Messages[0].ID
		}
		changed := false
		for _, m := range ms {
			if _, ok := s.seenMessages[m.ID]; ok || m.ID < floor {
				continue
			}
			s.seenMessages[m.ID] = struct{}{}
			s.state.Messages = append(s.state.Messages, m)
			changed = true
		}
		if !changed {
			return false
		}
		sort.Slice(s.state.Messages, func(i, j int) bool { return s.state.Messages[i].ID < s.state.Messages[j].ID })
		if over := len(s.state.Messages) - s.messageLimit; over > 0 {
			for _, m := range s.state.Messages[:over] {
				delete(s.seenMessages, m.ID)
			}
			s.state.Messages = append([]model.StreamMessage(nil), s.state.Messages[over:]...)
		}
		return true
	})
}

// ============================================================================
// Leaderboard, viewers
// ============================================================================

// SetLeaderboard replaces the leaderboard unless lb is an older read.
func (s *Store) SetLeaderboard(lb Leaderboard) bool {
	return s.update(func() bool {
		if lb.Version < s.state.Leaderboard.Version {
			return false
		}
		if reflect.DeepEqual(lb, s.state.Leaderboard) {
			return false
		}
		s.state.Leaderboard = lb
		return true
	})
}

// SetViewerCount overwrites the count when at is not older than the current observation.
func (s *Store) SetViewerCount(count int64, at time.Time) bool {
	return s.update(func() bool {
		if at.Before(s.state.ViewersAt) {
			return false
		}
		if count == s.state.ViewerCount && at.Equal(s.state.ViewersAt) {
			return false
		}
		s.state.ViewerCount = count
		s.state.ViewersAt = at
		return true
	})
}

// ============================================================================
// Goals, poll, countdown
// ============================================================================

// ApplyGoal overwrites one goal when g is not older than the stored one.
func (s *Store) ApplyGoal(g model.StreamGoal) bool {
	return s.update(func() bool {
		return s.applyGoalLocked(g)
	})
}

// ReplaceGoals sets the goal list to the fetched one, keeping newer local values of goals it contains.
func (s *Store) ReplaceGoals(goals []model.StreamGoal) bool {
	return s.update(func() bool {
		current := make(map[int64]model.StreamGoal, len(s.state.Goals))
		for _, g := range s.state.Goals {
			current[g.ID] = g
		}
		next := make([]model.StreamGoal, 0, len(goals))
		for _, g := range goals {
			if cur, ok := current[g.ID]; ok && cur.UpdatedAt.After(g.UpdatedAt) {
				g = cur
			}
			next = append(next, g)
		}
		sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
		if reflect.DeepEqual(next, s.state.Goals) || (len(next) == 0 && len(s.state.Goals) == 0) {
			return false
		}
		s.state.Goals = next
		return true
	})
}

func (s *Store) applyGoalLocked(g model.StreamGoal) bool {
	for i, cur := range s.state.Goals {
		if cur.ID != g.ID {
			continue
		}
		if g.UpdatedAt.Before(cur.UpdatedAt) || reflect.DeepEqual(cur, g) {
			return false
		}
		s.state.Goals[i] = g
		return true
	}
	s.state.Goals = append(s.state.Goals, g)
	sort.Slice(s.state.Goals, func(i, j int) bool { return s.state.Goals[i].ID < s.state.Goals[j].ID })
	return true
}

// SetPoll replaces the active poll. nil clears it.
func (s *Store) SetPoll(p *model.StreamPoll) bool {
	return s.update(func() bool {
		cur := s.state.Poll
		switch {
		case p == nil && cur == nil:
			return false
		case p != nil && cur != nil && p.ID == cur.ID && p.UpdatedAt.Before(cur.UpdatedAt):
			return false
		case p != nil && cur != nil && reflect.DeepEqual(*p, *cur):
			return false
		}
		if p != nil {
			cp := *p
			cp.Options = append([]model.StreamPollOption(nil), p.Options...)
			p = &cp
		}
		s.state.Poll = p
		return true
	})
}

// SetCountdown replaces the active countdown. nil or an inactive countdown clears it.
func (s *Store) SetCountdown(c *model.StreamCountdown) bool {
	return s.update(func() bool {
		cur := s.state.Countdown
		if c != nil && cur != nil && c.ID == cur.ID && c.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
		if c != nil && !c.Active {
			c = nil
		}
		switch {
		case c == nil && cur == nil:
			return false
		case c != nil && cur != nil && *c == *cur:
			return false
		}
		if c != nil {
			cp := *c
			c = &cp
		}
		s.state.Countdown = c
		return true
	})
}

// ============================================================================
// Featured creators, spotlight, guests, connection
// ============================================================================

func (s *Store) SetFeatured(creators []model.FeaturedCreator) bool {
	return s.update(func() bool {
		if reflect.DeepEqual(creators, s.state.Featured) || (len(creators) == 0 && len(s.state.Featured) == 0) {
			return false
		}
		s.state.Featured = append([]model.FeaturedCreator(nil), creators...)
		return true
	})
}

func (s *Store) SetSpotlight(creatorID int64) bool {
	return s.update(func() bool {
		if s.state.Spotlight == creatorID {
			return false
		}
		s.state.Spotlight = creatorID
		return true
	})
}

// SetGuest records a guest status. An empty status removes the guest.
func (s *Store) SetGuest(guestID int64, status string) bool {
	return s.update(func() bool {
		cur, ok := s.guests[guestID]
		if status == "" {
			if !ok {
				return false
			}
			delete(s.guests, guestID)
		} else {
			if ok && (cur == status || guestRank(status) < guestRank(cur)) {
				return false
			}
			s.guests[guestID] = status
		}
		s.state.Guests = s.state.Guests[:0]
		for id, st := range s.guests {
			s.state.Guests = append(s.state.Guests, Guest{GuestID: id, Status: st})
		}
		sort.Slice(s.state.Guests, func(i, j int) bool { return s.state.Guests[i].GuestID < s.state.Guests[j].GuestID })
		return true
	})
}

func guestRank(status string) int {
	switch status {
	case GuestInvited:
		return 1
	case GuestAccepted:
		return 2
	case GuestJoined:
		return 3
	}
	return 0
}

// SetConnection records the push channel state so readers can show it.
func (s *Store) SetConnection(state string) bool {
	return s.update(func() bool {
		if s.state.Connection == state {
			return false
		}
		s.state.Connection = state
		return true
	})
}

func (s *Store) copyLocked() Snapshot {
	snap := s.state
	snap.Messages = append([]model.StreamMessage(nil), s.state.Messages...)
	snap.Leaderboard.Entries = append([]repository.LeaderboardRow(nil), s.state.Leaderboard.Entries...)
	snap.Goals = append([]model.StreamGoal(nil), s.state.Goals...)
	snap.Featured = append([]model.FeaturedCreator(nil), s.state.Featured...)
	snap.Guests = append([]Guest(nil), s.state.Guests...)
	if s.state.Poll != nil {
		p := *s.state.Poll
		p.Options = append([]model.StreamPollOption(nil), s.state.Poll.Options...)
		snap.Poll = &p
	}
	if s.state.Countdown != nil {
		c := *s.state.Countdown
		snap.Countdown = &c
	}
	return snap
}
