// Package channel fans typed live events out to topic subscribers.
//
// Events are a closed set. Each kind has its own payload type and its own
// Visitor method, so adding a kind breaks every Visitor implementation at
// compile time instead of being silently ignored at runtime.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindChatMessage     Kind = "chat_message"
	KindTip             Kind = "tip"
	KindGift            Kind = "gift"
	KindViewerCount     Kind = "viewer_count"
	KindGoalUpdate      Kind = "goal_update"
	KindPollUpdate      Kind = "poll_update"
	KindCountdownUpdate Kind = "countdown_update"
	KindSpotlightChange Kind = "spotlight_change"
	KindGuestInvite     Kind = "guest_invite"
	KindGuestAccepted   Kind = "guest_accepted"
	KindGuestJoined     Kind = "guest_joined"
	KindGuestRemoved    Kind = "guest_removed"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Event is implemented only by the payload types in this file.
type Event interface {
	Kind() Kind
	Accept(v Visitor)
	sealed()
}

// Visitor has one method per event kind.
type Visitor interface {
	ChatMessage(ChatMessage)
	Tip(Tip)
	Gift(Gift)
	ViewerCount(ViewerCount)
	GoalUpdate(GoalUpdate)
	PollUpdate(PollUpdate)
	CountdownUpdate(CountdownUpdate)
	SpotlightChange(SpotlightChange)
	GuestInvite(GuestInvite)
	GuestAccepted(GuestAccepted)
	GuestJoined(GuestJoined)
	GuestRemoved(GuestRemoved)
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"stream_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Tip struct {
	StreamID      string `json:"stream_id"`
	SenderID      int64  `json:"sender_id"`
	CreatorID     int64  `json:"creator_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

type Gift struct {
	StreamID      string `json:"stream_id"`
	SenderID      int64  `json:"sender_id"`
	CreatorID     int64  `json:"creator_id"`
	Amount        int64  `json:"amount"`
	GiftID        string `json:"gift_id"`
	GiftName      string `json:"gift_name"`
	TransactionID string `json:"transaction_id"`
}

// ViewerCount carries an absolute count. Receivers overwrite, never add.
type ViewerCount struct {
	StreamID   string    `json:"stream_id"`
	Count      int64     `json:"count"`
	ObservedAt time.Time `json:"observed_at"`
}

// GoalUpdate carries the full goal values.
type GoalUpdate struct {
	StreamID  string    `json:"stream_id"`
	GoalID    int64     `json:"goal_id"`
	Title     string    `json:"title"`
	Target    int64     `json:"target"`
	Current   int64     `json:"current"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PollUpdate only says that a poll changed. Tallies come from the poller.
type PollUpdate struct {
	StreamID  string    `json:"stream_id"`
	PollID    int64     `json:"poll_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CountdownUpdate struct {
	StreamID    string    `json:"stream_id"`
	CountdownID int64     `json:"countdown_id"`
	Label       string    `json:"label"`
	EndsAt      time.Time `json:"ends_at"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SpotlightChange struct {
	StreamID  string `json:"stream_id"`
	CreatorID int64  `json:"creator_id"`
}

type GuestInvite struct {
	StreamID string `json:"stream_id"`
	HostID   int64  `json:"host_id"`
	GuestID  int64  `json:"guest_id"`
}

type GuestAccepted struct {
	StreamID string `json:"stream_id"`
	GuestID  int64  `json:"guest_id"`
}

type GuestJoined struct {
	StreamID string `json:"stream_id"`
	GuestID  int64  `json:"guest_id"`
}

type GuestRemoved struct {
	StreamID string `json:"stream_id"`
	GuestID  int64  `json:"guest_id"`
	Reason   string `json:"reason,omitempty"`
}

func (ChatMessage) Kind() Kind     { return KindChatMessage }
func (Tip) Kind() Kind             { return KindTip }
func (Gift) Kind() Kind            { return KindGift }
func (ViewerCount) Kind() Kind     { return KindViewerCount }
func (GoalUpdate) Kind() Kind      { return KindGoalUpdate }
func (PollUpdate) Kind() Kind      { return KindPollUpdate }
func (CountdownUpdate) Kind() Kind { return KindCountdownUpdate }
func (SpotlightChange) Kind() Kind { return KindSpotlightChange }
func (GuestInvite) Kind() Kind     { return KindGuestInvite }
func (GuestAccepted) Kind() Kind   { return KindGuestAccepted }
func (GuestJoined) Kind() Kind     { return KindGuestJoined }
func (GuestRemoved) Kind() Kind    { return KindGuestRemoved }

func (e ChatMessage) Accept(v Visitor)     { v.ChatMessage(e) }
func (e Tip) Accept(v Visitor)             { v.Tip(e) }
func (e Gift) Accept(v Visitor)            { v.Gift(e) }
func (e ViewerCount) Accept(v Visitor)     { v.ViewerCount(e) }
func (e GoalUpdate) Accept(v Visitor)      { v.GoalUpdate(e) }
func (e PollUpdate) Accept(v Visitor)      { v.PollUpdate(e) }
func (e CountdownUpdate) Accept(v Visitor) { v.CountdownUpdate(e) }
func (e SpotlightChange) Accept(v Visitor) { v.SpotlightChange(e) }
func (e GuestInvite) Accept(v Visitor)     { v.GuestInvite(e) }
func (e GuestAccepted) Accept(v Visitor)   { v.GuestAccepted(e) }
func (e GuestJoined) Accept(v Visitor)     { v.GuestJoined(e) }
func (e GuestRemoved) Accept(v Visitor)    { v.GuestRemoved(e) }

func (ChatMessage) sealed()     {}
func (Tip) sealed()             {}
func (Gift) sealed()            {}
func (ViewerCount) sealed()     {}
func (GoalUpdate) sealed()      {}
func (PollUpdate) sealed()      {}
func (CountdownUpdate) sealed() {}
func (SpotlightChange) sealed() {}
func (GuestInvite) sealed()     {}
func (GuestAccepted) sealed()   {}
func (GuestJoined) sealed()     {}
func (GuestRemoved) sealed()    {}

// Decode parses payload as the event type for kind.
func Decode(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindChatMessage:
		return decode[ChatMessage](payload)
	case KindTip:
		return decode[Tip](payload)
	case KindGift:
		return decode[Gift](payload)
	case KindViewerCount:
		return decode[ViewerCount](payload)
	case KindGoalUpdate:
		return decode[GoalUpdate](payload)
	case KindPollUpdate:
		return decode[PollUpdate](payload)
	case KindCountdownUpdate:
		return decode[CountdownUpdate](payload)
	case KindSpotlightChange:
		return decode[SpotlightChange](payload)
	case KindGuestInvite:
		return decode[GuestInvite](payload)
	case KindGuestAccepted:
		return decode[GuestAccepted](payload)
	case KindGuestJoined:
		return decode[GuestJoined](payload)
	case KindGuestRemoved:
		return decode[GuestRemoved](payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decode[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Handlers adapts optional funcs to a Visitor. Nil fields ignore their kind.
type Handlers struct {
	OnChatMessage     func(ChatMessage)
	OnTip             func(Tip)
	OnGift            func(Gift)
	OnViewerCount     func(ViewerCount)
	OnGoalUpdate      func(GoalUpdate)
	OnPollUpdate      func(PollUpdate)
	OnCountdownUpdate func(CountdownUpdate)
	OnSpotlightChange func(SpotlightChange)
	OnGuestInvite     func(GuestInvite)
	OnGuestAccepted   func(GuestAccepted)
	OnGuestJoined     func(GuestJoined)
	OnGuestRemoved    func(GuestRemoved)
}

var _ Visitor = Handlers{}

func (h Handlers) ChatMessage(e ChatMessage) {
	if h.OnChatMessage != nil {
		h.OnChatMessage(e)
	}
}

func (h Handlers) Tip(e Tip) {
	if h.OnTip != nil {
		h.OnTip(e)
	}
}

func (h Handlers) Gift(e Gift) {
	if h.OnGift != nil {
		h.OnGift(e)
	}
}

func (h Handlers) ViewerCount(e ViewerCount) {
	if h.OnViewerCount != nil {
		h.OnViewerCount(e)
	}
}

func (h Handlers) GoalUpdate(e GoalUpdate) {
	if h.OnGoalUpdate != nil {
		h.OnGoalUpdate(e)
	}
}

func (h Handlers) PollUpdate(e PollUpdate) {
	if h.OnPollUpdate != nil {
		h.OnPollUpdate(e)
	}
}

func (h Handlers) CountdownUpdate(e CountdownUpdate) {
	if h.OnCountdownUpdate != nil {
		h.OnCountdownUpdate(e)
	}
}

func (h Handlers) SpotlightChange(e SpotlightChange) {
	if h.OnSpotlightChange != nil {
		h.OnSpotlightChange(e)
	}
}

func (h Handlers) GuestInvite(e GuestInvite) {
	if h.OnGuestInvite != nil {
		h.OnGuestInvite(e)
	}
}

func (h Handlers) GuestAccepted(e GuestAccepted) {
	if h.OnGuestAccepted != nil {
		h.OnGuestAccepted(e)
	}
}

func (h Handlers) GuestJoined(e GuestJoined) {
	if h.OnGuestJoined != nil {
		h.OnGuestJoined(e)
	}
}

func (h Handlers) GuestRemoved(e GuestRemoved) {
	if h.OnGuestRemoved != nil {
		h.OnGuestRemoved(e)
	}
}
