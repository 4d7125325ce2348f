package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of one published event. Seq increases per topic;
// zero means the publisher could not sequence it and ID alone identifies it.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Kind        Kind            `json:"kind"`
	Seq         int64           `json:"seq"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

func NewEnvelope(topic string, seq int64, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Kind:        ev.Kind(),
		Seq:         seq,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// key identifies the envelope for duplicate suppression. Empty means unknown.
func (e Envelope) key() string {
	if e.Seq > 0 {
		return fmt.Sprintf("%s#%d", e.Kind, e.Seq)
	}
	if e.ID != "" {
		return string(e.Kind) + "#" + e.ID
	}
	return ""
}

// Event decodes the payload into its typed event.
func (e Envelope) Event() (Event, error) {
	return Decode(e.Kind, e.Payload)
}

func StreamTopic(streamID string) string {
	return "stream:" + streamID
}

func UserTopic(userID int64) string {
	return fmt.Sprintf("user:%d:notifications", userID)
}

// StreamIDOf returns the stream id of a stream topic.
func StreamIDOf(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "stream:")
	return id, ok && id != ""
}
