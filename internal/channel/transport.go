package channel

import (
	"context"
)

// State is the connection state of a Client.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Transport is the realtime substrate under a Client.
//
// Connect, Attach, Detach and Close are called by one Client at a time.
// Publish must work without Connect so publishers need no subscription.
// deliver is called from one goroutine per transport and must not block.
type Transport interface {
	Connect(ctx context.Context) error
	Attach(ctx context.Context, topic string, deliver func([]byte)) error
	Detach(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	// SetStateHandler registers the callback for transport-detected state changes.
	SetStateHandler(func(State))
	Close() error
}
