package interfaces

import (
	"context"

	"roomsync/pkg/types"
)

// Handler receives delivered envelopes. It may be invoked more than once for
// the same envelope, so implementations must be idempotent.
type Handler func(env *types.Envelope)

// Unsubscribe deregisters a subscription. Safe to call more than once.
type Unsubscribe func()

// Channel is the room-scoped publish/subscribe transport.
// Publish delivers to every current subscriber of the room at least once,
// preserving the order issued by a single publisher.
type Channel interface {
	// Publish broadcasts payload as eventType inside roomID
	Publish(ctx context.Context, roomID string, eventType types.EventType, senderID string, payload any) error

	// Subscribe registers handler for eventType (or types.EventAll) inside roomID
	Subscribe(roomID string, eventType types.EventType, handler Handler) (Unsubscribe, error)
}
