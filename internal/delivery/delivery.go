package delivery

import (
	"context"

	"github.com/trilliondigital/near-me-sub002/internal/notification"
)

// Payload is what a Deliverer pushes to the user's devices. Exactly one of
// Notification or Bundle is set.
type Payload struct {
	UserID       string
	Notification *notification.Notification
	Bundle       *notification.Bundle
}

// Deliverer is the outbound push transport. On-device rendering, token
// management and provider plumbing live behind it; the engine only needs a
// synchronous, context-bounded send.
//
// Send must return an error for transient provider failures so the scheduler
// can retry with backoff.
type Deliverer interface {
	Send(ctx context.Context, p Payload) error
}

// Func adapts a function to the Deliverer interface.
type Func func(ctx context.Context, p Payload) error

func (f Func) Send(ctx context.Context, p Payload) error { return f(ctx, p) }
