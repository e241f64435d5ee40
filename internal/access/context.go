// ABOUTME: Actor context for tracking who triggered an operation
// ABOUTME: Provides WithActor/ActorFrom for propagating identity via context

package access

import (
	"context"

	"github.com/2389/condor/internal/store"
)

// Actor identifies who is acting and where.
type Actor struct {
	UserID store.UserID
	ChatID string
	Topic  string
}

type actorKey struct{}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom retrieves the Actor from the context.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
