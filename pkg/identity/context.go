package identity

import (
	"context"
	"errors"
)

type contextKey string

const actorKey contextKey = "actor"

// ErrNoActor is returned when a handler runs without an authenticated actor
// in its context, which means the middleware chain is miswired.
var ErrNoActor = errors.New("no actor in context")

// WithActor attaches an Actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom retrieves the Actor from the context.
func ActorFrom(ctx context.Context) (Actor, error) {
	a, ok := ctx.Value(actorKey).(Actor)
	if !ok || !a.Valid() {
		return Actor{}, ErrNoActor
	}
	return a, nil
}

// TenantID is a helper to get the tenant from the context's Actor.
func TenantID(ctx context.Context) (string, error) {
	a, err := ActorFrom(ctx)
	if err != nil {
		return "", err
	}
	return a.TenantID, nil
}

// MustActor panics if no actor is present (use only when middleware
// guarantees it).
func MustActor(ctx context.Context) Actor {
	a, err := ActorFrom(ctx)
	if err != nil {
		panic(err)
	}
	return a
}
