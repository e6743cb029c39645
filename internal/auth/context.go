package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// ErrForbidden is returned when a resource belongs to another user.
var ErrForbidden = errors.New("resource belongs to another user")

// ContextWithActor returns a new context that carries the authenticated user.
func ContextWithActor(ctx context.Context, email string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, strings.TrimSpace(email))
}

// ActorFromContext retrieves the authenticated user from the context, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}

// EnforceActorScope ensures owner matches the authenticated user.
func EnforceActorScope(ctx context.Context, owner string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("no authenticated user")
	}
	if !strings.EqualFold(actor, strings.TrimSpace(owner)) {
		return ErrForbidden
	}
	return nil
}
