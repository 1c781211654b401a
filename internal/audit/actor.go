package audit

import "context"

type actorKey struct{}

// WithActor tags ctx with the identity recorded on every audit entry
// written under it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns nil for anonymous contexts so the column stays NULL.
func ActorFrom(ctx context.Context) *string {
	actor, ok := ctx.Value(actorKey{}).(string)
	if !ok || actor == "" {
		return nil
	}
	return &actor
}
