package events

import "context"

type ctxKey int

const (
	depthKey ctxKey = iota
	correlationKey
	actorKey
)

// WithDepth tags ctx with the workflow depth token for work done inside it.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// DepthFrom returns the depth token of ctx, zero when untagged.
func DepthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey).(int)
	return d
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// WithActor records the user on whose behalf work inside ctx is done.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey, userID)
}

func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey).(string)
	return id
}
