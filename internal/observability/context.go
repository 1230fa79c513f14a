package observability

import "context"

type interactionKey struct{}

// WithInteractionLogger attaches il to ctx so provider clients deep in the
// call chain can record prompts and responses for the current diagnosis.
func WithInteractionLogger(ctx context.Context, il *InteractionLogger) context.Context {
	return context.WithValue(ctx, interactionKey{}, il)
}

// InteractionLoggerFrom returns the logger attached to ctx, or nil.
func InteractionLoggerFrom(ctx context.Context) *InteractionLogger {
	il, _ := ctx.Value(interactionKey{}).(*InteractionLogger)
	return il
}
