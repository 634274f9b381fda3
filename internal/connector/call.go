package connector

import "context"

// Call identifies the step attempt an Invoke belongs to. The dispatcher
// attaches it to the context so connectors can tag their side effects.
type Call struct {
	RunID   string
	FlowID  string
	StepID  string
	Attempt int
}

type callKey struct{}

func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the Call attached by WithCall
func CallFrom(ctx context.Context) (Call, bool) {
	c, ok := ctx.Value(callKey{}).(Call)
	return c, ok
}
