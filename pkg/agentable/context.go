package agentable

import "context"

// Dispatch keys and values used in invocation context maps. The "type" key
// selects the context-building branch for the current turn only.
const (
	ContextKeyType   = "type"
	ContextKeyOrigin = "origin_type"

	ContextTypeCheckIn = "agent_check_in"
	ContextTypeFeed    = "feed_generation"
)

// ContextType returns the dispatch type of an invocation context, or "".
func ContextType(context map[string]interface{}) string {
	if context == nil {
		return ""
	}
	if t, ok := context[ContextKeyType].(string); ok {
		return t
	}
	return ""
}

// ChildContext derives the context map handed to child work spawned during a
// turn. The dispatch key is renamed to an origin key: a child task started
// from inside a feed-generation turn must not itself be classified as a
// feed-generation run. A context without a dispatch key gains no origin key.
func ChildContext(parent map[string]interface{}) map[string]interface{} {
	child := make(map[string]interface{}, len(parent))
	for key, value := range parent {
		if key == ContextKeyType {
			continue
		}
		child[key] = value
	}
	if t := ContextType(parent); t != "" {
		child[ContextKeyOrigin] = t
	}
	return child
}

type ctxKey int

const (
	runContextKey ctxKey = iota
	selfRefKey
)

// WithRunContext stashes the current invocation's context map so tool
// handlers running inside the turn can derive child contexts from it.
func WithRunContext(ctx context.Context, runContext map[string]interface{}) context.Context {
	return context.WithValue(ctx, runContextKey, runContext)
}

// RunContextFrom returns the stashed invocation context map, or nil.
func RunContextFrom(ctx context.Context) map[string]interface{} {
	if m, ok := ctx.Value(runContextKey).(map[string]interface{}); ok {
		return m
	}
	return nil
}

// WithSelfRef stashes the ref of the agentable that owns the current turn.
func WithSelfRef(ctx context.Context, ref Ref) context.Context {
	return context.WithValue(ctx, selfRefKey, ref)
}

// SelfRefFrom returns the stashed owning ref.
func SelfRefFrom(ctx context.Context) (Ref, bool) {
	ref, ok := ctx.Value(selfRefKey).(Ref)
	return ref, ok
}
