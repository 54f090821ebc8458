// Package callerctx implements hierarchical caller tracking:
// a context.Context-carried (caller_id, invocation metadata) pair set once
// at every external entry point (PG wire server, CLI, HTTP API) and read by
// the scheduler whenever it constructs a child Echo for a sub-cascade.
// Go's context.Context is the idiomatic analogue of goroutine-local storage
// or contextvars; every sub-cascade dispatch threads the same ctx through,
// so inheritance is automatic rather than requiring an explicit copy step.
package callerctx

import "context"

// Metadata is free-form invocation metadata attached to a caller (origin,
// protocol, raw query text, request headers). It rolls up into every event
// emitted by sessions spawned under this caller.
type Metadata map[string]string

type callerKey struct{}

type caller struct {
	id string
	md Metadata
}

// Set returns a derived context carrying the given caller id and metadata.
// Call this once at each external entry point; every goroutine/sub-cascade
// spawned from the resulting context inherits the same caller.
func Set(ctx context.Context, id string, md Metadata) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{id: id, md: md})
}

// ID returns the caller id carried by ctx, or "" if none was set.
func ID(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey{}).(caller); ok {
		return c.id
	}
	return ""
}

// Meta returns the invocation metadata carried by ctx, or nil if none was set.
func Meta(ctx context.Context) Metadata {
	if c, ok := ctx.Value(callerKey{}).(caller); ok {
		return c.md
	}
	return nil
}

// OrTopLevel returns the caller id carried by ctx, falling back to
// sessionID when absent. Per the glossary, "the top-level session_id
// doubles as its caller_id" for a pure CLI top-level run with no
// external caller.
func OrTopLevel(ctx context.Context, sessionID string) string {
	if id := ID(ctx); id != "" {
		return id
	}
	return sessionID
}
