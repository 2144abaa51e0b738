package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type issueCtxKey struct{}
type agentCtxKey struct{}
type cycleCtxKey struct{}

// WithIssue returns a context carrying the issue number under reconciliation.
func WithIssue(ctx context.Context, number int) context.Context {
	return context.WithValue(ctx, issueCtxKey{}, number)
}

// IssueFromContext returns the issue number, or 0 if not set.
func IssueFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(issueCtxKey{}).(int); ok {
		return n
	}
	return 0
}

// WithAgent returns a context carrying the agent name.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, name)
}

// AgentFromContext returns the agent name, or "" if not set.
func AgentFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithCycle returns a context carrying the poll cycle sequence number.
func WithCycle(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, cycleCtxKey{}, seq)
}

// CycleFromContext returns the poll cycle sequence, or 0 if not set.
func CycleFromContext(ctx context.Context) uint64 {
	if n, ok := ctx.Value(cycleCtxKey{}).(uint64); ok {
		return n
	}
	return 0
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if number := IssueFromContext(ctx); number != 0 {
		fields = append(fields, zap.Int("issue", number))
	}
	if agent := AgentFromContext(ctx); agent != "" {
		fields = append(fields, zap.String("agent", agent))
	}
	if cycle := CycleFromContext(ctx); cycle != 0 {
		fields = append(fields, zap.Uint64("cycle", cycle))
	}

	return fields
}
