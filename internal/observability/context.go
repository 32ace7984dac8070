package observability

import "context"

type contextKey string

const (
	sessionKey contextKey = "tether_session_id"
	taskKey    contextKey = "tether_task_id"
	agentKey   contextKey = "tether_agent_id"
)

// WithSessionID stores the local session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithAgentID stores the agent identifier on the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey, agentID)
}

// SessionIDFromContext returns the session identifier or "".
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey).(string)
	return v
}

// TaskIDFromContext returns the task identifier or "".
func TaskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(taskKey).(string)
	return v
}

// AgentIDFromContext returns the agent identifier or "".
func AgentIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}
