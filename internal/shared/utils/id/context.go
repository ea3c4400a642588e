package id

import "context"

type contextKey string

const (
	taskKey       contextKey = "taskplane_task_id"
	sessionKey    contextKey = "taskplane_session_id"
	userKey       contextKey = "taskplane_user_id"
	invocationKey contextKey = "taskplane_invocation_id"
)

// IDs captures the identifiers propagated across execution boundaries.
type IDs struct {
	TaskID       string
	SessionID    string
	UserID       string
	InvocationID string
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithSessionID stores the channel session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithUserID stores the authenticated user identifier on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// WithInvocationID stores the current tool invocation identifier on the context.
func WithInvocationID(ctx context.Context, invocationID string) context.Context {
	if invocationID == "" {
		return ctx
	}
	return context.WithValue(ctx, invocationKey, invocationID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithTaskID(ctx, ids.TaskID)
	ctx = WithSessionID(ctx, ids.SessionID)
	ctx = WithUserID(ctx, ids.UserID)
	return WithInvocationID(ctx, ids.InvocationID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string { return stringValue(ctx, taskKey) }

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string { return stringValue(ctx, sessionKey) }

// UserIDFromContext extracts the user identifier from context.
func UserIDFromContext(ctx context.Context) string { return stringValue(ctx, userKey) }

// InvocationIDFromContext extracts the invocation identifier from context.
func InvocationIDFromContext(ctx context.Context) string { return stringValue(ctx, invocationKey) }

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		TaskID:       TaskIDFromContext(ctx),
		SessionID:    SessionIDFromContext(ctx),
		UserID:       UserIDFromContext(ctx),
		InvocationID: InvocationIDFromContext(ctx),
	}
}
