package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"
const channelKey contextKey = "channel"
const workspaceDirKey contextKey = "workspace_dir"

// WithSessionID adds the active session ID to the context so handlers
// can attribute their work.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "default" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithChannel adds the originating channel name to the context.
func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, channelKey, name)
}

// ChannelFromContext extracts the channel name from the context.
// Returns "" if no channel was set.
func ChannelFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(channelKey).(string); ok {
		return name
	}
	return ""
}

// WithWorkspaceDir adds the workspace directory to the context.
func WithWorkspaceDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workspaceDirKey, dir)
}

// WorkspaceDirFromContext extracts the workspace directory from the
// context. Returns "" if not set.
func WorkspaceDirFromContext(ctx context.Context) string {
	if dir, ok := ctx.Value(workspaceDirKey).(string); ok {
		return dir
	}
	return ""
}
