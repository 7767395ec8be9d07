package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Security events.
const (
	EventCredentialReuse   = "auth.credential.reuse_detected"
	EventEscalationDenied  = "rbac.escalation.denied"
	EventPasswordChanged   = "auth.password.changed"
	EventUserDeactivated   = "rbac.user.deactivated"
	EventUserDeleted       = "rbac.user.deleted"
	EventRolesAssigned     = "rbac.user.roles_assigned"
	EventPermissionsSet    = "rbac.role.permissions_assigned"
	EventRoleStatusChanged = "rbac.role.status_changed"
	EventRoleDeleted       = "rbac.role.deleted"
	EventLoginFailed       = "auth.login.failed"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor_user_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the authenticated user performing the request.
func WithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, userID)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Logger writes security events as structured log lines. Persisting them is
// left to the log pipeline.
type Logger struct {
	log *zap.Logger
}

// New returns a Logger writing to log; nil discards events.
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.With(zap.String("type", "audit"))}
}

// Record writes event enriched with request and actor context.
func (l *Logger) Record(ctx context.Context, event string, fields ...zap.Field) {
	if l == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	all := make([]zap.Field, 0, len(fields)+3)
	all = append(all, zap.String("event", event))
	if rid := stringFrom(ctx, requestIDKey); rid != "" {
		all = append(all, zap.String("request_id", rid))
	}
	if actor := stringFrom(ctx, actorKey); actor != "" {
		all = append(all, zap.String("actor_user_id", actor))
	}
	all = append(all, fields...)
	l.log.Warn("security event", all...)
}
