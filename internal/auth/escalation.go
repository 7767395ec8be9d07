package auth

import (
	"context"

	"go.uber.org/zap"

	"campusadmin.org/internal/audit"
	"campusadmin.org/internal/perm"
)

// EscalationGuard rejects assignments that would grant a capability the
// caller does not hold.
type EscalationGuard struct {
	audit  *audit.Logger
	events EventRecorder
}

// NewEscalationGuard returns a guard logging denials to log.
func NewEscalationGuard(log *zap.Logger, events EventRecorder) *EscalationGuard {
	return &EscalationGuard{audit: audit.New(log), events: events}
}

// Authorize checks that caller holds every key in granted. The whole
// assignment is rejected if any key is missing; the error does not say which.
func (g *EscalationGuard) Authorize(ctx context.Context, target string, granted []string, caller perm.Set) error {
	missing := caller.Missing(granted...)
	if len(missing) == 0 {
		return nil
	}
	if g.events != nil {
		g.events.AuthEvent("assign", "escalation_denied")
	}
	g.audit.Record(ctx, audit.EventEscalationDenied,
		zap.String("target", target),
		zap.Strings("missing", missing),
	)
	return ErrPrivilegeEscalation
}

// newlyGranted returns the keys of next that current does not already hold.
func newlyGranted(next, current perm.Set) []string {
	return current.Missing(next.Keys()...)
}
