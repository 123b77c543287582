package policy

import (
	"fmt"
	"log"

	"github.com/copilotgov/backend/internal/audit"
)

// ErrUnauthorized is returned when a role lacks the action it attempted.
// Terminal for the request; the front door maps it to a 403.
type ErrUnauthorized struct {
	Role   string
	Action string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("role %q is not permitted to perform %q", e.Role, e.Action)
}

// RoleGate enforces the static role → permission map.
type RoleGate struct {
	store  *Store
	trail  audit.Recorder
	logger *log.Logger
}

// NewRoleGate creates the RBAC gate.
func NewRoleGate(store *Store, trail audit.Recorder) *RoleGate {
	return &RoleGate{
		store:  store,
		trail:  trail,
		logger: log.New(log.Writer(), "[RBAC] ", log.LstdFlags),
	}
}

// Authorize checks role against action. Denial is a hard stop: a HIGH audit
// event is recorded and an ErrUnauthorized returned. Unknown roles deny.
func (g *RoleGate) Authorize(role, action string) error {
	if g.store.permitted(role, action) {
		return nil
	}

	g.logger.Printf("🚫 Permission denied: role=%s action=%s", role, action)
	g.trail.Record("role_gate", "permission_denied", audit.SeverityHigh, map[string]interface{}{
		"role":   role,
		"action": action,
		"reason": "action not in role permission set",
	})
	return &ErrUnauthorized{Role: role, Action: action}
}
