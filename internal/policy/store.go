// Package policy holds the security policy decision points for the task
// pipeline: the pre-execution deny-keyword interceptor, the role gate, and
// the anomaly detector. All three read from an immutable Store built once at
// startup — no ambient globals, so tests can run alternate policies.
package policy

import "strings"

// Store is the process-wide security policy, immutable after construction.
type Store struct {
	denyKeywords     []string
	rolePermissions  map[string]map[string]bool
	anomalyThreshold float64
}

// NewStore builds an immutable policy store. Keywords are matched
// case-insensitively, so they are lowered once here.
func NewStore(denyKeywords []string, rolePermissions map[string][]string, anomalyThreshold float64) *Store {
	lowered := make([]string, len(denyKeywords))
	for i, kw := range denyKeywords {
		lowered[i] = strings.ToLower(kw)
	}

	perms := make(map[string]map[string]bool, len(rolePermissions))
	for role, actions := range rolePermissions {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		perms[role] = set
	}

	return &Store{
		denyKeywords:     lowered,
		rolePermissions:  perms,
		anomalyThreshold: anomalyThreshold,
	}
}

// DenyKeywords returns a copy of the configured deny list.
func (s *Store) DenyKeywords() []string {
	out := make([]string, len(s.denyKeywords))
	copy(out, s.denyKeywords)
	return out
}

// AnomalyThreshold returns the monetary threshold for anomaly flagging.
func (s *Store) AnomalyThreshold() float64 {
	return s.anomalyThreshold
}

// permitted reports whether role carries action. Unknown roles carry nothing.
func (s *Store) permitted(role, action string) bool {
	set, ok := s.rolePermissions[role]
	if !ok {
		return false
	}
	return set[action]
}
