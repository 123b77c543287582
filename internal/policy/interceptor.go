package policy

import (
	"log"
	"strings"

	"github.com/copilotgov/backend/internal/audit"
)

// BlockedStep is the sentinel plan substituted when a deny-keyword matches.
// A blocked plan contains exactly this step and nothing else.
const BlockedStep = "blocked"

// Interceptor is the mandatory pre-execution gate. It scans every plan step
// and the raw task string against the deny keyword set before any step runs.
//
// This is a coarse control: plain substring matching has no semantic
// understanding and is bypassable by paraphrase. It trades false negatives
// for zero runtime cost and full transparency in the audit trail. It gates
// WHAT is attempted; the role gate separately gates WHO attempts it.
type Interceptor struct {
	store  *Store
	trail  audit.Recorder
	logger *log.Logger
}

// NewInterceptor creates the deny-keyword interceptor.
func NewInterceptor(store *Store, trail audit.Recorder) *Interceptor {
	return &Interceptor{
		store:  store,
		trail:  trail,
		logger: log.New(log.Writer(), "[INTERCEPT] ", log.LstdFlags),
	}
}

// Intercept inspects plan and task. On the first deny-keyword match it emits
// one HIGH audit event and returns the single-step sentinel plan; otherwise
// the plan passes through unchanged. Short-circuits on first hit.
func (i *Interceptor) Intercept(plan []string, task string) []string {
	for _, step := range plan {
		if kw, hit := i.match(step); hit {
			return i.block(kw, plan, task)
		}
	}
	if kw, hit := i.match(task); hit {
		return i.block(kw, plan, task)
	}
	return plan
}

func (i *Interceptor) match(s string) (string, bool) {
	lowered := strings.ToLower(s)
	for _, kw := range i.store.denyKeywords {
		if strings.Contains(lowered, kw) {
			return kw, true
		}
	}
	return "", false
}

func (i *Interceptor) block(keyword string, plan []string, task string) []string {
	i.logger.Printf("🚫 Deny-listed action detected: %s (task: %.60s)", keyword, task)
	i.trail.Record("policy_interceptor", "denylisted_action_blocked", audit.SeverityHigh, map[string]interface{}{
		"blocked_keyword": keyword,
		"original_plan":   plan,
		"task":            task,
	})
	return []string{BlockedStep}
}

// Blocked reports whether a plan is the sentinel produced by Intercept.
func Blocked(plan []string) bool {
	return len(plan) == 1 && plan[0] == BlockedStep
}
