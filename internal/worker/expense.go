// Package worker implements the specialized worker agents that consume
// signed messages from the broker. The expense worker is the representative
// one: it moves each task through PENDING → {APPROVED, DENIED} against the
// applicable policy limit and records provenance for every decision.
package worker

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/directory"
	"github.com/copilotgov/backend/internal/envelope"
	"github.com/copilotgov/backend/internal/policy"
)

// Decision statuses.
const (
	StatusApproved = "Approved"
	StatusDenied   = "Denied"
)

// Stable reason codes carried on denied decisions.
const (
	CodeIdentityValidationFailed = "IDENTITY_VALIDATION_FAILED"
	CodeInvalidAmount            = "INVALID_AMOUNT"
	CodePolicyLimitExceeded      = "POLICY_LIMIT_EXCEEDED"
	CodeLedgerFailure            = "LEDGER_FAILURE"
)

// Worker actions recorded in provenance, in execution order.
const (
	actionRetrievedPolicy   = "retrieved_policy"
	actionValidatedEmployee = "validated_employee"
	actionCalculated        = "calculated_reimbursement"
	actionUpdatedBalance    = "updated_balance"
	actionDeniedRequest     = "denied_request"
)

// Decision is the outcome of processing one expense task.
type Decision struct {
	TaskID       string      `json:"task_id"`
	Status       string      `json:"decision"` // Approved | Denied
	EmployeeID   string      `json:"employee_id,omitempty"`
	Amount       float64     `json:"amount"`
	NewBalance   float64     `json:"new_balance,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Code         string      `json:"code,omitempty"`
	EmployeeName string      `json:"employee_name,omitempty"`
	PolicyText   string      `json:"policy_context,omitempty"`
	Provenance   *Provenance `json:"provenance"`
}

// Provenance proves which policy context and actions produced a decision.
// Append-only; never edited after creation, retained regardless of outcome.
type Provenance struct {
	DecisionID      string    `json:"decision_id"`
	PolicyContextID string    `json:"policy_context_id"`
	Timestamp       time.Time `json:"timestamp"`
	Agent           string    `json:"agent"`
	ActionsTaken    []string  `json:"actions_taken"`
}

// Expense worker identity on the message bus.
const (
	ExpenseWorkerName = "ExpenseWorker"
	ExpenseProtocol   = "expense_task"
)

var employeeIDPattern = regexp.MustCompile(`^E[0-9]{3}$`)

// maxAmount caps single-request reimbursements regardless of policy.
const maxAmount = 1_000_000.00

// ExpenseWorker pulls expense tasks from its mailbox and decides them.
//
// The worker is the idempotent half of the broker's at-least-once contract:
// decisions are cached by task ID, and a replayed task returns the cached
// decision without reapplying the ledger credit.
type ExpenseWorker struct {
	broker   *broker.Broker
	ids      directory.Identity
	pol      directory.PolicyContext
	ledger   directory.Ledger
	notifier directory.Notifier
	trail    audit.Recorder
	logger   *log.Logger

	mu      sync.Mutex
	decided map[string]*Decision // taskID → decision
}

// NewExpenseWorker wires the worker to its mailbox and collaborators.
func NewExpenseWorker(b *broker.Broker, ids directory.Identity, pol directory.PolicyContext, ledger directory.Ledger, notifier directory.Notifier, trail audit.Recorder) *ExpenseWorker {
	return &ExpenseWorker{
		broker:   b,
		ids:      ids,
		pol:      pol,
		ledger:   ledger,
		notifier: notifier,
		trail:    trail,
		logger:   log.New(log.Writer(), "[EXPENSE] ", log.LstdFlags),
		decided:  make(map[string]*Decision),
	}
}

// Drain pulls all pending messages from the worker's mailbox and processes
// each, returning decisions in message order.
func (w *ExpenseWorker) Drain(ctx context.Context) []*Decision {
	pending := w.broker.DequeueAll(ExpenseWorkerName)
	decisions := make([]*Decision, 0, len(pending))
	for i := range pending {
		decisions = append(decisions, w.Process(ctx, &pending[i]))
	}
	return decisions
}

// Process decides one envelope. Safe to call with a replayed task ID.
func (w *ExpenseWorker) Process(ctx context.Context, env *envelope.Envelope) *Decision {
	w.mu.Lock()
	if cached, ok := w.decided[env.TaskID]; ok {
		w.mu.Unlock()
		w.logger.Printf("♻️ Duplicate task %s — returning cached decision %s", env.TaskID, cached.Provenance.DecisionID)
		w.trail.Record(ExpenseWorkerName, "duplicate_task_detected", audit.SeverityLow, map[string]interface{}{
			"task_id":     env.TaskID,
			"decision_id": cached.Provenance.DecisionID,
		})
		return cached
	}
	w.mu.Unlock()

	decision := w.decide(ctx, env)

	w.mu.Lock()
	w.decided[env.TaskID] = decision
	w.mu.Unlock()

	w.trail.Record(ExpenseWorkerName, "expense_decision", severityFor(decision), map[string]interface{}{
		"task_id":     env.TaskID,
		"decision":    decision.Status,
		"amount":      decision.Amount,
		"code":        decision.Code,
		"decision_id": decision.Provenance.DecisionID,
	})
	w.notifyRequester(ctx, decision)
	return decision
}

// Decided returns the cached decision for a task ID, if one exists. Callers
// that drained a batch containing other tasks' messages recover their own
// result here rather than from the batch.
func (w *ExpenseWorker) Decided(taskID string) (*Decision, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.decided[taskID]
	return d, ok
}

// notifyRequester runs the notify step for a fresh decision. Replayed tasks
// return the cached decision without re-notifying.
func (w *ExpenseWorker) notifyRequester(ctx context.Context, d *Decision) {
	if w.notifier == nil || d.EmployeeID == "" {
		return
	}
	if err := w.notifier.Notify(ctx, d.EmployeeID, NotificationText(d)); err != nil {
		w.logger.Printf("⚠️ Notification failed for task %s: %v", d.TaskID, err)
	}
}

// NotificationText renders the requester-facing message for a decision.
func NotificationText(d *Decision) string {
	if d.Status == StatusApproved {
		return fmt.Sprintf("Expense approved: $%.2f reimbursed to %s", d.Amount, d.EmployeeName)
	}
	reason := d.Reason
	if reason == "" {
		reason = "exceeds policy limit"
	}
	return "Expense denied: " + reason
}

func (w *ExpenseWorker) decide(ctx context.Context, env *envelope.Envelope) *Decision {
	amount := policy.AmountField(env.Payload)
	employeeID, _ := env.Payload["employee_id"].(string)
	prov := newProvenance()

	if amount <= 0 || amount > maxAmount {
		w.logger.Printf("🚫 Invalid amount for task %s: $%.2f", env.TaskID, amount)
		return w.deny(env, amount, prov, CodeInvalidAmount,
			fmt.Sprintf("invalid expense amount $%.2f: must be positive and at most $%.2f", amount, maxAmount))
	}

	limit, policyText, err := w.pol.Limit(ctx, directory.DefaultPolicyDoc)
	if err != nil {
		w.logger.Printf("⚠️ Policy retrieval failed for task %s: %v", env.TaskID, err)
		return w.deny(env, amount, prov, CodePolicyLimitExceeded,
			fmt.Sprintf("policy context unavailable: %v", err))
	}
	prov.ActionsTaken = append(prov.ActionsTaken, actionRetrievedPolicy)

	// An unknown or malformed employee ID short-circuits to a denial before
	// either branch, regardless of amount.
	if !employeeIDPattern.MatchString(employeeID) {
		w.logger.Printf("🚫 Malformed employee ID in task %s: %q", env.TaskID, employeeID)
		return w.deny(env, amount, prov, CodeIdentityValidationFailed,
			fmt.Sprintf("employee ID %q does not match the expected format E###", employeeID))
	}
	profile, err := w.ids.Resolve(ctx, employeeID)
	if err != nil {
		w.logger.Printf("🚫 Identity validation failed for task %s: %v", env.TaskID, err)
		w.trail.Record("identity_validator", "invalid_employee_id", audit.SeverityHigh, map[string]interface{}{
			"employee_id": employeeID,
			"task_id":     env.TaskID,
			"reason":      "employee not found in HR system",
		})
		return w.deny(env, amount, prov, CodeIdentityValidationFailed,
			fmt.Sprintf("employee %s not found in HR system", employeeID))
	}
	prov.ActionsTaken = append(prov.ActionsTaken, actionValidatedEmployee)
	prov.ActionsTaken = append(prov.ActionsTaken, actionCalculated)

	if amount > limit {
		w.logger.Printf("🚫 Expense DENIED for %s: $%.2f exceeds limit $%.2f", employeeID, amount, limit)
		d := w.deny(env, amount, prov, CodePolicyLimitExceeded,
			fmt.Sprintf("expense amount $%.2f exceeds policy limit ($%.2f)", amount, limit))
		d.EmployeeName = profile.FullName
		d.PolicyText = policyText
		return d
	}

	newBalance, err := w.ledger.Credit(ctx, profile.AccountRef, amount)
	if err != nil {
		w.logger.Printf("🚫 Ledger credit failed for %s: %v", employeeID, err)
		return w.deny(env, amount, prov, CodeLedgerFailure,
			fmt.Sprintf("failed to apply reimbursement: %v", err))
	}
	prov.ActionsTaken = append(prov.ActionsTaken, actionUpdatedBalance)

	w.logger.Printf("✅ Expense APPROVED for %s: $%.2f, new balance $%.2f", employeeID, amount, newBalance)
	return &Decision{
		TaskID:       env.TaskID,
		Status:       StatusApproved,
		EmployeeID:   employeeID,
		Amount:       amount,
		NewBalance:   newBalance,
		EmployeeName: profile.FullName,
		PolicyText:   policyText,
		Provenance:   prov,
	}
}

func (w *ExpenseWorker) deny(env *envelope.Envelope, amount float64, prov *Provenance, code, reason string) *Decision {
	employeeID, _ := env.Payload["employee_id"].(string)
	prov.ActionsTaken = append(prov.ActionsTaken, actionDeniedRequest)
	return &Decision{
		TaskID:     env.TaskID,
		Status:     StatusDenied,
		EmployeeID: employeeID,
		Amount:     amount,
		Reason:     reason,
		Code:       code,
		Provenance: prov,
	}
}

func newProvenance() *Provenance {
	return &Provenance{
		DecisionID:      "DEC-" + uuid.New().String()[:8],
		PolicyContextID: directory.DefaultPolicyDoc,
		Timestamp:       time.Now().UTC(),
		Agent:           ExpenseWorkerName,
		ActionsTaken:    []string{},
	}
}

func severityFor(d *Decision) audit.Severity {
	if d.Code == CodeIdentityValidationFailed {
		return audit.SeverityHigh
	}
	return audit.SeverityLow
}
