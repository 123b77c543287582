// Package orchestrator glues the governance pipeline together:
// plan → intercept → authorize → scan → sign → enqueue → worker → aggregate.
// Every control decision lands exactly one audit event; blocked and denied
// paths terminate before anything reaches the broker.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/envelope"
	"github.com/copilotgov/backend/internal/planner"
	"github.com/copilotgov/backend/internal/policy"
	"github.com/copilotgov/backend/internal/retriever"
	"github.com/copilotgov/backend/internal/worker"
)

// SenderName identifies the orchestrator on the message bus.
const SenderName = "CoreOrchestrator"

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
	StatusDenied    = "denied"
	StatusRejected  = "rejected"
	StatusThrottled = "throttled"
)

// Stable reason codes for terminal outcomes.
const (
	ReasonPolicyBlocked    = "POLICY_BLOCKED"
	ReasonUnauthorized     = "UNAUTHORIZED"
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
	ReasonThrottled        = "THROTTLE_EXCEEDED"
)

// Result is the aggregated outcome returned to the caller.
type Result struct {
	Status       string            `json:"status"`
	ReasonCode   string            `json:"reason_code,omitempty"`
	Error        string            `json:"error,omitempty"`
	Task         string            `json:"task"`
	Plan         []string          `json:"plan"`
	MessageID    string            `json:"message_id,omitempty"`
	TaskID       string            `json:"task_id,omitempty"`
	Decision     *worker.Decision  `json:"expense_result,omitempty"`
	Notification string            `json:"notification,omitempty"`
	Retrieval    *retriever.Result `json:"retrieval,omitempty"`
	Verification *Verification     `json:"verification,omitempty"`
	Anomaly      *policy.Anomaly   `json:"anomaly,omitempty"`
}

// Orchestrator routes tasks through the governance pipeline.
type Orchestrator struct {
	planner     *planner.Planner
	interceptor *policy.Interceptor
	gate        *policy.RoleGate
	detector    *policy.Detector
	signer      *envelope.Signer
	broker      *broker.Broker
	expense     *worker.ExpenseWorker
	retriever   *retriever.Retriever
	trail       audit.Recorder
	logger      *log.Logger
}

// New wires the orchestrator. All dependencies are injected; nothing reads
// ambient global state.
func New(
	pl *planner.Planner,
	ic *policy.Interceptor,
	gate *policy.RoleGate,
	det *policy.Detector,
	signer *envelope.Signer,
	b *broker.Broker,
	expense *worker.ExpenseWorker,
	ret *retriever.Retriever,
	trail audit.Recorder,
) *Orchestrator {
	return &Orchestrator{
		planner:     pl,
		interceptor: ic,
		gate:        gate,
		detector:    det,
		signer:      signer,
		broker:      b,
		expense:     expense,
		retriever:   ret,
		trail:       trail,
		logger:      log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
	}
}

// Handle runs the full pipeline for one task.
func (o *Orchestrator) Handle(ctx context.Context, task, role string, data map[string]interface{}) *Result {
	if data == nil {
		data = map[string]interface{}{}
	}

	plan := o.planner.Plan(task, role, data)
	o.trail.Record(SenderName, "task_start", audit.SeverityLow, map[string]interface{}{
		"task": task,
		"role": role,
		"plan": plan,
	})

	// Mandatory pre-execution gate. Runs before anything else executes.
	plan = o.interceptor.Intercept(plan, task)
	if policy.Blocked(plan) {
		o.trail.Record(SenderName, "task_blocked", audit.SeverityLow, map[string]interface{}{
			"task": task,
		})
		return &Result{
			Status:     StatusBlocked,
			ReasonCode: ReasonPolicyBlocked,
			Error:      "task contains a deny-listed action",
			Task:       task,
			Plan:       plan,
		}
	}

	// RBAC gates who; the interceptor above gates what.
	action := requiredAction(task, plan)
	if err := o.gate.Authorize(role, action); err != nil {
		return &Result{
			Status:     StatusDenied,
			ReasonCode: ReasonUnauthorized,
			Error:      err.Error(),
			Task:       task,
			Plan:       plan,
		}
	}

	// Detective control only: flags, never blocks.
	anomaly := o.detector.Scan(task, data)

	var result *Result
	switch {
	case planner.IsExpensePlan(plan):
		result = o.handleExpense(ctx, task, plan, data)
	case planner.IsRetrievalPlan(plan):
		result = o.handleRetrieval(task, plan, data)
	default:
		result = o.handleGeneric(task, plan)
	}
	result.Anomaly = anomaly
	return result
}

func (o *Orchestrator) handleExpense(ctx context.Context, task string, plan []string, data map[string]interface{}) *Result {
	taskID := uuid.New().String()

	requestContent, _ := data["request_content"].(string)
	if requestContent == "" {
		requestContent = task
	}
	employeeID, _ := data["employee_id"].(string)
	payload := map[string]interface{}{
		"employee_id":     employeeID,
		"amount":          policy.AmountField(data),
		"request_content": requestContent,
	}

	env, err := envelope.New(SenderName, worker.ExpenseWorkerName, worker.ExpenseProtocol, taskID, payload)
	if err != nil {
		return &Result{Status: StatusRejected, Error: err.Error(), Task: task, Plan: plan}
	}
	if err := o.signer.Sign(env); err != nil {
		return &Result{Status: StatusRejected, Error: err.Error(), Task: task, Plan: plan}
	}

	messageID, err := o.broker.Enqueue(env)
	if err != nil {
		return o.enqueueFailure(task, plan, taskID, err)
	}
	o.trail.Record(SenderName, "message_sent", audit.SeverityLow, map[string]interface{}{
		"message_id": messageID,
		"recipient":  worker.ExpenseWorkerName,
		"protocol":   worker.ExpenseProtocol,
		"task_id":    taskID,
	})

	// Pull model: the worker drains its mailbox on demand. The at-least-once
	// contract is safe because the worker is idempotent by task ID, and the
	// worker notifies each requester as it decides, so messages drained here
	// on behalf of other tasks still complete their notify step.
	o.expense.Drain(ctx)

	decision, ok := o.expense.Decided(taskID)
	if !ok {
		// A concurrent Drain took the message and has not finished deciding
		// it. The decision lands in the worker cache either way; surface as
		// incomplete rather than guessing.
		return &Result{
			Status:    StatusCompleted,
			Task:      task,
			Plan:      plan,
			MessageID: messageID,
			TaskID:    taskID,
		}
	}

	notification := worker.NotificationText(decision)

	o.trail.Record(SenderName, "task_complete", audit.SeverityLow, map[string]interface{}{
		"task":        task,
		"task_id":     taskID,
		"decision":    decision.Status,
		"decision_id": decision.Provenance.DecisionID,
	})

	return &Result{
		Status:       StatusCompleted,
		Task:         task,
		Plan:         plan,
		MessageID:    messageID,
		TaskID:       taskID,
		Decision:     decision,
		Notification: notification,
	}
}

func (o *Orchestrator) enqueueFailure(task string, plan []string, taskID string, err error) *Result {
	switch {
	case errors.Is(err, broker.ErrThrottled):
		return &Result{
			Status:     StatusThrottled,
			ReasonCode: ReasonThrottled,
			Error:      err.Error(),
			Task:       task,
			Plan:       plan,
			TaskID:     taskID,
		}
	case errors.Is(err, broker.ErrSignatureRejected):
		return &Result{
			Status:     StatusRejected,
			ReasonCode: ReasonSignatureInvalid,
			Error:      err.Error(),
			Task:       task,
			Plan:       plan,
			TaskID:     taskID,
		}
	default:
		return &Result{
			Status: StatusRejected,
			Error:  err.Error(),
			Task:   task,
			Plan:   plan,
			TaskID: taskID,
		}
	}
}

func (o *Orchestrator) handleRetrieval(task string, plan []string, data map[string]interface{}) *Result {
	key, _ := data["query"].(string)
	if key == "" {
		key = "policy"
	}
	res := o.retriever.Search(key)

	o.trail.Record(SenderName, "task_complete", audit.SeverityLow, map[string]interface{}{
		"task":      task,
		"handler":   "retriever",
		"source_id": res.SourceID,
	})

	return &Result{
		Status:    StatusCompleted,
		Task:      task,
		Plan:      plan,
		Retrieval: &res,
	}
}

func (o *Orchestrator) handleGeneric(task string, plan []string) *Result {
	verification := verifyOutput(task)

	o.trail.Record(SenderName, "output_verification", audit.SeverityLow, map[string]interface{}{
		"task":                   task,
		"flagged":                verification.Flagged,
		"confidence":             verification.Confidence,
		"hallucination_detected": verification.Detected,
	})

	return &Result{
		Status:       StatusCompleted,
		Task:         task,
		Plan:         plan,
		Verification: &verification,
	}
}

// requiredAction maps a task onto the RBAC action it needs. Upload tasks need
// the admin-only upload_policy permission; retrieval plans need retrieve;
// everything else is an ordinary task submission.
func requiredAction(task string, plan []string) string {
	if strings.Contains(strings.ToLower(task), "upload") {
		return "upload_policy"
	}
	if planner.IsRetrievalPlan(plan) {
		return "retrieve"
	}
	return "submit_task"
}
