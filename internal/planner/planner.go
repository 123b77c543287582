// Package planner converts a task description into an ordered list of
// symbolic steps. It is the first stage of the pipeline: deterministic,
// side-effect free, and always produces a non-empty plan.
package planner

import "strings"

// Fixed steps of the expense workflow plan.
const (
	StepAnalyze            = "analyze"
	StepRouteExpenseWorker = "route_to_expense_worker"
	StepExecExpenseWorker  = "execute_expense_worker"
	StepNotifyRequester    = "notify_requester"

	StepRetrieveDocuments = "retrieve_documents"
	StepSummarizeFindings = "summarize_findings"
)

// Planner produces execution plans. Stateless; safe for concurrent use.
type Planner struct{}

// New creates a Planner.
func New() *Planner {
	return &Planner{}
}

// Plan maps the task description onto a workflow:
//
//   - tasks mentioning "expense" or "reimbursement" get the fixed four-step
//     expense workflow, routed to the expense worker over the broker
//   - tasks mentioning "retrieve" or "deploy" get the document-retrieval
//     workflow handled in-process
//   - anything else gets the generic three-step plan
//
// Matching is case-insensitive substring.
func (p *Planner) Plan(task, role string, data map[string]interface{}) []string {
	lowered := strings.ToLower(task)

	switch {
	case strings.Contains(lowered, "expense") || strings.Contains(lowered, "reimbursement"):
		return []string{StepAnalyze, StepRouteExpenseWorker, StepExecExpenseWorker, StepNotifyRequester}
	case strings.Contains(lowered, "retrieve") || strings.Contains(lowered, "deploy"):
		return []string{"analyze:" + task, StepRetrieveDocuments, StepSummarizeFindings}
	default:
		return []string{"analyze:" + task, "retrieve_context:" + task, "decide:" + task}
	}
}

// IsExpensePlan reports whether the plan routes through the expense worker.
func IsExpensePlan(plan []string) bool {
	for _, step := range plan {
		if step == StepRouteExpenseWorker {
			return true
		}
	}
	return false
}

// IsRetrievalPlan reports whether the plan uses the internal retriever.
func IsRetrievalPlan(plan []string) bool {
	for _, step := range plan {
		if step == StepRetrieveDocuments {
			return true
		}
	}
	return false
}
