// Package directory defines the capability contracts the pipeline core
// depends on — identity lookup, policy context, ledger mutation, and
// notification — plus in-memory implementations seeded with the demo
// datasets. The core depends only on the interfaces; deployments can swap
// in real HR/financial backends.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an employee or document does not exist.
var ErrNotFound = errors.New("not found")

// EmployeeProfile is the identity record resolved for an employee ID.
type EmployeeProfile struct {
	EmployeeID string  `json:"employee_id"`
	FullName   string  `json:"full_name"`
	AccountRef string  `json:"account_ref"`
	Balance    float64 `json:"balance"`
}

// Identity resolves employee IDs to profiles.
type Identity interface {
	Resolve(ctx context.Context, employeeID string) (*EmployeeProfile, error)
}

// PolicyContext serves the policy limit applicable to a decision.
type PolicyContext interface {
	// Limit returns the numeric reimbursement limit and the policy text it
	// was derived from, for the given policy context ID.
	Limit(ctx context.Context, contextID string) (float64, string, error)
}

// Ledger applies balance mutations.
type Ledger interface {
	// Credit adds amount to the account and returns the new balance.
	Credit(ctx context.Context, accountRef string, amount float64) (float64, error)
}

// Notifier delivers decision notifications. Fire-and-forget is acceptable.
type Notifier interface {
	Notify(ctx context.Context, recipientRef, message string) error
}
