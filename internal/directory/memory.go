package directory

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// HRDirectory is the in-memory HR system. It backs both Identity and Ledger:
// the demo dataset keeps reimbursement balances on the employee record, and
// Credit resolves accounts by their bank account reference.
type HRDirectory struct {
	mu        sync.RWMutex
	employees map[string]*EmployeeProfile // employeeID → profile
	byAccount map[string]string           // accountRef → employeeID
}

// NewHRDirectory seeds the directory with the demo employee dataset.
func NewHRDirectory() *HRDirectory {
	d := &HRDirectory{
		employees: make(map[string]*EmployeeProfile),
		byAccount: make(map[string]string),
	}
	for _, p := range []EmployeeProfile{
		{EmployeeID: "E420", FullName: "Alice Smith", AccountRef: "123456", Balance: 500.00},
		{EmployeeID: "E421", FullName: "Bob Johnson", AccountRef: "789012", Balance: 750.00},
		{EmployeeID: "E422", FullName: "Charlie Davis", AccountRef: "345678", Balance: 1000.00},
	} {
		profile := p
		d.employees[p.EmployeeID] = &profile
		d.byAccount[p.AccountRef] = p.EmployeeID
	}
	return d
}

// Resolve returns a copy of the employee's profile, or ErrNotFound.
func (d *HRDirectory) Resolve(ctx context.Context, employeeID string) (*EmployeeProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.employees[employeeID]
	if !ok {
		return nil, fmt.Errorf("employee %s: %w", employeeID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// Credit adds amount to the account's balance and returns the new balance.
func (d *HRDirectory) Credit(ctx context.Context, accountRef string, amount float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	employeeID, ok := d.byAccount[accountRef]
	if !ok {
		return 0, fmt.Errorf("account %s: %w", accountRef, ErrNotFound)
	}
	p := d.employees[employeeID]
	p.Balance += amount
	return p.Balance, nil
}

// Document is an entry in the document store.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// DocumentStore is the in-memory document collaborator. It doubles as the
// PolicyContext source: the reimbursement limit is parsed out of the policy
// document's text.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]string // name → content
}

// DefaultPolicyDoc is the policy context ID expense decisions cite.
const DefaultPolicyDoc = "policy_001.pdf"

// defaultPolicyText is used when the policy document is missing, so a wiped
// store degrades to the most conservative known policy instead of failing.
const defaultPolicyText = "Max Reimbursement is $100."

// NewDocumentStore seeds the store with the demo documents.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs: map[string]string{
			DefaultPolicyDoc:    "Max Reimbursement is $100.",
			"hr_policy_002.pdf": "Standard Employee T&Cs.",
		},
	}
}

// Search returns the content of the first document whose name contains query
// (case-insensitive), or ErrNotFound.
func (s *DocumentStore) Search(query string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lowered := strings.ToLower(query)
	for name, content := range s.docs {
		if strings.Contains(strings.ToLower(name), lowered) {
			return content, nil
		}
	}
	return "", fmt.Errorf("document matching %q: %w", query, ErrNotFound)
}

// Upload adds or replaces a document. The caller is responsible for RBAC;
// the store itself is policy-agnostic.
func (s *DocumentStore) Upload(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = content
}

var amountPattern = regexp.MustCompile(`\$(\d+(?:\.\d{1,2})?)`)

// Limit implements PolicyContext by parsing the dollar amount out of the
// policy document's text.
func (s *DocumentStore) Limit(ctx context.Context, contextID string) (float64, string, error) {
	s.mu.RLock()
	text, ok := s.docs[contextID]
	s.mu.RUnlock()
	if !ok {
		text = defaultPolicyText
	}

	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, text, fmt.Errorf("policy %s has no parseable limit", contextID)
	}
	limit, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, text, fmt.Errorf("policy %s limit: %w", contextID, err)
	}
	return limit, text, nil
}

// LogNotifier is the default Notifier: it logs the notification. Delivery to
// a real mail/chat system is a deployment concern.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)}
}

// Notify logs the message. Never fails.
func (n *LogNotifier) Notify(ctx context.Context, recipientRef, message string) error {
	n.logger.Printf("✉️ → %s: %s", recipientRef, message)
	return nil
}
