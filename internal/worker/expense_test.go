package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/directory"
	"github.com/copilotgov/backend/internal/envelope"
)

var testSecret = []byte("worker-test-secret")

type recordedNote struct {
	recipient string
	message   string
}

// recordingNotifier captures notifications instead of logging them.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []recordedNote
}

func (n *recordingNotifier) Notify(ctx context.Context, recipientRef, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNote{recipient: recipientRef, message: message})
	return nil
}

func (n *recordingNotifier) all() []recordedNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]recordedNote, len(n.sent))
	copy(out, n.sent)
	return out
}

type fixture struct {
	worker *ExpenseWorker
	broker *broker.Broker
	signer *envelope.Signer
	hr     *directory.HRDirectory
	trail  *audit.Trail
	notes  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer := envelope.NewSigner(testSecret, 5*time.Minute)
	trail := audit.NewTrail()
	bus := broker.New(broker.Config{}, signer, trail)
	hr := directory.NewHRDirectory()
	docs := directory.NewDocumentStore()
	notes := &recordingNotifier{}
	return &fixture{
		worker: NewExpenseWorker(bus, hr, docs, hr, notes, trail),
		broker: bus,
		signer: signer,
		hr:     hr,
		trail:  trail,
		notes:  notes,
	}
}

func expenseEnvelope(t *testing.T, f *fixture, taskID, employeeID string, amount float64) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("CoreOrchestrator", ExpenseWorkerName, ExpenseProtocol, taskID, map[string]interface{}{
		"employee_id":     employeeID,
		"amount":          amount,
		"request_content": "expense claim",
	})
	require.NoError(t, err)
	require.NoError(t, f.signer.Sign(env))
	return env
}

func TestProcess_ApprovesWithinPolicyLimit(t *testing.T) {
	f := newFixture(t)
	env := expenseEnvelope(t, f, "task-approve", "E420", 75.00)

	d := f.worker.Process(context.Background(), env)

	assert.Equal(t, StatusApproved, d.Status)
	assert.Equal(t, 75.00, d.Amount)
	assert.Equal(t, 575.00, d.NewBalance)
	assert.Equal(t, "Alice Smith", d.EmployeeName)
	assert.Contains(t, d.PolicyText, "$100")
	require.NotNil(t, d.Provenance)
	assert.Equal(t, []string{"retrieved_policy", "validated_employee", "calculated_reimbursement", "updated_balance"}, d.Provenance.ActionsTaken)
	assert.Regexp(t, `^DEC-[0-9a-f]{8}$`, d.Provenance.DecisionID)
	assert.Equal(t, "policy_001.pdf", d.Provenance.PolicyContextID)
}

func TestProcess_DeniesOverPolicyLimit(t *testing.T) {
	f := newFixture(t)
	env := expenseEnvelope(t, f, "task-deny", "E420", 150.00)

	d := f.worker.Process(context.Background(), env)

	assert.Equal(t, StatusDenied, d.Status)
	assert.Equal(t, CodePolicyLimitExceeded, d.Code)
	assert.Contains(t, d.Reason, "$150.00")
	assert.Contains(t, d.Reason, "$100.00")
	assert.Contains(t, d.Provenance.ActionsTaken, "denied_request")
	assert.NotContains(t, d.Provenance.ActionsTaken, "updated_balance")

	// Denial must not mutate the ledger.
	profile, err := f.hr.Resolve(context.Background(), "E420")
	require.NoError(t, err)
	assert.Equal(t, 500.00, profile.Balance)
}

func TestProcess_DeniedDecisionStillHasProvenance(t *testing.T) {
	f := newFixture(t)
	d := f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-prov", "E421", 800.00))

	assert.Equal(t, StatusDenied, d.Status)
	require.NotNil(t, d.Provenance)
	assert.NotEmpty(t, d.Provenance.DecisionID)
	assert.Equal(t, ExpenseWorkerName, d.Provenance.Agent)
}

func TestProcess_MalformedEmployeeIDDenied(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"", "E42", "E4200", "X420", "e420"} {
		d := f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-bad-"+id, id, 50.00))
		assert.Equal(t, StatusDenied, d.Status, "id %q", id)
		assert.Equal(t, CodeIdentityValidationFailed, d.Code, "id %q", id)
	}
}

func TestProcess_UnknownEmployeeDeniedWithHighAuditEvent(t *testing.T) {
	f := newFixture(t)
	d := f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-ghost", "E999", 50.00))

	assert.Equal(t, StatusDenied, d.Status)
	assert.Equal(t, CodeIdentityValidationFailed, d.Code)

	events := f.trail.FindByAction("invalid_employee_id")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityHigh, events[0].Severity)
	assert.Equal(t, "E999", events[0].Context["employee_id"])
}

func TestProcess_InvalidAmounts(t *testing.T) {
	f := newFixture(t)

	for name, amount := range map[string]float64{
		"zero":     0,
		"negative": -10,
		"overcap":  2_000_000,
	} {
		d := f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-amount-"+name, "E420", amount))
		assert.Equal(t, StatusDenied, d.Status, name)
		assert.Equal(t, CodeInvalidAmount, d.Code, name)
	}
}

func TestProcess_IdempotentOnReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := expenseEnvelope(t, f, "task-replay", "E420", 75.00)

	first := f.worker.Process(ctx, env)
	second := f.worker.Process(ctx, env)

	assert.Same(t, first, second)
	assert.Equal(t, first.Provenance.DecisionID, second.Provenance.DecisionID)

	// The credit was applied exactly once.
	profile, err := f.hr.Resolve(ctx, "E420")
	require.NoError(t, err)
	assert.Equal(t, 575.00, profile.Balance)

	dupes := f.trail.FindByAction("duplicate_task_detected")
	require.Len(t, dupes, 1)
	assert.Equal(t, "task-replay", dupes[0].Context["task_id"])
}

func TestProcess_RecordsDecisionEvent(t *testing.T) {
	f := newFixture(t)
	f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-audit", "E422", 90.00))

	events := f.trail.FindByAction("expense_decision")
	require.Len(t, events, 1)
	assert.Equal(t, StatusApproved, events[0].Context["decision"])
	assert.Equal(t, 90.00, events[0].Context["amount"])
}

func TestProcess_NotifiesRequesterOnFreshDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approved := f.worker.Process(ctx, expenseEnvelope(t, f, "task-note-ok", "E420", 75.00))
	denied := f.worker.Process(ctx, expenseEnvelope(t, f, "task-note-no", "E421", 900.00))
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, StatusDenied, denied.Status)

	notes := f.notes.all()
	require.Len(t, notes, 2)
	assert.Equal(t, "E420", notes[0].recipient)
	assert.Contains(t, notes[0].message, "Expense approved")
	assert.Contains(t, notes[0].message, "Alice Smith")
	assert.Equal(t, "E421", notes[1].recipient)
	assert.Contains(t, notes[1].message, "Expense denied")
}

func TestProcess_ReplayDoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := expenseEnvelope(t, f, "task-note-replay", "E420", 75.00)

	f.worker.Process(ctx, env)
	f.worker.Process(ctx, env)

	assert.Len(t, f.notes.all(), 1)
}

func TestDecided_ReturnsCachedDecisionByTaskID(t *testing.T) {
	f := newFixture(t)
	d := f.worker.Process(context.Background(), expenseEnvelope(t, f, "task-lookup", "E420", 25.00))

	got, ok := f.worker.Decided("task-lookup")
	require.True(t, ok)
	assert.Same(t, d, got)

	_, ok = f.worker.Decided("never-seen")
	assert.False(t, ok)
}

type failingLedger struct{}

func (failingLedger) Credit(ctx context.Context, accountRef string, amount float64) (float64, error) {
	return 0, errors.New("ledger offline")
}

func TestProcess_LedgerFailureDenies(t *testing.T) {
	signer := envelope.NewSigner(testSecret, 5*time.Minute)
	trail := audit.NewTrail()
	bus := broker.New(broker.Config{}, signer, trail)
	hr := directory.NewHRDirectory()
	w := NewExpenseWorker(bus, hr, directory.NewDocumentStore(), failingLedger{}, directory.NewLogNotifier(), trail)

	env, err := envelope.New("CoreOrchestrator", ExpenseWorkerName, ExpenseProtocol, "task-ledger", map[string]interface{}{
		"employee_id": "E420",
		"amount":      50.0,
	})
	require.NoError(t, err)
	require.NoError(t, signer.Sign(env))

	d := w.Process(context.Background(), env)
	assert.Equal(t, StatusDenied, d.Status)
	assert.Equal(t, CodeLedgerFailure, d.Code)
}

func TestDrain_ProcessesMailboxInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, taskID := range []string{"d1", "d2", "d3"} {
		_, err := f.broker.Enqueue(expenseEnvelope(t, f, taskID, "E420", 10.00))
		require.NoError(t, err)
	}

	decisions := f.worker.Drain(ctx)
	require.Len(t, decisions, 3)
	assert.Equal(t, "d1", decisions[0].TaskID)
	assert.Equal(t, "d2", decisions[1].TaskID)
	assert.Equal(t, "d3", decisions[2].TaskID)

	assert.Empty(t, f.worker.Drain(ctx))
}
