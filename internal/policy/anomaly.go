package policy

import (
	"log"

	"github.com/copilotgov/backend/internal/audit"
)

// Anomaly describes a flagged task payload. Informational only.
type Anomaly struct {
	Amount     float64 `json:"amount"`
	Threshold  float64 `json:"threshold"`
	EmployeeID string  `json:"employee_id,omitempty"`
}

// Detector flags high-value amounts in task payloads.
//
// Unlike the Interceptor and the RoleGate, this is a detective control, not a
// preventive one: exceeding the threshold emits a HIGH audit event and
// processing continues normally. Do not conflate the two behaviors — the
// asymmetry (detect vs. prevent) is deliberate.
type Detector struct {
	store  *Store
	trail  audit.Recorder
	logger *log.Logger
}

// NewDetector creates the anomaly detector.
func NewDetector(store *Store, trail audit.Recorder) *Detector {
	return &Detector{
		store:  store,
		trail:  trail,
		logger: log.New(log.Writer(), "[ANOMALY] ", log.LstdFlags),
	}
}

// Scan extracts the numeric "amount" field (0 if absent) and compares it to
// the threshold. Returns nil when unremarkable; otherwise records one HIGH
// audit event and returns the anomaly. Never blocks the request.
func (d *Detector) Scan(task string, data map[string]interface{}) *Anomaly {
	amount := AmountField(data)
	if amount <= d.store.anomalyThreshold {
		return nil
	}

	employeeID, _ := data["employee_id"].(string)
	d.logger.Printf("🚨 High-value request detected: $%.2f (threshold $%.2f)", amount, d.store.anomalyThreshold)
	d.trail.Record("anomaly_detector", "anomaly_high_value_request", audit.SeverityHigh, map[string]interface{}{
		"amount":      amount,
		"threshold":   d.store.anomalyThreshold,
		"task":        task,
		"employee_id": employeeID,
	})

	return &Anomaly{Amount: amount, Threshold: d.store.anomalyThreshold, EmployeeID: employeeID}
}

// AmountField pulls a numeric amount out of a loosely typed payload.
// JSON decoding yields float64; direct callers may pass int.
func AmountField(data map[string]interface{}) float64 {
	switch v := data["amount"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
