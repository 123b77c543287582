// Package retriever serves documents with provenance metadata: every result
// carries its source ID, ingestion timestamp, and sanitization status, so
// downstream consumers can tell vetted knowledge from raw ingest.
package retriever

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/copilotgov/backend/internal/audit"
)

// Result is a retrieved document plus its provenance tags.
type Result struct {
	Content   string    `json:"content"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Sanitized bool      `json:"sanitized"`
	Found     bool      `json:"found"`
}

type document struct {
	content   string
	sourceID  string
	ingested  time.Time
	sanitized bool
}

// Retriever is an in-memory document index with provenance tracking.
type Retriever struct {
	mu     sync.RWMutex
	docs   []document
	trail  audit.Recorder
	logger *log.Logger
}

// New seeds the retriever with the demo knowledge base.
func New(trail audit.Recorder) *Retriever {
	return &Retriever{
		docs: []document{
			{
				content:   "Expense policy: claims under $100 auto-approve.",
				sourceID:  "DOC-123",
				ingested:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
				sanitized: true,
			},
			{
				content:   "Travel policy: Business class flights require VP approval.",
				sourceID:  "DOC-124",
				ingested:  time.Date(2024, 1, 20, 14, 15, 0, 0, time.UTC),
				sanitized: true,
			},
			{
				content:   "Confidential: Employee salary ranges by department.",
				sourceID:  "DOC-125",
				ingested:  time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
				sanitized: false,
			},
			{
				content:   "HR policy: Standard employee terms and conditions.",
				sourceID:  "DOC-126",
				ingested:  time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
				sanitized: true,
			},
		},
		trail:  trail,
		logger: log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags),
	}
}

// Add ingests a document with provenance tags.
func (r *Retriever) Add(content, sourceID string, sanitized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, document{
		content:   content,
		sourceID:  sourceID,
		ingested:  time.Now().UTC(),
		sanitized: sanitized,
	})
}

// Search returns the first document whose content contains key
// (case-insensitive). A query for "policy" skips confidential material.
// Retrieval of unsanitized content is flagged in the audit trail — the
// content is still returned, but the access leaves a trace.
func (r *Retriever) Search(key string) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowered := strings.ToLower(key)
	for _, doc := range r.docs {
		content := strings.ToLower(doc.content)
		if !strings.Contains(content, lowered) {
			continue
		}
		if lowered == "policy" && strings.Contains(content, "confidential") {
			continue
		}

		if !doc.sanitized {
			r.logger.Printf("⚠️ Unsanitized document retrieved: %s", doc.sourceID)
			if r.trail != nil {
				r.trail.Record("retriever", "unsanitized_content_retrieved", audit.SeverityMedium, map[string]interface{}{
					"source_id": doc.sourceID,
					"query":     key,
				})
			}
		}

		return Result{
			Content:   doc.content,
			SourceID:  doc.sourceID,
			Timestamp: doc.ingested,
			Sanitized: doc.sanitized,
			Found:     true,
		}
	}

	return Result{Timestamp: time.Now().UTC(), Found: false}
}
