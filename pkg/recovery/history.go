package recovery

import (
	"sort"
	"sync"
	"time"

	"github.com/inframate/inframate/pkg/advisor"
)

// History is the append-only log of handled failures. Entries are snapshots
// taken when handling finished.
type History struct {
	mu      sync.RWMutex
	entries []ErrorContext
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append stores a snapshot of ec.
func (h *History) Append(ec *ErrorContext) {
	snap := ec.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, snap)
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns copies of all entries in insertion order.
func (h *History) Entries() []ErrorContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ErrorContext, 0, len(h.entries))
	for i := range h.entries {
		out = append(out, h.entries[i].Clone())
	}
	return out
}

// Report aggregates the history.
func (h *History) Report() Report {
	return NewReport(h.Entries())
}

// ReportEntry is one failure as shown in a report.
type ReportEntry struct {
	ID               string            `json:"id"`
	Classification   Classification    `json:"classification"`
	Message          string            `json:"message"`
	Severity         Severity          `json:"severity"`
	Recovered        bool              `json:"recovered"`
	RetryCount       int               `json:"retry_count"`
	Timestamp        time.Time         `json:"timestamp"`
	RecoveryOutcome  Outcome           `json:"recovery_outcome,omitempty"`
	AdvisorySolution *advisor.Solution `json:"advisory_solution,omitempty"`
	ContextData      map[string]any    `json:"context_data,omitempty"`
}

// Report summarizes recovery activity. TotalErrorCount always equals
// RecoveredCount + UnrecoveredCount, and ErrorTypes sums to TotalErrorCount.
type Report struct {
	TotalErrorCount  int                    `json:"total_error_count"`
	RecoveredCount   int                    `json:"recovered_count"`
	UnrecoveredCount int                    `json:"unrecovered_count"`
	ErrorTypes       map[Classification]int `json:"error_types"`
	Errors           []ReportEntry          `json:"errors"`
}

// NewReport builds a report from history entries.
func NewReport(entries []ErrorContext) Report {
	r := Report{
		ErrorTypes: make(map[Classification]int),
		Errors:     make([]ReportEntry, 0, len(entries)),
	}
	for _, ec := range entries {
		r.TotalErrorCount++
		if ec.Recovered() {
			r.RecoveredCount++
		} else {
			r.UnrecoveredCount++
		}
		r.ErrorTypes[ec.Classification]++
		r.Errors = append(r.Errors, ReportEntry{
			ID:               ec.ID,
			Classification:   ec.Classification,
			Message:          ec.Message,
			Severity:         ec.Severity,
			Recovered:        ec.Recovered(),
			RetryCount:       ec.RetryCount,
			Timestamp:        ec.CreatedAt,
			RecoveryOutcome:  ec.RecoveryOutcome,
			AdvisorySolution: ec.AdvisorySolution,
			ContextData:      ec.ContextData,
		})
	}
	return r
}

// Classes returns the classifications present in the report, sorted.
func (r Report) Classes() []Classification {
	out := make([]Classification, 0, len(r.ErrorTypes))
	for c := range r.ErrorTypes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
