package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Category groups server rejection reasons for user-facing summaries.
type Category string

const (
	CategorySchemaMismatch Category = "schema_mismatch"
	CategoryAuthExpired    Category = "auth_expired"
	CategoryServerError    Category = "server_error"
	CategoryUnknown        Category = "unknown"
)

// Categorize maps a server-supplied rejection reason to a category.
func Categorize(reason string) Category {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "schema") || strings.Contains(r, "validation") || strings.Contains(r, "invalid"):
		return CategorySchemaMismatch
	case strings.Contains(r, "auth") || strings.Contains(r, "token") || strings.Contains(r, "expired"):
		return CategoryAuthExpired
	case strings.Contains(r, "internal") || strings.Contains(r, "server error") || strings.Contains(r, "unavailable"):
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

// ItemResult is the per-event line of the diagnostic dump.
type ItemResult struct {
	EventID   string   `json:"event_id"`
	EventType string   `json:"event_type"`
	Status    string   `json:"status"`
	Reason    string   `json:"reason,omitempty"`
	Category  Category `json:"category,omitempty"`
}

// Report aggregates the outcome of one batch run. Success and
// duplicate are counted separately on purpose: both delete queue
// entries, but conflating them in monitoring could mask delivery
// problems.
type Report struct {
	Synced    int              `json:"synced"`
	Duplicate int              `json:"duplicate"`
	Failed    map[Category]int `json:"failed"`
	QueueOnly int              `json:"queue_only"`
	Pending   int              `json:"pending"`

	// Offline means the server was unreachable; the whole batch stayed
	// queued and nothing was lost.
	Offline bool `json:"offline"`

	// AuthRequired means the user must log in again before events can
	// be delivered.
	AuthRequired bool `json:"auth_required"`

	Items []ItemResult `json:"items,omitempty"`

	ReportWriteError string `json:"report_write_error,omitempty"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{Failed: map[Category]int{}}
}

// FailedTotal sums failures across categories.
func (r *Report) FailedTotal() int {
	n := 0
	for _, c := range r.Failed {
		n += c
	}
	return n
}

// Summary renders the grouped, actionable one-line outcome.
func (r *Report) Summary() string {
	switch {
	case r.Offline:
		return fmt.Sprintf("offline — %d event(s) queued for later delivery", r.Pending)
	case r.AuthRequired:
		return fmt.Sprintf("authentication required — %d event(s) queued; run 'relay auth login'", r.Pending)
	}

	parts := []string{fmt.Sprintf("Synced: %d", r.Synced)}
	if r.Duplicate > 0 {
		parts = append(parts, fmt.Sprintf("Duplicate: %d", r.Duplicate))
	}
	if total := r.FailedTotal(); total > 0 {
		var cats []string
		for cat, n := range r.Failed {
			cats = append(cats, fmt.Sprintf("%s: %d", cat, n))
		}
		sort.Strings(cats)
		parts = append(parts, fmt.Sprintf("Failed: %d (%s)", total, strings.Join(cats, ", ")))
	}
	if r.QueueOnly > 0 {
		parts = append(parts, fmt.Sprintf("Local-only: %d", r.QueueOnly))
	}
	if r.Pending > 0 {
		parts = append(parts, fmt.Sprintf("Pending: %d", r.Pending))
	}
	return strings.Join(parts, ", ")
}

// WriteFile dumps the full per-event diagnostics as indented JSON.
func (r *Report) WriteFile(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
