// Package report turns terminal pipeline states into the run artifacts:
// a machine-readable failure log and a human-readable summary. Both are
// deterministic for a given set of states, so re-emitting a report never
// churns bytes.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lenamarten/memvault/internal/pipeline"
)

const (
	// FailureLogName is the conventional file name for the failure log.
	FailureLogName = "failed_memories.json"

	// SummaryName is the conventional file name for the run summary.
	SummaryName = "summary.txt"

	// TimeLayout formats capture times in report entries.
	TimeLayout = "2006-01-02 15:04:05 UTC"
)

// Entry describes one memory that did not make it into the archive.
type Entry struct {
	ID             string   `json:"id"`
	CapturedAt     string   `json:"capturedAt"`
	MediaKind      string   `json:"mediaKind"`
	LinksAttempted []string `json:"linksAttempted"`
	FailureKind    string   `json:"failureKind"`
	Error          string   `json:"error,omitempty"`
}

// Report aggregates the terminal states of one run.
type Report struct {
	Total       int
	Done        int
	Skipped     int
	Failed      int
	Interrupted int

	ByFailure map[pipeline.FailureKind]int
	Failures  []Entry
}

// Build computes a report from the states a runner returned. Failures
// come out sorted by memory id regardless of catalog order.
func Build(states []*pipeline.ProcessingState) Report {
	r := Report{ByFailure: make(map[pipeline.FailureKind]int)}

	for _, st := range states {
		r.Total++
		switch st.Status {
		case pipeline.StatusDone:
			r.Done++
			if st.Skipped {
				r.Skipped++
			}
		case pipeline.StatusFailed:
			r.Failed++
			r.ByFailure[st.Failure]++
			r.Failures = append(r.Failures, Entry{
				ID:             st.Memory.ID,
				CapturedAt:     st.Memory.CapturedAt.UTC().Format(TimeLayout),
				MediaKind:      string(st.Memory.Kind),
				LinksAttempted: st.LinksAttempted(),
				FailureKind:    string(st.Failure),
				Error:          st.Err,
			})
		default:
			r.Interrupted++
		}
	}

	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].ID < r.Failures[j].ID
	})
	return r
}

// FailureJSON renders the failure log bytes: two-space indent, trailing
// newline, entries sorted by id.
func (r Report) FailureJSON() ([]byte, error) {
	entries := r.Failures
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal failure log: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFailureLog writes the failure log, or removes a stale one when
// the run had no failures. An absent file means a clean run.
func (r Report) WriteFailureLog(path string) error {
	if len(r.Failures) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale failure log: %w", err)
		}
		return nil
	}

	data, err := r.FailureJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write failure log: %w", err)
	}
	return nil
}

// Render produces the human-readable summary.
func (r Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Archive Summary\n")
	fmt.Fprintf(&b, "═══════════════════════════════════════\n")
	fmt.Fprintf(&b, "  %-14s %6d\n", "Total", r.Total)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "  %-14s %6d  (%d already archived)\n", "Completed", r.Done, r.Skipped)
	} else {
		fmt.Fprintf(&b, "  %-14s %6d\n", "Completed", r.Done)
	}
	fmt.Fprintf(&b, "  %-14s %6d\n", "Failed", r.Failed)
	if r.Interrupted > 0 {
		fmt.Fprintf(&b, "  %-14s %6d\n", "Interrupted", r.Interrupted)
	}

	if r.Failed > 0 {
		fmt.Fprintf(&b, "\nBy Failure Kind:\n")
		for _, kind := range sortedFailureKinds(r.ByFailure) {
			fmt.Fprintf(&b, "  %-14s %6d\n", string(kind), r.ByFailure[kind])
		}

		if n := r.ByFailure[pipeline.FailureExpired]; n > 0 {
			fmt.Fprintf(&b, "\n%d download link(s) expired: request a fresh export and run again.\n", n)
		}

		fmt.Fprintf(&b, "\nFailed Memories:\n")
		for _, e := range r.Failures {
			fmt.Fprintf(&b, "  %s\n", e.ID)
		}
	}

	return b.String()
}

// WriteSummary writes the rendered summary to path.
func (r Report) WriteSummary(path string) error {
	if err := os.WriteFile(path, []byte(r.Render()), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func sortedFailureKinds(counts map[pipeline.FailureKind]int) []pipeline.FailureKind {
	kinds := make([]pipeline.FailureKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
