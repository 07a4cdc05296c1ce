// Package pipeline drives memories from catalog entry to final artifact.
package pipeline

import (
	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/fetch"
	"github.com/lenamarten/memvault/internal/verify"
)

// Status tracks where a memory sits in its lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusDownloading   Status = "downloading"
	StatusVerifying     Status = "verifying"
	StatusAwaitingRetry Status = "awaiting_retry"
	StatusMerging       Status = "merging"
	StatusDone          Status = "done"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status allows no further transitions
// within this run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// FailureKind explains a terminal failure for reporting.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureExpired   FailureKind = "expired_link"
	FailureNetwork   FailureKind = "network"
	FailureTimeout   FailureKind = "timeout"
	FailureIntegrity FailureKind = "integrity"
	FailureMerge     FailureKind = "merge"
)

// failureFor maps a transfer outcome to its terminal failure kind.
func failureFor(o fetch.Outcome) FailureKind {
	switch o {
	case fetch.OutcomeExpiredLink:
		return FailureExpired
	case fetch.OutcomeTimeout:
		return FailureTimeout
	default:
		return FailureNetwork
	}
}

// FetchAttempt records one link try.
type FetchAttempt struct {
	Link    string
	Outcome fetch.Outcome
	// Verdict is set once the transfer completed and the payload was
	// checked. Empty for attempts that never produced a file.
	Verdict verify.Verdict
	Bytes   int64
	Err     string
}

// ProcessingState is the mutable pipeline record for one memory. The
// runner guards all mutation behind its lock; callers read it after the
// run has returned.
type ProcessingState struct {
	Memory catalog.Memory

	Status   Status
	Attempts []FetchAttempt

	RawPath    string
	MergedPath string

	Failure FailureKind
	Err     string

	// Skipped marks memories completed by an earlier run and accepted
	// after re-verification.
	Skipped bool

	// order is the effective link sequence for this run; nextLink
	// indexes the link the next attempt will use.
	order    []string
	nextLink int
}

// LinksAttempted lists the links consumed so far, in attempt order.
// A link retried by a repair pass appears once.
func (s *ProcessingState) LinksAttempted() []string {
	links := make([]string, 0, len(s.Attempts))
	seen := make(map[string]bool, len(s.Attempts))
	for _, a := range s.Attempts {
		if seen[a.Link] {
			continue
		}
		links = append(links, a.Link)
		seen[a.Link] = true
	}
	return links
}

// Event is a progress notification emitted on every status change.
type Event struct {
	MemoryID string
	Kind     catalog.MediaKind
	Status   Status
	Failure  FailureKind
	Skipped  bool
}
