package pipeline

import (
	"time"

	"github.com/lenamarten/memvault/internal/catalog"
)

// retryBaseDelay is the unit the inter-wave pause grows by.
const retryBaseDelay = 2 * time.Second

// Engine decides link order, wave pacing and exhaustion. One engine
// serves a whole run.
type Engine struct {
	backupFirst bool
	baseDelay   time.Duration
}

// NewEngine builds a retry engine. backupFirst rotates every memory's
// backups ahead of the primary, which serves repair passes where the
// primary already disappointed once.
func NewEngine(backupFirst bool) *Engine {
	return &Engine{backupFirst: backupFirst, baseDelay: retryBaseDelay}
}

// Order returns the link sequence for a memory under this engine's
// policy. Each link appears exactly once.
func (e *Engine) Order(m catalog.Memory) []string {
	if !e.backupFirst || len(m.Links) < 2 {
		return m.Links
	}
	order := make([]string, 0, len(m.Links))
	order = append(order, m.Links[1:]...)
	return append(order, m.Links[0])
}

// Backoff returns the pause before the given wave (1-based). The first
// wave starts immediately; later waves back off linearly.
func (e *Engine) Backoff(wave int) time.Duration {
	if wave <= 1 {
		return 0
	}
	return time.Duration(wave-1) * e.baseDelay
}

// Advance records a failed attempt and moves the memory to its next
// link, or to Failed once every link is exhausted. Caller holds the
// runner lock.
func (e *Engine) Advance(st *ProcessingState, kind FailureKind, errMsg string) {
	st.nextLink++
	if st.nextLink < len(st.order) {
		st.Status = StatusAwaitingRetry
		return
	}
	st.Status = StatusFailed
	st.Failure = kind
	st.Err = errMsg
}

// currentLink returns the link the next attempt should use.
func currentLink(st *ProcessingState) (string, bool) {
	if st.nextLink >= len(st.order) {
		return "", false
	}
	return st.order[st.nextLink], true
}
