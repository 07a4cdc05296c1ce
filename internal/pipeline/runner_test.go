package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/fetch"
	"github.com/lenamarten/memvault/internal/merge"
	"github.com/lenamarten/memvault/internal/verify"
)

// scriptedFetcher serves canned results per link and writes payloads to
// the requested destination on success.
type scriptedFetcher struct {
	mu       sync.Mutex
	results  map[string]fetch.Result
	payloads map[string][]byte
	calls    []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	blockOnCtx  bool
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		results:  make(map[string]fetch.Result),
		payloads: make(map[string][]byte),
	}
}

func (f *scriptedFetcher) Download(ctx context.Context, link, dest string) fetch.Result {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if cur <= peak || f.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, link)
	res, scripted := f.results[link]
	payload := f.payloads[link]
	f.mu.Unlock()

	if f.blockOnCtx {
		<-ctx.Done()
		return fetch.Result{Outcome: fetch.OutcomeNetworkFailure, Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if !scripted {
		res = fetch.Result{Outcome: fetch.OutcomeSuccess}
	}
	if res.Outcome != fetch.OutcomeSuccess {
		return res
	}

	if payload == nil {
		payload = []byte("payload for " + link)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fetch.Result{Outcome: fetch.OutcomeNetworkFailure, Err: err}
	}
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		return fetch.Result{Outcome: fetch.OutcomeNetworkFailure, Err: err}
	}
	return fetch.Result{Outcome: fetch.OutcomeSuccess, Bytes: int64(len(payload))}
}

func (f *scriptedFetcher) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeMerger records finalize calls and reports a memory as complete
// once it has been finalized. loseArtifacts simulates artifacts that
// vanished from disk after finalizing.
type fakeMerger struct {
	mu            sync.Mutex
	existing      map[string]bool
	failFor       map[string]error
	finalized     map[string]int
	rawStaged     map[string]string
	overlayStaged map[string]string
	loseArtifacts bool
}

func newFakeMerger() *fakeMerger {
	return &fakeMerger{
		existing:      make(map[string]bool),
		failFor:       make(map[string]error),
		finalized:     make(map[string]int),
		rawStaged:     make(map[string]string),
		overlayStaged: make(map[string]string),
	}
}

func (f *fakeMerger) Finalize(_ context.Context, m catalog.Memory, raw, overlay string) (merge.Outputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finalized[m.ID]++
	f.rawStaged[m.ID] = raw
	f.overlayStaged[m.ID] = overlay

	outs := merge.Outputs{RawPath: "/archive/" + m.ID + "_MAIN.jpg"}
	if err := f.failFor[m.ID]; err != nil {
		return outs, fmt.Errorf("%w: %v", merge.ErrMergeFailed, err)
	}
	if overlay != "" {
		outs.MergedPath = "/archive/" + m.ID + "_MERGED.jpg"
	}
	f.existing[m.ID] = true
	return outs, nil
}

func (f *fakeMerger) ExistingComplete(m catalog.Memory) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loseArtifacts {
		return false
	}
	return f.existing[m.ID]
}

// contentVerify trusts any payload that does not announce itself as bad.
func contentVerify(path string, _ catalog.MediaKind) verify.Verdict {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return verify.VerdictEmpty
	}
	if bytes.HasPrefix(data, []byte("BAD")) {
		return verify.VerdictTruncated
	}
	return verify.VerdictValid
}

func testMem(id string, links ...string) catalog.Memory {
	return catalog.Memory{
		ID:         id,
		CapturedAt: time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
		Kind:       catalog.KindPhoto,
		Links:      links,
	}
}

func testOptions(t *testing.T, tweak func(*Options)) Options {
	t.Helper()
	opts := Options{
		Workers:      4,
		StagingDir:   filepath.Join(t.TempDir(), "staging"),
		SkipExisting: false,
		Logger:       slog.New(slog.DiscardHandler),
		Sleep:        func(time.Duration) {},
		Verify:       contentVerify,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return opts
}

func TestRunAllSuccess(t *testing.T) {
	fetcher := newScriptedFetcher()
	merger := newFakeMerger()

	memories := []catalog.Memory{
		testMem("m1", "https://cdn.test/m1"),
		testMem("m2", "https://cdn.test/m2"),
		testMem("m3", "https://cdn.test/m3"),
	}

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), memories)
	require.NoError(t, err)
	require.Len(t, states, 3)

	for _, st := range states {
		assert.Equal(t, StatusDone, st.Status)
		assert.Equal(t, FailureNone, st.Failure)
		require.Len(t, st.Attempts, 1)
		assert.Equal(t, fetch.OutcomeSuccess, st.Attempts[0].Outcome)
		assert.Equal(t, verify.VerdictValid, st.Attempts[0].Verdict)
		assert.NotEmpty(t, st.RawPath)
	}
	assert.Len(t, fetcher.callList(), 3)
}

func TestRunFallsBackToBackupLink(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.results["https://cdn.test/m1"] = fetch.Result{
		Outcome: fetch.OutcomeNetworkFailure,
		Err:     errors.New("connection reset"),
	}

	merger := newFakeMerger()

	var sleeps []time.Duration
	opts := testOptions(t, func(o *Options) {
		o.Sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	})

	r := NewRunner(fetcher, merger, opts)
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1", "https://backup.test/m1"),
	})
	require.NoError(t, err)

	st := states[0]
	assert.Equal(t, StatusDone, st.Status)
	require.Len(t, st.Attempts, 2)
	assert.Equal(t, fetch.OutcomeNetworkFailure, st.Attempts[0].Outcome)
	assert.Equal(t, fetch.OutcomeSuccess, st.Attempts[1].Outcome)

	assert.Equal(t, []string{"https://cdn.test/m1", "https://backup.test/m1"}, fetcher.callList())
	require.Len(t, sleeps, 1, "one backoff pause before the retry wave")
	assert.Equal(t, 2*time.Second, sleeps[0])
}

func TestRunExhaustsAllLinks(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.results["https://cdn.test/m1"] = fetch.Result{Outcome: fetch.OutcomeNetworkFailure, Err: errors.New("reset")}
	fetcher.results["https://backup.test/m1"] = fetch.Result{Outcome: fetch.OutcomeTimeout, Err: errors.New("deadline")}

	r := NewRunner(fetcher, newFakeMerger(), testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1", "https://backup.test/m1"),
	})
	require.NoError(t, err)

	st := states[0]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, FailureTimeout, st.Failure, "failure kind follows the last attempt")
	assert.Len(t, st.Attempts, 2)

	calls := fetcher.callList()
	assert.Len(t, calls, 2, "an exhausted link is never retried")
	assert.Equal(t, []string{"https://cdn.test/m1", "https://backup.test/m1"}, calls)
}

func TestRunExpiredLink(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.results["https://cdn.test/m1"] = fetch.Result{Outcome: fetch.OutcomeExpiredLink, Err: errors.New("refused")}

	r := NewRunner(fetcher, newFakeMerger(), testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{testMem("m1", "https://cdn.test/m1")})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, states[0].Status)
	assert.Equal(t, FailureExpired, states[0].Failure)
}

func TestRunRetriesAfterIntegrityFailure(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.payloads["https://cdn.test/m1"] = []byte("BAD half of a file")
	fetcher.payloads["https://backup.test/m1"] = []byte("intact payload")

	r := NewRunner(fetcher, newFakeMerger(), testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1", "https://backup.test/m1"),
	})
	require.NoError(t, err)

	st := states[0]
	assert.Equal(t, StatusDone, st.Status)
	require.Len(t, st.Attempts, 2)
	assert.Equal(t, fetch.OutcomeSuccess, st.Attempts[0].Outcome)
	assert.Equal(t, verify.VerdictTruncated, st.Attempts[0].Verdict)
	assert.Equal(t, verify.VerdictValid, st.Attempts[1].Verdict)
}

func TestRunMergeFailureIsTerminal(t *testing.T) {
	fetcher := newScriptedFetcher()
	merger := newFakeMerger()
	merger.failFor["m1"] = errors.New("encoder exploded")

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1", "https://backup.test/m1"),
	})
	require.NoError(t, err)

	st := states[0]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, FailureMerge, st.Failure)
	assert.NotEmpty(t, st.RawPath, "degraded raw artifact survives a merge failure")
	assert.Empty(t, st.MergedPath)

	assert.Len(t, fetcher.callList(), 1, "merge failures do not burn further links")
}

func TestRunSkipsExistingArtifacts(t *testing.T) {
	fetcher := newScriptedFetcher()
	merger := newFakeMerger()
	merger.existing["m1"] = true

	opts := testOptions(t, func(o *Options) { o.SkipExisting = true })
	r := NewRunner(fetcher, merger, opts)

	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1"),
		testMem("m2", "https://cdn.test/m2"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, states[0].Status)
	assert.True(t, states[0].Skipped)
	assert.Empty(t, states[0].Attempts)

	assert.Equal(t, StatusDone, states[1].Status)
	assert.False(t, states[1].Skipped)

	assert.Equal(t, []string{"https://cdn.test/m2"}, fetcher.callList())
}

func TestRunFetchesDeclaredOverlay(t *testing.T) {
	fetcher := newScriptedFetcher()
	merger := newFakeMerger()

	m := testMem("m1", "https://cdn.test/m1")
	m.OverlayURL = "https://cdn.test/m1-overlay.png"

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{m})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, states[0].Status)
	assert.NotEmpty(t, states[0].MergedPath)
	assert.Contains(t, merger.overlayStaged["m1"], ".overlay.png")
	assert.Equal(t, []string{"https://cdn.test/m1", "https://cdn.test/m1-overlay.png"}, fetcher.callList())
}

func TestRunDegradesWhenOverlayFails(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.results["https://cdn.test/m1-overlay.png"] = fetch.Result{Outcome: fetch.OutcomeNetworkFailure, Err: errors.New("reset")}
	merger := newFakeMerger()

	m := testMem("m1", "https://cdn.test/m1")
	m.OverlayURL = "https://cdn.test/m1-overlay.png"

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{m})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, states[0].Status, "overlay trouble never fails the memory")
	assert.Empty(t, merger.overlayStaged["m1"])
	assert.Empty(t, states[0].MergedPath)
}

func TestRunSplitsBundlePayloads(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("abc-main.jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("bundled photo"))
	require.NoError(t, err)
	w, err = zw.Create("abc-overlay.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("bundled overlay"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fetcher := newScriptedFetcher()
	fetcher.payloads["https://cdn.test/m1"] = buf.Bytes()
	merger := newFakeMerger()

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{testMem("m1", "https://cdn.test/m1")})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, states[0].Status)
	assert.True(t, strings.HasSuffix(merger.rawStaged["m1"], ".media.jpg"), "raw staged path = %s", merger.rawStaged["m1"])
	assert.True(t, strings.HasSuffix(merger.overlayStaged["m1"], ".overlay.png"), "overlay staged path = %s", merger.overlayStaged["m1"])
	assert.NotEmpty(t, states[0].MergedPath, "bundled overlay should reach the merger")
}

func TestRunBoundsWorkerConcurrency(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.delay = 10 * time.Millisecond

	memories := make([]catalog.Memory, 0, 12)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("m%02d", i)
		memories = append(memories, testMem(id, "https://cdn.test/"+id))
	}

	opts := testOptions(t, func(o *Options) { o.Workers = 3 })
	r := NewRunner(fetcher, newFakeMerger(), opts)

	_, err := r.Run(context.Background(), memories)
	require.NoError(t, err)

	assert.LessOrEqual(t, fetcher.maxInFlight.Load(), int32(3))
}

func TestRunCancellation(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.blockOnCtx = true

	memories := []catalog.Memory{
		testMem("m1", "https://cdn.test/m1"),
		testMem("m2", "https://cdn.test/m2"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	r := NewRunner(fetcher, newFakeMerger(), testOptions(t, nil))
	states, err := r.Run(ctx, memories)

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.NotEqual(t, StatusDone, st.Status)
	}
}

func TestRunEmitsEvents(t *testing.T) {
	fetcher := newScriptedFetcher()
	events := make(chan Event, 64)

	opts := testOptions(t, func(o *Options) { o.Events = events })
	r := NewRunner(fetcher, newFakeMerger(), opts)

	_, err := r.Run(context.Background(), []catalog.Memory{testMem("m1", "https://cdn.test/m1")})
	require.NoError(t, err)
	close(events)

	var statuses []Status
	for ev := range events {
		assert.Equal(t, "m1", ev.MemoryID)
		statuses = append(statuses, ev.Status)
	}
	assert.Contains(t, statuses, StatusDownloading)
	assert.Contains(t, statuses, StatusVerifying)
	assert.Contains(t, statuses, StatusMerging)
	assert.Equal(t, StatusDone, statuses[len(statuses)-1])
}

func TestFinalSweepRepairsWithBackupFirst(t *testing.T) {
	fetcher := newScriptedFetcher()
	merger := newFakeMerger()
	merger.loseArtifacts = true

	r := NewRunner(fetcher, merger, testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/m1", "https://backup.test/m1"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, states[0].Status)
	assert.Equal(t, 2, merger.finalized["m1"], "repair pass finalizes again")
	assert.Equal(t, []string{"https://cdn.test/m1", "https://backup.test/m1"}, fetcher.callList(),
		"repair prefers the backup link")
}

func TestRunDuplicateIDsKeepFirst(t *testing.T) {
	fetcher := newScriptedFetcher()

	r := NewRunner(fetcher, newFakeMerger(), testOptions(t, nil))
	states, err := r.Run(context.Background(), []catalog.Memory{
		testMem("m1", "https://cdn.test/a"),
		testMem("m1", "https://cdn.test/b"),
	})
	require.NoError(t, err)

	require.Len(t, states, 1)
	assert.Equal(t, []string{"https://cdn.test/a"}, fetcher.callList())
}
