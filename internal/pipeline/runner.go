package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/fetch"
	"github.com/lenamarten/memvault/internal/merge"
	"github.com/lenamarten/memvault/internal/metrics"
	"github.com/lenamarten/memvault/internal/verify"
)

// Fetcher downloads one link into a destination file.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) fetch.Result
}

// Merger finalizes a verified memory's staged assets.
type Merger interface {
	Finalize(ctx context.Context, m catalog.Memory, rawStaged, overlayStaged string) (merge.Outputs, error)
	ExistingComplete(m catalog.Memory) bool
}

// VerifyFunc classifies a staged file.
type VerifyFunc func(path string, kind catalog.MediaKind) verify.Verdict

// Options configure a Runner.
type Options struct {
	Workers    int
	StagingDir string

	// SkipExisting accepts artifacts from earlier runs after
	// re-verification instead of downloading again.
	SkipExisting bool

	// BackupFirst rotates backup links ahead of the primary.
	BackupFirst bool

	// Events receives a notification per status change. Sends never
	// block; a slow consumer just misses updates. Optional.
	Events chan<- Event

	// Collector aggregates stage timings and transfer sizes. Optional.
	Collector *metrics.Collector

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Sleep is the inter-wave pause; replaced in tests.
	Sleep func(time.Duration)

	// Verify defaults to verify.Check.
	Verify VerifyFunc
}

// Runner owns the per-run state machine and the worker pool.
type Runner struct {
	fetcher   Fetcher
	merger    Merger
	pool      *Pool
	engine    *Engine
	verify    VerifyFunc
	collector *metrics.Collector
	events    chan<- Event
	logger    *slog.Logger
	sleep     func(time.Duration)

	stagingDir   string
	skipExisting bool

	mu     sync.Mutex
	states map[string]*ProcessingState
	order  []string
}

// NewRunner wires a runner from its collaborators.
func NewRunner(fetcher Fetcher, merger Merger, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	verifyFn := opts.Verify
	if verifyFn == nil {
		verifyFn = verify.Check
	}

	return &Runner{
		fetcher:      fetcher,
		merger:       merger,
		pool:         NewPool(opts.Workers),
		engine:       NewEngine(opts.BackupFirst),
		verify:       verifyFn,
		collector:    opts.Collector,
		events:       opts.Events,
		logger:       logger,
		sleep:        sleep,
		stagingDir:   opts.StagingDir,
		skipExisting: opts.SkipExisting,
		states:       make(map[string]*ProcessingState),
	}
}

// Run drives every memory to a terminal status and returns the states in
// catalog order. A canceled context stops new work; outcomes that are
// already terminal survive and the context error is returned.
func (r *Runner) Run(ctx context.Context, memories []catalog.Memory) ([]*ProcessingState, error) {
	initial := r.initStates(memories)

	r.cleanStaging()
	if err := os.MkdirAll(r.stagingDir, 0o755); err != nil {
		return r.snapshot(), err
	}

	r.logger.Info("pipeline starting",
		"memories", len(initial),
		"workers", r.pool.Workers(),
	)

	r.runWaves(ctx, initial)
	r.finalSweep(ctx)
	r.cleanStaging()

	return r.snapshot(), ctx.Err()
}

// runWaves dispatches attempt waves until nothing is left waiting. Every
// memory gets at most one attempt per wave, so retries of one memory
// never starve first attempts of another.
func (r *Runner) runWaves(ctx context.Context, wave []*ProcessingState) {
	for waveNum := 1; len(wave) > 0 && ctx.Err() == nil; waveNum++ {
		if delay := r.engine.Backoff(waveNum); delay > 0 {
			r.logger.Info("pausing before retry wave", "wave", waveNum, "delay", delay, "memories", len(wave))
			r.sleep(delay)
		}

		tasks := make([]func(), 0, len(wave))
		for _, st := range wave {
			tasks = append(tasks, func() { r.process(ctx, st, waveNum) })
		}
		r.pool.Dispatch(ctx, tasks)

		wave = r.collectAwaiting()
	}
}

// finalSweep re-verifies what completed memories left on disk. Anything
// that no longer holds up gets a repair pass that prefers backup links.
func (r *Runner) finalSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	repairEngine := NewEngine(true)

	var repair []*ProcessingState
	r.mu.Lock()
	for _, id := range r.order {
		st := r.states[id]
		if st.Status != StatusDone {
			continue
		}
		if r.merger.ExistingComplete(st.Memory) {
			continue
		}
		st.Status = StatusPending
		st.Failure = FailureNone
		st.Err = ""
		st.Skipped = false
		st.RawPath = ""
		st.MergedPath = ""
		st.order = repairEngine.Order(st.Memory)
		st.nextLink = 0
		repair = append(repair, st)
	}
	r.mu.Unlock()

	if len(repair) == 0 {
		return
	}

	r.logger.Warn("consistency sweep found incomplete artifacts, repairing", "memories", len(repair))
	r.runWaves(ctx, repair)
}

// process runs one attempt for one memory: download, verify, finalize.
func (r *Runner) process(ctx context.Context, st *ProcessingState, wave int) {
	m := st.Memory

	if wave == 1 && r.skipExisting && r.attemptCount(st) == 0 {
		if r.merger.ExistingComplete(m) {
			r.setStatus(st, func() {
				st.Status = StatusDone
				st.Skipped = true
			})
			r.logger.Debug("memory already archived", "memory", m.ID)
			return
		}
	}

	r.mu.Lock()
	link, ok := currentLink(st)
	r.mu.Unlock()
	if !ok {
		// Exhausted states never reach a wave; guard anyway.
		r.setStatus(st, func() {
			st.Status = StatusFailed
			st.Failure = FailureNetwork
			st.Err = "no links left to try"
		})
		return
	}

	r.setStatus(st, func() { st.Status = StatusDownloading })

	staged := filepath.Join(r.stagingDir, m.ID+".part")
	start := time.Now()
	res := r.fetcher.Download(ctx, link, staged)
	if r.collector != nil {
		r.collector.RecordTransfer(metrics.OpFetch, time.Since(start), res.Bytes)
	}

	if res.Outcome != fetch.OutcomeSuccess {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		r.setStatus(st, func() {
			st.Attempts = append(st.Attempts, FetchAttempt{
				Link:    link,
				Outcome: res.Outcome,
				Bytes:   res.Bytes,
				Err:     errMsg,
			})
			r.engine.Advance(st, failureFor(res.Outcome), errMsg)
		})
		r.logger.Warn("download attempt failed",
			"memory", m.ID,
			"outcome", res.Outcome,
			"error", errMsg,
		)
		return
	}

	r.setStatus(st, func() { st.Status = StatusVerifying })

	rawStaged, overlayStaged, err := r.stagePayload(m, staged)
	if err != nil {
		r.setStatus(st, func() {
			st.Attempts = append(st.Attempts, FetchAttempt{
				Link:    link,
				Outcome: res.Outcome,
				Verdict: verify.VerdictUnreadable,
				Bytes:   res.Bytes,
				Err:     err.Error(),
			})
			r.engine.Advance(st, FailureIntegrity, err.Error())
		})
		r.logger.Warn("payload unusable", "memory", m.ID, "error", err)
		return
	}

	if overlayStaged == "" && m.OverlayURL != "" {
		overlayStaged = r.fetchOverlay(ctx, m)
	}

	verifyStart := time.Now()
	verdict := r.verify(rawStaged, m.Kind)
	if r.collector != nil {
		r.collector.RecordTiming(metrics.OpVerify, time.Since(verifyStart))
	}

	if !verdict.OK() {
		os.Remove(rawStaged)
		if overlayStaged != "" {
			os.Remove(overlayStaged)
		}
		errMsg := "payload " + string(verdict)
		r.setStatus(st, func() {
			st.Attempts = append(st.Attempts, FetchAttempt{
				Link:    link,
				Outcome: res.Outcome,
				Verdict: verdict,
				Bytes:   res.Bytes,
				Err:     errMsg,
			})
			r.engine.Advance(st, FailureIntegrity, errMsg)
		})
		r.logger.Warn("integrity check rejected payload",
			"memory", m.ID,
			"verdict", verdict,
		)
		return
	}

	r.setStatus(st, func() {
		st.Attempts = append(st.Attempts, FetchAttempt{
			Link:    link,
			Outcome: res.Outcome,
			Verdict: verdict,
			Bytes:   res.Bytes,
		})
		st.Status = StatusMerging
	})

	mergeStart := time.Now()
	outs, mergeErr := r.merger.Finalize(ctx, m, rawStaged, overlayStaged)
	if r.collector != nil && overlayStaged != "" {
		r.collector.RecordTiming(metrics.OpComposite, time.Since(mergeStart))
	}

	r.setStatus(st, func() {
		st.RawPath = outs.RawPath
		st.MergedPath = outs.MergedPath
		if mergeErr != nil {
			st.Status = StatusFailed
			st.Failure = FailureMerge
			st.Err = mergeErr.Error()
		} else {
			st.Status = StatusDone
		}
	})

	if mergeErr != nil {
		r.logger.Error("merge stage failed", "memory", m.ID, "error", mergeErr)
		return
	}
	r.logger.Debug("memory archived", "memory", m.ID, "raw", outs.RawPath, "merged", outs.MergedPath)
}

// stagePayload resolves a downloaded payload into raw and overlay
// staging files. Zip bundles are split; direct payloads pass through.
func (r *Runner) stagePayload(m catalog.Memory, staged string) (raw, overlay string, err error) {
	if !fetch.IsBundle(staged) {
		return staged, "", nil
	}
	parts, err := fetch.SplitBundle(staged, r.stagingDir, m.ID)
	if err != nil {
		os.Remove(staged)
		return "", "", err
	}
	return parts.MediaPath, parts.OverlayPath, nil
}

// fetchOverlay pulls the declared overlay asset. Overlay trouble never
// fails the memory; the result is simply merged without one.
func (r *Runner) fetchOverlay(ctx context.Context, m catalog.Memory) string {
	dest := filepath.Join(r.stagingDir, m.ID+".overlay"+overlayExt(m.OverlayURL))

	start := time.Now()
	res := r.fetcher.Download(ctx, m.OverlayURL, dest)
	if r.collector != nil {
		r.collector.RecordTransfer(metrics.OpFetch, time.Since(start), res.Bytes)
	}
	if res.Outcome != fetch.OutcomeSuccess {
		r.logger.Warn("overlay download failed, keeping raw only", "memory", m.ID, "outcome", res.Outcome)
		return ""
	}

	if verdict := r.verify(dest, catalog.KindPhoto); !verdict.OK() {
		r.logger.Warn("overlay failed verification, keeping raw only", "memory", m.ID, "verdict", verdict)
		os.Remove(dest)
		return ""
	}
	return dest
}

func overlayExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".png"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".png"
}

func (r *Runner) initStates(memories []catalog.Memory) []*ProcessingState {
	r.mu.Lock()
	defer r.mu.Unlock()

	initial := make([]*ProcessingState, 0, len(memories))
	for _, m := range memories {
		if _, exists := r.states[m.ID]; exists {
			r.logger.Warn("duplicate memory ID in catalog, keeping first occurrence", "memory", m.ID)
			continue
		}
		st := &ProcessingState{
			Memory: m,
			Status: StatusPending,
			order:  r.engine.Order(m),
		}
		r.states[m.ID] = st
		r.order = append(r.order, m.ID)
		initial = append(initial, st)
	}
	return initial
}

// collectAwaiting gathers the memories parked for the next wave.
func (r *Runner) collectAwaiting() []*ProcessingState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wave []*ProcessingState
	for _, id := range r.order {
		if st := r.states[id]; st.Status == StatusAwaitingRetry {
			wave = append(wave, st)
		}
	}
	return wave
}

// snapshot returns the states in catalog order.
func (r *Runner) snapshot() []*ProcessingState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ProcessingState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.states[id])
	}
	return out
}

// setStatus applies a state mutation under the lock and emits the
// resulting event.
func (r *Runner) setStatus(st *ProcessingState, mutate func()) {
	r.mu.Lock()
	mutate()
	ev := Event{
		MemoryID: st.Memory.ID,
		Kind:     st.Memory.Kind,
		Status:   st.Status,
		Failure:  st.Failure,
		Skipped:  st.Skipped,
	}
	r.mu.Unlock()

	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		// A stalled consumer loses updates rather than stalling the run.
	}
}

func (r *Runner) attemptCount(st *ProcessingState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(st.Attempts)
}

// cleanStaging removes every leftover from interrupted runs. The staging
// directory belongs to the pipeline alone.
func (r *Runner) cleanStaging() {
	if r.stagingDir == "" {
		return
	}
	if err := os.RemoveAll(r.stagingDir); err != nil {
		r.logger.Warn("could not clean staging directory", "dir", r.stagingDir, "error", err)
	}
}
