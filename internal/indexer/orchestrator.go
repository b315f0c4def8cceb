// Package indexer wires the watch pipeline, ingestor, bulk loader and
// trace builder into one lifecycle. One goroutine watches, one
// debounces, one drains the queue and performs all ingestion, one runs
// the periodic backfill and trace reconciliation. All store writes end
// up serialized behind the store's writer lock regardless of which
// goroutine issues them.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/traceview/internal/config"
	"github.com/agentic-research/traceview/internal/ingest"
	"github.com/agentic-research/traceview/internal/records"
	"github.com/agentic-research/traceview/internal/store"
	"github.com/agentic-research/traceview/internal/trace"
	"github.com/agentic-research/traceview/internal/tracker"
	"github.com/agentic-research/traceview/internal/watch"
)

// segmentScanLimit caps how many root sessions one reconciliation pass
// re-segments.
const segmentScanLimit = 500

type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	tracker  *tracker.Tracker
	traces   *trace.Builder
	ingestor *ingest.Ingestor
	bulk     *ingest.BulkLoader
	queue    *watch.Queue
	log      *slog.Logger

	counters counters

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *watch.Watcher
}

// Option replaces one collaborator, primarily for tests.
type Option func(*Orchestrator)

func WithStore(st *store.Store) Option {
	return func(o *Orchestrator) { o.store = st }
}

func WithTracker(tr *tracker.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = tr }
}

func WithTraceBuilder(tb *trace.Builder) Option {
	return func(o *Orchestrator) { o.traces = tb }
}

func WithIngestor(ing *ingest.Ingestor) Option {
	return func(o *Orchestrator) { o.ingestor = ing }
}

// New assembles an orchestrator from config, opening the store unless
// an option injected one.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg: cfg,
		log: slog.With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		o.store = st
	}
	if o.tracker == nil {
		o.tracker = tracker.New(o.store)
	}
	if o.traces == nil {
		o.traces = trace.NewBuilder(o.store)
	}
	if o.ingestor == nil {
		o.ingestor = ingest.NewIngestor(o.store, o.tracker, o.traces)
	}
	o.bulk = ingest.NewBulkLoader(o.store, cfg.StorageRoot, cfg.Bulk.ColdSessionThreshold)
	o.queue = watch.NewQueue(cfg.Watch.QueueCapacity)
	return o, nil
}

func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Start brings up the pipeline. Idempotent: a second call while running
// is a no-op. The cold-start bulk load runs to completion before any
// watching begins.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	if loaded, err := o.bulk.LoadIfCold(ctx); err != nil {
		o.log.Error("bulk load failed, continuing with incremental ingest", "error", err)
	} else if loaded {
		o.log.Info("cold start bulk load done")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	watcher, err := watch.NewWatcher(o.cfg.StorageRoot)
	if err != nil {
		cancel()
		return fmt.Errorf("create watcher: %w", err)
	}
	o.watcher = watcher

	raw := make(chan watch.Event, 256)
	ready := make(chan watch.Event, 256)
	if err := watcher.Start(runCtx, raw); err != nil {
		cancel()
		return fmt.Errorf("start watcher: %w", err)
	}

	deb := watch.NewDebouncer(
		time.Duration(o.cfg.Watch.TickMS)*time.Millisecond,
		time.Duration(o.cfg.Watch.QuietMS)*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		deb.Run(runCtx, raw, ready)
	}()
	go func() {
		defer wg.Done()
		o.enqueueLoop(runCtx, ready)
	}()
	go func() {
		defer wg.Done()
		o.drainLoop(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.backfillLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		close(o.done)
	}()

	o.started = true
	return nil
}

// Stop signals every loop and waits, bounded, for them to exit. An
// in-flight batch completes rather than being cut off mid-write. The
// wait happens outside the lock so Stats callers are not blocked on a
// slow drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		o.log.Warn("timed out waiting for workers to stop")
	}
}

func (o *Orchestrator) enqueueLoop(ctx context.Context, ready <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ready:
			if !ok {
				return
			}
			if !o.queue.Enqueue(ev) {
				o.log.Warn("queue full, dropping event", "path", ev.Path)
			}
		}
	}
}

func (o *Orchestrator) drainLoop(ctx context.Context) {
	poll := time.Duration(o.cfg.Watch.PollMS) * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		batch := o.queue.DequeueBatch(o.cfg.Watch.BatchSize, poll)
		if len(batch) == 0 {
			continue
		}
		byType := make(map[records.FileType][]string)
		for _, ev := range batch {
			byType[ev.FileType] = append(byType[ev.FileType], ev.Path)
		}
		for ft, paths := range byType {
			res, err := o.ingestor.ProcessBatch(ctx, ft, paths)
			if err != nil {
				o.log.Error("batch ingest failed", "type", ft, "error", err)
				continue
			}
			o.record(ft, res)
		}
	}
}

func (o *Orchestrator) record(ft records.FileType, res ingest.BatchResult) {
	o.counters.filesProcessed.Add(int64(res.Processed))
	o.counters.filesError.Add(int64(res.Failed))
	switch ft {
	case records.FileTypeSession:
		o.counters.sessionsIndexed.Add(int64(res.Processed))
	case records.FileTypeMessage:
		o.counters.messagesIndexed.Add(int64(res.Processed))
	case records.FileTypePart:
		o.counters.partsIndexed.Add(int64(res.Processed))
	}
}

// backfillLoop scans for files the watcher missed. It runs at a short
// interval until a full scan finds nothing, then settles into the
// steady interval with new-files-only scans; changed files belong to
// the live watcher by then.
func (o *Orchestrator) backfillLoop(ctx context.Context) {
	initial := time.Duration(o.cfg.Backfill.InitialIntervalS) * time.Second
	steady := time.Duration(o.cfg.Backfill.SteadyIntervalS) * time.Second
	interval := initial
	caughtUp := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		found := o.runBackfillPass(ctx, caughtUp)
		o.counters.backfillCycles.Add(1)
		o.reconcileTraces()
		if !caughtUp && found == 0 {
			caughtUp = true
			interval = steady
			o.log.Info("backfill caught up, switching to steady interval")
		}
	}
}

func (o *Orchestrator) runBackfillPass(ctx context.Context, onlyNew bool) int {
	cutoff := time.Now().Add(-time.Duration(o.cfg.Backfill.HandoffWindowS) * time.Second)
	opts := tracker.ListOptions{SinceCutoff: &cutoff, OnlyNewFiles: onlyNew}
	total := 0
	for _, ft := range records.FileTypes {
		if ctx.Err() != nil {
			return total
		}
		paths, err := o.tracker.ListUnindexed(o.cfg.StorageRoot, ft, o.cfg.Backfill.BatchSize, opts)
		if err != nil {
			o.log.Error("backfill scan failed", "type", ft, "error", err)
			continue
		}
		if len(paths) == 0 {
			continue
		}
		total += len(paths)
		res, err := o.ingestor.ProcessBatch(ctx, ft, paths)
		if err != nil {
			o.log.Error("backfill ingest failed", "type", ft, "error", err)
			continue
		}
		o.record(ft, res)
	}
	return total
}

// reconcileTraces runs the periodic trace repair passes. Everything in
// here is idempotent.
func (o *Orchestrator) reconcileTraces() {
	o.traces.ResolveParentTraces()
	o.traces.BackfillMissingTokens()
	o.traces.UpdateRootTraceAgents()
	ids, err := o.store.RootSessionIDs(segmentScanLimit)
	if err != nil {
		o.log.Error("root session scan failed", "error", err)
		return
	}
	for _, id := range ids {
		o.traces.CreateConversationSegments(id)
	}
}

// ForceBackfill runs one synchronous full scan, usable without Start.
// It loops per type until a scan comes back empty, then runs trace
// reconciliation once.
func (o *Orchestrator) ForceBackfill(ctx context.Context) (Snapshot, error) {
	for _, ft := range records.FileTypes {
		for {
			if err := ctx.Err(); err != nil {
				return o.Stats(), err
			}
			paths, err := o.tracker.ListUnindexed(o.cfg.StorageRoot, ft, o.cfg.Backfill.BatchSize, tracker.ListOptions{})
			if err != nil {
				return o.Stats(), fmt.Errorf("scan %s: %w", ft, err)
			}
			if len(paths) == 0 {
				break
			}
			res, err := o.ingestor.ProcessBatch(ctx, ft, paths)
			if err != nil {
				return o.Stats(), fmt.Errorf("ingest %s: %w", ft, err)
			}
			o.record(ft, res)
			if res.Processed == 0 && res.Failed == 0 {
				// Nothing advanced; avoid spinning on unreadable files.
				break
			}
		}
	}
	o.counters.backfillCycles.Add(1)
	o.reconcileTraces()
	return o.Stats(), nil
}

// Stats returns a snapshot of indexer activity.
func (o *Orchestrator) Stats() Snapshot {
	snap := o.counters.snapshot()
	snap.QueueSize = o.queue.Len()
	snap.QueueDropped = o.queue.Dropped()
	o.mu.Lock()
	if o.watcher != nil {
		snap.Watcher = o.watcher.Stats()
	}
	o.mu.Unlock()
	if n, err := traceCount(o.store); err == nil {
		snap.TracesCreated = n
	}
	return snap
}

func traceCount(st *store.Store) (int64, error) {
	var n int64
	err := st.DB().QueryRow("SELECT COUNT(*) FROM agent_traces").Scan(&n)
	return n, err
}

// Close stops the pipeline and releases the store.
func (o *Orchestrator) Close() error {
	o.Stop()
	return o.store.Close()
}
