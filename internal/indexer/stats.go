package indexer

import (
	"sync/atomic"

	"github.com/agentic-research/traceview/internal/watch"
)

// counters are the orchestrator's atomic activity counts.
type counters struct {
	filesProcessed  atomic.Int64
	filesError      atomic.Int64
	sessionsIndexed atomic.Int64
	messagesIndexed atomic.Int64
	partsIndexed    atomic.Int64
	backfillCycles  atomic.Int64
}

// Snapshot is a point-in-time view of indexer activity.
type Snapshot struct {
	FilesProcessed  int64
	FilesError      int64
	SessionsIndexed int64
	MessagesIndexed int64
	PartsIndexed    int64
	TracesCreated   int64
	BackfillCycles  int64
	QueueSize       int
	QueueDropped    int64
	Watcher         watch.Stats
}

func (c *counters) snapshot() Snapshot {
	return Snapshot{
		FilesProcessed:  c.filesProcessed.Load(),
		FilesError:      c.filesError.Load(),
		SessionsIndexed: c.sessionsIndexed.Load(),
		MessagesIndexed: c.messagesIndexed.Load(),
		PartsIndexed:    c.partsIndexed.Load(),
		BackfillCycles:  c.backfillCycles.Load(),
	}
}
