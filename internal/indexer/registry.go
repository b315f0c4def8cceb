package indexer

import "sync"

var (
	registryMu sync.Mutex
	defaultIdx *Orchestrator
)

// Default returns the process-wide orchestrator, or nil when none has
// been registered.
func Default() *Orchestrator {
	registryMu.Lock()
	defer registryMu.Unlock()
	return defaultIdx
}

// SetDefault registers the process-wide orchestrator. Collaborators
// that cannot take an injected instance reach it through Default.
func SetDefault(o *Orchestrator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	defaultIdx = o
}

// ClearDefault unregisters the process-wide orchestrator, mainly so
// tests can isolate themselves.
func ClearDefault() {
	registryMu.Lock()
	defer registryMu.Unlock()
	defaultIdx = nil
}
