package main

import (
	"log/slog"
	"sync"
	"time"

	"go-case-intake/intake"
)

// WorkflowFactory builds the workflow of a new client.
type WorkflowFactory func(clientID string) *intake.Workflow

// Registry keeps one workflow per client. Entries unused for longer than idle
// are dropped by Sweep; the client's token and mailbox live in ClientStorage
// and survive that.
type Registry struct {
	factory WorkflowFactory
	idle    time.Duration
	now     func() time.Time

	mutex   sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	workflow *intake.Workflow
	lastUsed time.Time
}

func NewRegistry(factory WorkflowFactory, idle time.Duration) *Registry {
	return &Registry{
		factory: factory,
		idle:    idle,
		now:     time.Now,
		entries: make(map[string]*registryEntry),
	}
}

// Get returns the workflow of clientID, creating it on first use.
func (r *Registry) Get(clientID string) *intake.Workflow {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		slog.Debug("Starting workflow for new client", "client_id", clientID)
		entry = &registryEntry{workflow: r.factory(clientID)}
		r.entries[clientID] = entry
	}
	entry.lastUsed = r.now()
	return entry.workflow
}

// Sweep drops idle workflows and returns how many were removed.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := r.now().Add(-r.idle)
	removed := 0
	for id, entry := range r.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Dropped idle workflows", "count", removed, "remaining", len(r.entries))
	}
	return removed
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.entries)
}
