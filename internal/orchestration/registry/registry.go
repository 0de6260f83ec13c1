// Package registry maps stage ids to the live endpoints that serve them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/quill/internal/orchestration/mailbox"
	"github.com/zjrosen/quill/internal/orchestration/message"
)

// ErrDuplicateStage is returned when registering a stage id that is already taken.
var ErrDuplicateStage = errors.New("stage already registered")

// Endpoint is anything that owns a mailbox for a stage. Workers implement it.
type Endpoint interface {
	Stage() message.StageID
	Mailbox() *mailbox.Mailbox
}

// Registry is a concurrent StageID -> Endpoint table. Lookups take a read
// lock, so registration after start-up does not stall routing.
type Registry struct {
	endpoints map[message.StageID]Endpoint
	mu        sync.RWMutex
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{endpoints: make(map[message.StageID]Endpoint)}
}

// Register adds e under its stage id.
func (r *Registry) Register(e Endpoint) error {
	if e == nil {
		return fmt.Errorf("register: nil endpoint")
	}
	stage := e.Stage()
	if stage == "" || stage == message.None {
		return fmt.Errorf("register: invalid stage id %q", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[stage]; exists {
		return fmt.Errorf("register %s: %w", stage, ErrDuplicateStage)
	}
	r.endpoints[stage] = e
	return nil
}

// Deregister removes stage. Returns false if it was not registered.
func (r *Registry) Deregister(stage message.StageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[stage]; !ok {
		return false
	}
	delete(r.endpoints, stage)
	return true
}

// Resolve returns the endpoint for stage.
func (r *Registry) Resolve(stage message.StageID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.endpoints[stage]
	return e, ok
}

// Stages returns the registered stage ids in sorted order.
func (r *Registry) Stages() []message.StageID {
	r.mu.RLock()
	stages := make([]message.StageID, 0, len(r.endpoints))
	for s := range r.endpoints {
		stages = append(stages, s)
	}
	r.mu.RUnlock()

	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
