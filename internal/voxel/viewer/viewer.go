// Package viewer tracks the external observers the streaming engine serves.
// Observers are added and removed by transports or game code; the update
// task only ever reads snapshots.
package viewer

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ID identifies a viewer for its whole lifetime.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

type Viewer struct {
	ID                 ID
	WorldPosition      [3]float64
	ViewDistance       float64
	RequiresVisuals    bool
	RequiresCollisions bool
}

// Registry is safe for concurrent use. The streaming update task pairs
// viewers lazily from Snapshot, so additions and removals take effect on the
// next tick.
type Registry struct {
	mu      sync.Mutex
	viewers map[ID]Viewer
}

func NewRegistry() *Registry {
	return &Registry{viewers: map[ID]Viewer{}}
}

// Set inserts or updates a viewer.
func (r *Registry) Set(v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[v.ID] = v
}

func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.viewers, id)
}

func (r *Registry) Get(id ID) (Viewer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.viewers[id]
	return v, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Snapshot returns the viewers in a stable order so ticks are deterministic
// for a given registry state.
func (r *Registry) Snapshot() []Viewer {
	r.mu.Lock()
	out := make([]Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, v)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
