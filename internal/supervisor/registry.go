package supervisor

import (
	"sync"

	"github.com/taskforge/daemon/internal/task"
)

// ProjectRegistry is the live, in-memory directory of registered projects,
// shared by the Worker Executor, Result Handler, and config hot-reload
// path as the single source of truth for "what project does this task
// belong to" (spec §4.8's "register all projects").
type ProjectRegistry struct {
	mu       sync.RWMutex
	projects map[string]*task.Project
}

// NewProjectRegistry constructs an empty registry.
func NewProjectRegistry() *ProjectRegistry {
	return &ProjectRegistry{projects: make(map[string]*task.Project)}
}

// Project implements worker.ProjectLookup and resulthandler.ProjectLookup.
func (r *ProjectRegistry) Project(id string) (*task.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// Upsert adds p or replaces the existing entry for p.ID.
func (r *ProjectRegistry) Upsert(p *task.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
}

// Remove deletes id from the registry, if present.
func (r *ProjectRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, id)
}

// All returns every registered project, in no particular order.
func (r *ProjectRegistry) All() []*task.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}
