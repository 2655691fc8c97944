package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks open viewers. It is owned by whoever constructs it and
// passed to the components that enumerate or mutate viewers.
type Registry struct {
	mu      sync.RWMutex
	viewers map[string]*Viewer // sandboxID -> viewer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{viewers: make(map[string]*Viewer)}
}

// Add registers v and assigns it the lowest free dock position. Adding a
// sandbox that already has a viewer fails.
func (r *Registry) Add(v *Viewer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.viewers[v.SandboxID]; ok {
		return fmt.Errorf("viewer for sandbox %s already open", v.SandboxID)
	}
	used := make(map[int]bool, len(r.viewers))
	for _, other := range r.viewers {
		used[other.Dock] = true
	}
	dock := 0
	for used[dock] {
		dock++
	}
	v.Dock = dock
	r.viewers[v.SandboxID] = v
	return nil
}

// Remove drops the viewer for sandboxID and returns it, or nil. The
// removed viewer's Done channel is closed.
func (r *Registry) Remove(sandboxID string) *Viewer {
	r.mu.Lock()
	v := r.viewers[sandboxID]
	delete(r.viewers, sandboxID)
	r.mu.Unlock()
	if v != nil {
		v.teardown()
	}
	return v
}

// Get returns the viewer for sandboxID.
func (r *Registry) Get(sandboxID string) (*Viewer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.viewers[sandboxID]
	return v, ok
}

// ForStory returns the viewer bound to storyID.
func (r *Registry) ForStory(storyID string) (*Viewer, bool) {
	if storyID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.viewers {
		if v.StoryID() == storyID {
			return v, true
		}
	}
	return nil, false
}

// BoundToStory reports whether an open viewer is bound to storyID.
func (r *Registry) BoundToStory(storyID string) bool {
	_, ok := r.ForStory(storyID)
	return ok
}

// List returns viewers ordered by dock position.
func (r *Registry) List() []*Viewer {
	r.mu.RLock()
	out := make([]*Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Dock < out[j].Dock })
	return out
}

// Len returns the number of open viewers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}
