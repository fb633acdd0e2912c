package pose

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when looking up an id that has never been seen.
var ErrNotFound = errors.New("pose not found")

// Registry holds the latest pose per tracked id. Ids are never removed.
//
// Registry is not safe for concurrent use; the broadcaster guards it with
// the same lock as the recording session.
type Registry struct {
	poses map[string]Pose
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{poses: make(map[string]Pose)}
}

// Update stores p as the latest pose for p.ID and reports whether the id
// was seen for the first time.
func (r *Registry) Update(p Pose) (isNew bool) {
	_, seen := r.poses[p.ID]
	r.poses[p.ID] = p
	return !seen
}

// Get returns the latest pose for id.
func (r *Registry) Get(id string) (Pose, error) {
	p, ok := r.poses[id]
	if !ok {
		return Pose{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return p, nil
}

// IDs returns every id observed so far in lexical order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.poses))
	for id := range r.poses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of distinct ids observed.
func (r *Registry) Len() int {
	return len(r.poses)
}
