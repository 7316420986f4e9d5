package scheduler

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrInstanceNotFound      = errors.New("task instance not found")
	ErrInstanceAlreadyExists = errors.New("task instance already exists")
	ErrChunkNotFound         = errors.New("chunk not found")
)

// registry is the in-memory task instance store. External callers never
// hold references to its internals; all mutation happens under the mutex.
type registry struct {
	instances map[string]*TaskInstance
	chunks    map[string]*Chunk // chunkID -> chunk, for worker reports
	nextSeq   uint64
	mu        sync.RWMutex
}

func newRegistry() *registry {
	return &registry{
		instances: make(map[string]*TaskInstance),
		chunks:    make(map[string]*Chunk),
	}
}

func (r *registry) add(ti *TaskInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[ti.ID]; exists {
		return ErrInstanceAlreadyExists
	}

	ti.seq = r.nextSeq
	r.nextSeq++
	r.instances[ti.ID] = ti
	for _, c := range ti.chunks {
		r.chunks[c.ID] = c
	}
	return nil
}

func (r *registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ti, exists := r.instances[jobID]
	if !exists {
		return
	}
	for _, c := range ti.chunks {
		delete(r.chunks, c.ID)
	}
	delete(r.instances, jobID)
}

// ordered returns all instances in stable registration order.
func (r *registry) ordered() []*TaskInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TaskInstance, 0, len(r.instances))
	for _, ti := range r.instances {
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *registry) get(jobID string) (*TaskInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.instances[jobID]
	return ti, ok
}

func (r *registry) chunk(chunkID string) (*Chunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chunks[chunkID]
	return c, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
