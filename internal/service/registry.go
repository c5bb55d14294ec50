package service

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/rightsmatch/internal/model"
)

// Peer is one connected party on the persistent channel.
type Peer interface {
	ID() string
	Send(command string, data any) error
}

// Worker is a registered scraper. The connection owns the Peer; the registry
// only holds a reference to it.
type Worker struct {
	ID              string
	Peer            Peer
	State           model.WorkerState
	Job             *model.JobKey
	LastHeartbeatAt time.Time

	seq uint64
}

func (w *Worker) info() model.WorkerInfo {
	info := model.WorkerInfo{
		ID:              w.ID,
		State:           w.State,
		LastHeartbeatAt: w.LastHeartbeatAt,
	}
	if w.Job != nil {
		job := *w.Job
		info.Job = &job
	}
	return info
}

// Registry tracks connected workers. It is not safe for concurrent use; the
// Dispatcher serializes every access.
type Registry struct {
	workers map[string]*Worker
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Register inserts a new idle worker and returns its id.
func (r *Registry) Register(peer Peer, now time.Time) *Worker {
	r.seq++
	w := &Worker{
		ID:              uuid.New().String(),
		Peer:            peer,
		State:           model.WorkerStateIdle,
		LastHeartbeatAt: now,
		seq:             r.seq,
	}
	r.workers[w.ID] = w
	return w
}

func (r *Registry) Get(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) Remove(id string) bool {
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	return true
}

func (r *Registry) Len() int {
	return len(r.workers)
}

// Ordered returns the workers in registration order.
func (r *Registry) Ordered() []*Worker {
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Stale returns the workers whose last heartbeat is older than deadline.
func (r *Registry) Stale(now time.Time, deadline time.Duration) []*Worker {
	var out []*Worker
	for _, w := range r.Ordered() {
		if now.Sub(w.LastHeartbeatAt) > deadline {
			out = append(out, w)
		}
	}
	return out
}

// Selector chooses the worker that receives the next job.
type Selector interface {
	// Pick returns one idle worker from candidates, or nil when none fits.
	Pick(candidates []*Worker) *Worker
}

// FirstIdle picks the earliest-registered idle worker.
type FirstIdle struct{}

func (FirstIdle) Pick(candidates []*Worker) *Worker {
	for _, w := range candidates {
		if w.State == model.WorkerStateIdle {
			return w
		}
	}
	return nil
}
