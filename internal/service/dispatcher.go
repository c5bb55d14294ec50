package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/rightsmatch/internal/client"
	"github.com/makeasinger/rightsmatch/internal/matcher"
	"github.com/makeasinger/rightsmatch/internal/metrics"
	"github.com/makeasinger/rightsmatch/internal/model"
)

var (
	// ErrNoIdleWorker signals that every worker is busy; no job state was created.
	ErrNoIdleWorker = errors.New("all services busy")
	// ErrJobNotFound is returned for keys with neither an in-flight job nor a result.
	ErrJobNotFound = errors.New("job not found")
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
)

// Broadcaster delivers a message to every connected party.
type Broadcaster interface {
	Broadcast(command string, data any)
}

// DispatcherOptions configures a Dispatcher. Zero values take defaults.
type DispatcherOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Selector          Selector
	Matcher           *matcher.Engine
	Now               func() time.Time
	Logger            *zap.Logger
}

// Dispatcher owns the worker registry and drives jobs from request to final
// result. mu serializes registry access and job admission; each cache and
// each in-flight job carries its own lock.
type Dispatcher struct {
	mu       sync.Mutex
	registry *Registry

	caches      *Caches
	fetcher     client.CatalogFetcher
	broadcaster Broadcaster
	matcher     *matcher.Engine
	selector    Selector

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	now               func() time.Time
	logger            *zap.Logger

	jobs sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given caches and collaborators.
func NewDispatcher(caches *Caches, fetcher client.CatalogFetcher, broadcaster Broadcaster, opts DispatcherOptions) *Dispatcher {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Selector == nil {
		opts.Selector = FirstIdle{}
	}
	if opts.Matcher == nil {
		opts.Matcher = matcher.New(matcher.DefaultOptions())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:          NewRegistry(),
		caches:            caches,
		fetcher:           fetcher,
		broadcaster:       broadcaster,
		matcher:           opts.Matcher,
		selector:          opts.Selector,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		now:               opts.Now,
		logger:            opts.Logger,
	}
}

// RegisterWorker adds peer to the pool as an idle worker and returns its id.
func (d *Dispatcher) RegisterWorker(peer Peer) string {
	d.mu.Lock()
	w := d.registry.Register(peer, d.now())
	count := d.registry.Len()
	d.mu.Unlock()

	metrics.SetWorkersRegistered(count)
	d.logger.Info("worker registered", zap.String("worker_id", w.ID), zap.Int("workers", count))
	return w.ID
}

// ReportHeartbeat refreshes a worker's liveness. Unknown ids are ignored.
func (d *Dispatcher) ReportHeartbeat(workerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.registry.Get(workerID)
	if !ok {
		return false
	}
	w.LastHeartbeatAt = d.now()
	return true
}

// ReportState overwrites a worker's self-reported state. Unknown ids are
// ignored. Reporting idle ends the worker's assignment.
func (d *Dispatcher) ReportState(workerID string, state model.WorkerState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.registry.Get(workerID)
	if !ok {
		return false
	}
	w.State = state
	if state == model.WorkerStateIdle {
		w.Job = nil
	}
	d.logger.Debug("worker state reported", zap.String("worker_id", workerID), zap.String("state", string(state)))
	return true
}

// ReportProgress merges one progress source into the in-flight job for key
// and broadcasts the merged map.
func (d *Dispatcher) ReportProgress(key model.JobKey, source string, p model.Progress) error {
	job, ok := d.caches.InFlight.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	snapshot := job.Merge(source, p)
	d.broadcaster.Broadcast(model.CommandProgress, model.ProgressMessage{
		ArtistID: key.ArtistID,
		PName:    key.PName,
		Progress: snapshot,
	})
	return nil
}

// RequestJob returns the memoized result for key, re-announces the progress
// of a job already running, or reserves an idle worker and starts a new job.
// The new job keeps running after ctx is done.
func (d *Dispatcher) RequestJob(ctx context.Context, key model.JobKey) (*model.JobStatus, error) {
	d.mu.Lock()
	if final, ok := d.caches.Finals.Get(key); ok {
		d.mu.Unlock()
		metrics.ObserveJob(string(model.JobStateCompleted))
		d.broadcastResult(final)
		return &model.JobStatus{Key: key, State: model.JobStateCompleted, Result: final}, nil
	}

	if job, ok := d.caches.InFlight.Get(key); ok {
		snapshot := job.Snapshot()
		output, _ := d.caches.WorkerResults.Get(key)
		d.mu.Unlock()
		metrics.ObserveJob(string(model.JobStateInProgress))
		d.broadcaster.Broadcast(model.CommandProgress, model.ProgressMessage{
			ArtistID:      key.ArtistID,
			PName:         key.PName,
			Progress:      snapshot,
			ProcessedInfo: output,
		})
		return &model.JobStatus{
			Key:          key,
			State:        model.JobStateInProgress,
			Progress:     snapshot,
			WorkerOutput: output,
		}, nil
	}

	w := d.selector.Pick(d.registry.Ordered())
	if w == nil || w.State != model.WorkerStateIdle {
		d.mu.Unlock()
		metrics.ObserveJob("busy")
		d.logger.Warn("no idle worker available", zap.String("job", key.String()))
		return nil, ErrNoIdleWorker
	}
	assigned := key
	w.State = model.WorkerStateOnJob
	w.Job = &assigned
	d.caches.InFlight.Set(key, newInFlightJob(key))
	workerID := w.ID
	d.mu.Unlock()

	metrics.ObserveJob(string(model.JobStateDispatched))
	d.logger.Info("job dispatched", zap.String("job", key.String()), zap.String("worker_id", workerID))

	d.jobs.Add(1)
	go d.startJob(context.WithoutCancel(ctx), key, workerID)

	return &model.JobStatus{
		Key:      key,
		State:    model.JobStateDispatched,
		WorkerID: workerID,
		Progress: map[string]model.Progress{},
	}, nil
}

func (d *Dispatcher) startJob(ctx context.Context, key model.JobKey, workerID string) {
	defer d.jobs.Done()

	if _, err := d.catalog(ctx, key); err != nil {
		d.logger.Error("catalog fetch failed", zap.String("job", key.String()), zap.Error(err))
		d.failJob(key, fmt.Sprintf("catalog fetch failed: %v", err))
		return
	}

	d.mu.Lock()
	w, ok := d.registry.Get(workerID)
	assigned := ok && w.Job != nil && *w.Job == key && d.caches.InFlight.Has(key)
	var peer Peer
	if assigned {
		peer = w.Peer
	}
	d.mu.Unlock()

	if !assigned {
		d.logger.Warn("job abandoned before assignment", zap.String("job", key.String()), zap.String("worker_id", workerID))
		return
	}

	err := peer.Send(model.CommandScrapeAssignment, model.ScrapeAssignmentMessage{
		ArtistID: key.ArtistID,
		PName:    key.PName,
	})
	if err != nil {
		d.logger.Error("failed to send assignment", zap.String("worker_id", workerID), zap.Error(err))
		d.failJob(key, fmt.Sprintf("failed to reach worker: %v", err))
	}
}

// catalog returns the artist's reference catalog, fetching and caching it
// when absent. Page progress is reported under the upstream source.
func (d *Dispatcher) catalog(ctx context.Context, key model.JobKey) ([]model.Record, error) {
	if records, ok := d.caches.Catalog.Get(key.ArtistID); ok {
		return records, nil
	}
	records, err := d.fetcher.FetchAll(ctx, key.ArtistID, func(fetched, total int) {
		metrics.ObserveCatalogPage()
		if err := d.ReportProgress(key, model.ProgressSourceUpstream, model.Progress{Current: fetched, Total: total}); err != nil {
			d.logger.Debug("upstream progress dropped", zap.String("job", key.String()), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	d.caches.Catalog.Set(key.ArtistID, records)
	return records, nil
}

// SubmitWorkerResult matches the worker payload against the artist's catalog,
// stores the final result and broadcasts it. A key that already has a result
// keeps it.
func (d *Dispatcher) SubmitWorkerResult(ctx context.Context, key model.JobKey, payload json.RawMessage) (*model.FinalResult, error) {
	decoded, err := model.DecodeWorkerPayload(payload)
	if err != nil {
		return nil, err
	}
	if existing, ok := d.caches.Finals.Get(key); ok {
		d.logger.Debug("duplicate worker result ignored", zap.String("job", key.String()))
		return existing, nil
	}
	d.caches.WorkerResults.Set(key, payload)

	catalog, err := d.catalog(ctx, key)
	if err != nil {
		d.failJob(key, fmt.Sprintf("catalog fetch failed: %v", err))
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	start := d.now()
	merged := d.matcher.Match(decoded.UnlinkedTracks, catalog, coalesceProgress(func(done, total int) {
		if err := d.ReportProgress(key, model.ProgressSourceMatching, model.Progress{Current: done, Total: total}); err != nil {
			d.logger.Debug("matching progress dropped", zap.String("job", key.String()), zap.Error(err))
		}
	}))
	metrics.ObserveMatch(d.now().Sub(start), len(merged))

	final := &model.FinalResult{
		Key:           key,
		WorkerOutput:  payload,
		MergedRecords: merged,
	}

	d.mu.Lock()
	if existing, ok := d.caches.Finals.Get(key); ok {
		final = existing
	} else {
		d.caches.Finals.Set(key, final)
	}
	d.caches.InFlight.Delete(key)
	d.releaseLocked(key, false)
	d.mu.Unlock()

	d.logger.Info("job completed",
		zap.String("job", key.String()),
		zap.Int("unlinked", len(decoded.UnlinkedTracks)),
		zap.Int("catalog", len(catalog)),
		zap.Int("merged", len(final.MergedRecords)),
	)
	d.broadcastResult(final)
	return final, nil
}

// coalesceProgress forwards a per-record progress stream only when the whole
// percentage changes, and always forwards completion. Calls must be serialized.
func coalesceProgress(report matcher.ProgressFunc) matcher.ProgressFunc {
	last := -1
	return func(done, total int) {
		if total <= 0 {
			return
		}
		pct := done * 100 / total
		if pct == last && done != total {
			return
		}
		last = pct
		report(done, total)
	}
}

// failJob moves a job to its terminal failure state: the in-flight entry is
// dropped, its worker released and every party notified.
func (d *Dispatcher) failJob(key model.JobKey, reason string) {
	d.mu.Lock()
	existed := d.caches.InFlight.Delete(key)
	d.releaseLocked(key, true)
	d.mu.Unlock()

	if !existed {
		return
	}
	metrics.ObserveJob("failed")
	d.logger.Warn("job failed", zap.String("job", key.String()), zap.String("reason", reason))
	d.broadcaster.Broadcast(model.CommandJobFailed, model.JobFailedMessage{
		ArtistID: key.ArtistID,
		PName:    key.PName,
		Message:  reason,
	})
}

// releaseLocked clears the assignment of every worker holding key. When
// reset is set, a worker that never started is returned to idle.
func (d *Dispatcher) releaseLocked(key model.JobKey, reset bool) {
	for _, w := range d.registry.Ordered() {
		if w.Job == nil || *w.Job != key {
			continue
		}
		w.Job = nil
		if reset && w.State == model.WorkerStateOnJob {
			w.State = model.WorkerStateIdle
		}
	}
}

func (d *Dispatcher) broadcastResult(final *model.FinalResult) {
	d.broadcaster.Broadcast(model.CommandArtistResult, model.ArtistResultMessage{
		ArtistID: final.Key.ArtistID,
		PName:    final.Key.PName,
		Result:   final,
	})
}

// Status reports where key stands without side effects on other parties.
func (d *Dispatcher) Status(key model.JobKey) (*model.JobStatus, error) {
	if final, ok := d.caches.Finals.Get(key); ok {
		return &model.JobStatus{Key: key, State: model.JobStateCompleted, Result: final}, nil
	}
	if job, ok := d.caches.InFlight.Get(key); ok {
		output, _ := d.caches.WorkerResults.Get(key)
		return &model.JobStatus{
			Key:          key,
			State:        model.JobStateInProgress,
			Progress:     job.Snapshot(),
			WorkerOutput: output,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key)
}

// Workers returns a snapshot of the registry in registration order.
func (d *Dispatcher) Workers() []model.WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	ordered := d.registry.Ordered()
	out := make([]model.WorkerInfo, 0, len(ordered))
	for _, w := range ordered {
		out = append(out, w.info())
	}
	return out
}

// Sweep pings every registered worker, then evicts those whose heartbeat is
// older than the deadline. Jobs held by evicted workers fail; they are not
// reassigned. It returns the evicted ids.
func (d *Dispatcher) Sweep(now time.Time) []string {
	d.caches.Observe()

	d.mu.Lock()
	ordered := d.registry.Ordered()
	peers := make([]Peer, 0, len(ordered))
	for _, w := range ordered {
		peers = append(peers, w.Peer)
	}
	d.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(model.CommandPing, nil); err != nil {
			d.logger.Debug("ping failed", zap.String("peer", p.ID()), zap.Error(err))
		}
	}

	d.mu.Lock()
	var (
		evicted  []string
		orphaned []model.JobKey
	)
	for _, w := range d.registry.Stale(now, d.heartbeatTimeout) {
		d.registry.Remove(w.ID)
		w.State = model.WorkerStateOffline
		evicted = append(evicted, w.ID)
		if w.Job != nil {
			orphaned = append(orphaned, *w.Job)
		}
	}
	count := d.registry.Len()
	d.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	metrics.SetWorkersRegistered(count)
	metrics.ObserveEviction(len(evicted))
	for _, id := range evicted {
		d.logger.Info("worker offline, removed from pool", zap.String("worker_id", id))
	}
	for _, key := range orphaned {
		d.failJob(key, "worker went offline")
	}
	return evicted
}

// Run drives the heartbeat sweep until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.now())
		}
	}
}

// Wait blocks until every started job has been handed to its worker or failed.
func (d *Dispatcher) Wait() {
	d.jobs.Wait()
}
