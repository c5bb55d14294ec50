package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/makeasinger/rightsmatch/internal/cache"
	"github.com/makeasinger/rightsmatch/internal/config"
	"github.com/makeasinger/rightsmatch/internal/metrics"
	"github.com/makeasinger/rightsmatch/internal/model"
)

// InFlightJob accumulates progress from independent sources while a job runs.
type InFlightJob struct {
	Key model.JobKey

	mu       sync.Mutex
	progress map[string]model.Progress
}

func newInFlightJob(key model.JobKey) *InFlightJob {
	return &InFlightJob{Key: key, progress: make(map[string]model.Progress)}
}

// Merge replaces the entry for source, keeps every other source, and returns
// a copy of the resulting map.
func (j *InFlightJob) Merge(source string, p model.Progress) map[string]model.Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress[source] = p
	return j.snapshotLocked()
}

// Snapshot returns a copy of the progress map.
func (j *InFlightJob) Snapshot() map[string]model.Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *InFlightJob) snapshotLocked() map[string]model.Progress {
	out := make(map[string]model.Progress, len(j.progress))
	for k, v := range j.progress {
		out[k] = v
	}
	return out
}

// Caches groups the four process-wide caches the dispatcher works with.
type Caches struct {
	Catalog       *cache.Cache[model.ArtistID, []model.Record]
	WorkerResults *cache.Cache[model.JobKey, json.RawMessage]
	InFlight      *cache.Cache[model.JobKey, *InFlightJob]
	Finals        *cache.Cache[model.JobKey, *model.FinalResult]
}

// NewCaches builds the four caches from one shared policy.
func NewCaches(cfg config.CacheConfig) (*Caches, error) {
	catalog, err := cache.New(cache.Options[model.ArtistID, []model.Record]{
		MaxEntries: cfg.MaxEntries,
		MaxSize:    cfg.MaxSize,
		TTL:        cfg.TTL,
		AllowStale: cfg.AllowStale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}
	results, err := cache.New(cache.Options[model.JobKey, json.RawMessage]{
		MaxEntries: cfg.MaxEntries,
		MaxSize:    cfg.MaxSize,
		TTL:        cfg.TTL,
		AllowStale: cfg.AllowStale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker result cache: %w", err)
	}
	inFlight, err := cache.New(cache.Options[model.JobKey, *InFlightJob]{
		MaxEntries: cfg.MaxEntries,
		MaxSize:    cfg.MaxSize,
		TTL:        cfg.TTL,
		AllowStale: cfg.AllowStale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight cache: %w", err)
	}
	finals, err := cache.New(cache.Options[model.JobKey, *model.FinalResult]{
		MaxEntries: cfg.MaxEntries,
		MaxSize:    cfg.MaxSize,
		TTL:        cfg.TTL,
		AllowStale: cfg.AllowStale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create final result cache: %w", err)
	}
	return &Caches{
		Catalog:       catalog,
		WorkerResults: results,
		InFlight:      inFlight,
		Finals:        finals,
	}, nil
}

// Observe publishes the usage of every cache.
func (c *Caches) Observe() {
	metrics.SetCacheUsage("catalog", c.Catalog.Len(), c.Catalog.Size())
	metrics.SetCacheUsage("worker_results", c.WorkerResults.Len(), c.WorkerResults.Size())
	metrics.SetCacheUsage("in_flight", c.InFlight.Len(), c.InFlight.Size())
	metrics.SetCacheUsage("finals", c.Finals.Len(), c.Finals.Size())
}
