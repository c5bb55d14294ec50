package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/rightsmatch/internal/client"
	"github.com/makeasinger/rightsmatch/internal/config"
	"github.com/makeasinger/rightsmatch/internal/model"
)

type sentMessage struct {
	Command string
	Data    any
}

type fakePeer struct {
	id string

	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(command string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{Command: command, Data: data})
	return nil
}

func (p *fakePeer) count(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.sent {
		if m.Command == command {
			n++
		}
	}
	return n
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (b *fakeBroadcaster) Broadcast(command string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{Command: command, Data: data})
}

func (b *fakeBroadcaster) messages(command string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, m := range b.sent {
		if m.Command == command {
			out = append(out, m.Data)
		}
	}
	return out
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	records []model.Record
	err     error
}

func (f *fakeFetcher) FetchAll(_ context.Context, _ model.ArtistID, onPage client.PageFunc) ([]model.Record, error) {
	f.mu.Lock()
	f.calls++
	records, err := f.records, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 && onPage != nil {
		onPage(len(records), len(records))
	}
	return records, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	d       *Dispatcher
	caches  *Caches
	fetcher *fakeFetcher
	bc      *fakeBroadcaster
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	caches, err := NewCaches(config.CacheConfig{
		MaxEntries: 100,
		MaxSize:    1000,
		TTL:        time.Hour,
		AllowStale: true,
	})
	require.NoError(t, err)

	h := &harness{
		caches: caches,
		fetcher: &fakeFetcher{records: []model.Record{
			{"track_title": "Road Kill", "isrc": "USX1"},
			{"track_title": "Blue Monday", "isrc": "USX2"},
		}},
		bc:    &fakeBroadcaster{},
		clock: &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.d = NewDispatcher(caches, h.fetcher, h.bc, DispatcherOptions{
		HeartbeatTimeout: 10 * time.Second,
		Now:              h.clock.Now,
	})
	return h
}

func (h *harness) worker(t *testing.T, id string) (*fakePeer, string) {
	t.Helper()
	peer := &fakePeer{id: id}
	return peer, h.d.RegisterWorker(peer)
}

func workerState(t *testing.T, d *Dispatcher, id string) model.WorkerInfo {
	t.Helper()
	for _, w := range d.Workers() {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("worker %s not registered", id)
	return model.WorkerInfo{}
}

func TestRequestJobDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	peer, workerID := h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	first, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, model.JobStateDispatched, first.State)
	require.Equal(t, workerID, first.WorkerID)

	second, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, model.JobStateInProgress, second.State)

	h.d.Wait()
	require.Equal(t, 1, peer.count(model.CommandScrapeAssignment))

	info := workerState(t, h.d, workerID)
	require.Equal(t, model.WorkerStateOnJob, info.State)
	require.NotNil(t, info.Job)
	require.Equal(t, key, *info.Job)

	// catalog progress was merged into the in-flight job
	status, err := h.d.Status(key)
	require.NoError(t, err)
	require.Equal(t, model.Progress{Current: 2, Total: 2}, status.Progress[model.ProgressSourceUpstream])
}

func TestRequestJobBusyCreatesNoState(t *testing.T) {
	h := newHarness(t)
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.ErrorIs(t, err, ErrNoIdleWorker)
	require.Equal(t, 0, h.caches.InFlight.Len())

	_, err = h.d.Status(key)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestWorkerHoldsOneJob(t *testing.T) {
	h := newHarness(t)
	h.worker(t, "w1")

	_, err := h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "1"})
	require.NoError(t, err)

	_, err = h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "2"})
	require.ErrorIs(t, err, ErrNoIdleWorker)
	h.d.Wait()
}

func TestPNameIsolatesJobs(t *testing.T) {
	h := newHarness(t)
	_, w1 := h.worker(t, "w1")
	_, w2 := h.worker(t, "w2")

	a, err := h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "7"})
	require.NoError(t, err)
	b, err := h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "7", PName: "label"})
	require.NoError(t, err)
	h.d.Wait()

	require.Equal(t, model.JobStateDispatched, a.State)
	require.Equal(t, model.JobStateDispatched, b.State)
	require.Equal(t, w1, a.WorkerID)
	require.Equal(t, w2, b.WorkerID)
	require.Equal(t, 2, h.caches.InFlight.Len())
}

func TestReportProgressMergesSources(t *testing.T) {
	h := newHarness(t)
	h.fetcher.records = nil
	h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	require.NoError(t, h.d.ReportProgress(key, "scraper-a", model.Progress{Current: 1, Total: 10}))
	require.NoError(t, h.d.ReportProgress(key, "scraper-b", model.Progress{Current: 3, Total: 5}))
	require.NoError(t, h.d.ReportProgress(key, "scraper-a", model.Progress{Current: 4, Total: 10}))

	msgs := h.bc.messages(model.CommandProgress)
	require.Len(t, msgs, 3)
	last := msgs[2].(model.ProgressMessage)
	require.Equal(t, map[string]model.Progress{
		"scraper-a": {Current: 4, Total: 10},
		"scraper-b": {Current: 3, Total: 5},
	}, last.Progress)

	err = h.d.ReportProgress(model.JobKey{ArtistID: "unknown"}, "scraper-a", model.Progress{})
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubmitWorkerResultProducesFinal(t *testing.T) {
	h := newHarness(t)
	_, workerID := h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	payload := json.RawMessage(`{"unlinkedTracks":[{"recordingId":"r1","recordingTitle":"Road Kill"},{"recordingId":"r2","recordingTitle":"Nothing Alike"}]}`)
	final, err := h.d.SubmitWorkerResult(context.Background(), key, payload)
	require.NoError(t, err)
	require.Len(t, final.MergedRecords, 1)
	require.Equal(t, "USX1", final.MergedRecords[0]["isrc"])
	require.Equal(t, "r1", final.MergedRecords[0]["recordingId"])
	require.JSONEq(t, string(payload), string(final.WorkerOutput))

	require.False(t, h.caches.InFlight.Has(key))
	require.Nil(t, workerState(t, h.d, workerID).Job)
	require.Len(t, h.bc.messages(model.CommandArtistResult), 1)

	// the catalog was fetched once and reused for matching
	require.Equal(t, 1, h.fetcher.calls)

	// a later request is answered from the stored result
	status, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, model.JobStateCompleted, status.State)
	require.Same(t, final, status.Result)
	require.Len(t, h.bc.messages(model.CommandArtistResult), 2)

	// a duplicate delivery keeps the first result
	again, err := h.d.SubmitWorkerResult(context.Background(), key, json.RawMessage(`{"unlinkedTracks":[]}`))
	require.NoError(t, err)
	require.Same(t, final, again)
}

func TestSubmitWorkerResultRejectsEmptyPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.SubmitWorkerResult(context.Background(), model.JobKey{ArtistID: "1"}, json.RawMessage(`null`))
	require.ErrorIs(t, err, model.ErrEmptyWorkerPayload)
}

func TestInFlightRequestCarriesWorkerOutput(t *testing.T) {
	h := newHarness(t)
	h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	raw := json.RawMessage(`{"unlinkedTracks":[]}`)
	h.caches.WorkerResults.Set(key, raw)

	status, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, model.JobStateInProgress, status.State)
	require.JSONEq(t, string(raw), string(status.WorkerOutput))
}

func TestFetchFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("upstream down")
	peer, workerID := h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	require.Equal(t, 0, peer.count(model.CommandScrapeAssignment))
	require.Len(t, h.bc.messages(model.CommandJobFailed), 1)
	require.False(t, h.caches.InFlight.Has(key))

	info := workerState(t, h.d, workerID)
	require.Equal(t, model.WorkerStateIdle, info.State)
	require.Nil(t, info.Job)

	// the worker can take the retry
	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	status, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, model.JobStateDispatched, status.State)
	h.d.Wait()
	require.Equal(t, 1, peer.count(model.CommandScrapeAssignment))
}

func TestUnreachableWorkerFailsJob(t *testing.T) {
	h := newHarness(t)
	peer, workerID := h.worker(t, "w1")
	peer.err = errors.New("connection closed")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	require.Len(t, h.bc.messages(model.CommandJobFailed), 1)
	require.Equal(t, model.WorkerStateIdle, workerState(t, h.d, workerID).State)
}

func TestReportStateIdleReleasesJob(t *testing.T) {
	h := newHarness(t)
	_, workerID := h.worker(t, "w1")

	_, err := h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "1"})
	require.NoError(t, err)
	h.d.Wait()

	require.True(t, h.d.ReportState(workerID, model.WorkerStateScraping))
	require.Equal(t, model.WorkerStateScraping, workerState(t, h.d, workerID).State)

	require.True(t, h.d.ReportState(workerID, model.WorkerStateIdle))
	info := workerState(t, h.d, workerID)
	require.Equal(t, model.WorkerStateIdle, info.State)
	require.Nil(t, info.Job)

	require.False(t, h.d.ReportState("missing", model.WorkerStateIdle))
}

func TestSweepEvictsStaleWorkers(t *testing.T) {
	h := newHarness(t)
	stale, staleID := h.worker(t, "w1")
	h.clock.Advance(5 * time.Second)
	_, liveID := h.worker(t, "w2")

	h.clock.Advance(4 * time.Second)
	require.True(t, h.d.ReportHeartbeat(liveID))
	require.False(t, h.d.ReportHeartbeat("missing"))

	h.clock.Advance(2 * time.Second)
	evicted := h.d.Sweep(h.clock.Now())
	require.Equal(t, []string{staleID}, evicted)
	require.Equal(t, 1, stale.count(model.CommandPing))

	workers := h.d.Workers()
	require.Len(t, workers, 1)
	require.Equal(t, liveID, workers[0].ID)

	require.Empty(t, h.d.Sweep(h.clock.Now()))
	require.Len(t, h.d.Workers(), 1)
}

func TestSweepFailsOrphanedJob(t *testing.T) {
	h := newHarness(t)
	h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()

	h.clock.Advance(11 * time.Second)
	require.Len(t, h.d.Sweep(h.clock.Now()), 1)

	failed := h.bc.messages(model.CommandJobFailed)
	require.Len(t, failed, 1)
	require.Equal(t, model.ArtistID("42"), failed[0].(model.JobFailedMessage).ArtistID)
	require.False(t, h.caches.InFlight.Has(key))

	_, err = h.d.RequestJob(context.Background(), key)
	require.ErrorIs(t, err, ErrNoIdleWorker)
}

func TestRunSweepsOnInterval(t *testing.T) {
	h := newHarness(t)
	h.d.heartbeatInterval = 10 * time.Millisecond
	peer, _ := h.worker(t, "w1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return peer.count(model.CommandPing) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCoalesceProgress(t *testing.T) {
	var calls []model.Progress
	report := coalesceProgress(func(done, total int) {
		calls = append(calls, model.Progress{Current: done, Total: total})
	})
	for i := 1; i <= 1000; i++ {
		report(i, 1000)
	}
	require.Len(t, calls, 101)
	require.Equal(t, model.Progress{Current: 1, Total: 1000}, calls[0])
	require.Equal(t, model.Progress{Current: 1000, Total: 1000}, calls[100])
	for i := 1; i < len(calls); i++ {
		require.Greater(t, calls[i].Current, calls[i-1].Current)
	}

	calls = nil
	small := coalesceProgress(func(done, total int) {
		calls = append(calls, model.Progress{Current: done, Total: total})
	})
	for i := 1; i <= 3; i++ {
		small(i, 3)
	}
	require.Len(t, calls, 3)
}

func TestMatchingProgressIsCoalesced(t *testing.T) {
	h := newHarness(t)
	h.worker(t, "w1")
	key := model.JobKey{ArtistID: "42"}

	_, err := h.d.RequestJob(context.Background(), key)
	require.NoError(t, err)
	h.d.Wait()
	before := len(h.bc.messages(model.CommandProgress))

	tracks := make([]model.Record, 3000)
	for i := range tracks {
		tracks[i] = model.Record{"recordingId": fmt.Sprint(i), "recordingTitle": fmt.Sprintf("Track %d", i)}
	}
	payload, err := json.Marshal(model.WorkerPayload{UnlinkedTracks: tracks})
	require.NoError(t, err)

	_, err = h.d.SubmitWorkerResult(context.Background(), key, payload)
	require.NoError(t, err)

	progress := h.bc.messages(model.CommandProgress)[before:]
	require.LessOrEqual(t, len(progress), 101)
	last := progress[len(progress)-1].(model.ProgressMessage)
	require.Equal(t, model.Progress{Current: 3000, Total: 3000}, last.Progress[model.ProgressSourceMatching])
}

func TestSweepPublishesCacheUsage(t *testing.T) {
	h := newHarness(t)
	h.worker(t, "w1")
	_, err := h.d.RequestJob(context.Background(), model.JobKey{ArtistID: "42"})
	require.NoError(t, err)
	h.d.Wait()

	h.d.Sweep(h.clock.Now())

	for _, name := range []string{"rightsmatch_cache_entries", "rightsmatch_cache_size"} {
		n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, name)
		require.NoError(t, err)
		require.Equal(t, 4, n, name)
	}
}
