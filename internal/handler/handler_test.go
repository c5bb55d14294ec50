package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/rightsmatch/internal/client"
	"github.com/makeasinger/rightsmatch/internal/config"
	"github.com/makeasinger/rightsmatch/internal/model"
	"github.com/makeasinger/rightsmatch/internal/service"
)

type frame struct {
	Command string
	Data    json.RawMessage
}

// recorder captures targeted sends and broadcasts as wire JSON.
type recorder struct {
	id string

	mu     sync.Mutex
	frames []frame
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(command string, data any) error {
	r.record(command, data)
	return nil
}

func (r *recorder) Broadcast(command string, data any) {
	r.record(command, data)
}

func (r *recorder) record(command string, data any) {
	raw, _ := json.Marshal(data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{Command: command, Data: raw})
}

func (r *recorder) last(command string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Command == command {
			return r.frames[i].Data, true
		}
	}
	return nil, false
}

func (r *recorder) count(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Command == command {
			n++
		}
	}
	return n
}

type staticCatalog struct {
	records []model.Record
}

func (s staticCatalog) FetchAll(_ context.Context, _ model.ArtistID, onPage client.PageFunc) ([]model.Record, error) {
	if onPage != nil && len(s.records) > 0 {
		onPage(len(s.records), len(s.records))
	}
	return s.records, nil
}

func newDispatcher(t *testing.T, bc service.Broadcaster) *service.Dispatcher {
	t.Helper()
	caches, err := service.NewCaches(config.CacheConfig{
		MaxEntries: 100,
		MaxSize:    1000,
		TTL:        time.Hour,
		AllowStale: true,
	})
	require.NoError(t, err)
	catalog := staticCatalog{records: []model.Record{
		{"track_title": "Road Kill", "isrc": "USX1"},
	}}
	return service.NewDispatcher(caches, catalog, bc, service.DispatcherOptions{})
}

func newGateway(t *testing.T) (*Gateway, *service.Dispatcher, *recorder) {
	t.Helper()
	bc := &recorder{id: "broadcast"}
	d := newDispatcher(t, bc)
	return NewGateway(d, validator.New(), nil), d, bc
}

func envelope(t *testing.T, command string, data any) []byte {
	t.Helper()
	raw, err := model.EncodeEnvelope(command, data)
	require.NoError(t, err)
	return raw
}

func errorCode(t *testing.T, peer *recorder) string {
	t.Helper()
	raw, ok := peer.last(model.CommandError)
	require.True(t, ok, "expected an error reply")
	var msg model.ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Code
}

func registerWorker(t *testing.T, g *Gateway, peer *recorder) string {
	t.Helper()
	g.HandleMessage(context.Background(), peer, envelope(t, model.CommandRegisterWorker, nil))
	raw, ok := peer.last(model.CommandRegisterWorker)
	require.True(t, ok)
	var reply model.RegisterWorkerReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.NotEmpty(t, reply.ID)
	return reply.ID
}
