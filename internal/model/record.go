package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Record is a loosely-typed track entry. Both catalogs carry arbitrary
// fields, and merged output keeps every one of them.
type Record map[string]any

// Field names the matcher relies on
const (
	FieldRecordingID     = "recordingId"
	FieldRecordingTitle  = "recordingTitle"
	FieldTrackTitle      = "track_title"
	FieldSimilarityScore = "similarityScore"
)

// String returns the field as a string, or "" when it is missing or not a string.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// IdentityKey returns the key under which the record is deduplicated. The
// key carries the value's JSON type, so 5 and "5" stay distinct, and every
// record missing the field shares one key.
func (r Record) IdentityKey(field string) string {
	v, ok := r[field]
	if !ok {
		return "absent"
	}
	switch id := v.(type) {
	case nil:
		return "null"
	case float64:
		return "number:" + strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return "number:" + id.String()
	case string:
		return "string:" + id
	default:
		return fmt.Sprintf("%T:%v", id, id)
	}
}

// ErrEmptyWorkerPayload is returned for a missing or null worker payload.
var ErrEmptyWorkerPayload = errors.New("worker payload is empty")

// WorkerPayload is the part of a worker result the matcher consumes. Every
// other field of the payload is kept verbatim as the job's worker output.
type WorkerPayload struct {
	UnlinkedTracks []Record `json:"unlinkedTracks"`
}

// DecodeWorkerPayload extracts the unlinked tracks from a raw worker payload.
func DecodeWorkerPayload(raw json.RawMessage) (*WorkerPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyWorkerPayload
	}
	var payload WorkerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode worker payload: %w", err)
	}
	return &payload, nil
}
