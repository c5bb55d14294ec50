package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ArtistID identifies an artist upstream. Clients send it either as a JSON
// string or a JSON number, so both decode to the same value.
type ArtistID string

func (a *ArtistID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ArtistID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("artistId must be a string or a number: %w", err)
	}
	*a = ArtistID(n.String())
	return nil
}

func (a ArtistID) String() string {
	return string(a)
}

// JobKey identifies one orchestration job. Two different PName values for
// the same artist are distinct jobs.
type JobKey struct {
	ArtistID ArtistID `json:"artistId"`
	PName    string   `json:"pname,omitempty"`
}

func (k JobKey) String() string {
	if k.PName == "" {
		return k.ArtistID.String()
	}
	return k.ArtistID.String() + "|" + k.PName
}

// Progress sources written by the server itself
const (
	ProgressSourceUpstream = "upstream-fetch"
	ProgressSourceMatching = "matching"
)

// Progress is one named contributor's progress within a job.
type Progress struct {
	Current int `json:"currentProgress"`
	Total   int `json:"totalProgressCount"`
}

// FinalResult is immutable once written and serves every later request for its key.
type FinalResult struct {
	Key           JobKey          `json:"key"`
	WorkerOutput  json.RawMessage `json:"processedInfo"`
	MergedRecords []Record        `json:"comparisonResult"`
}

// JobState reports where a requested job stands.
type JobState string

const (
	JobStateCompleted  JobState = "completed"
	JobStateInProgress JobState = "in_progress"
	JobStateDispatched JobState = "dispatched"
)

// JobStatus is returned to the caller of a job request.
type JobStatus struct {
	Key      JobKey              `json:"key"`
	State    JobState            `json:"state"`
	WorkerID string              `json:"workerId,omitempty"`
	Progress map[string]Progress `json:"progress,omitempty"`
	Result   *FinalResult        `json:"result,omitempty"`

	WorkerOutput json.RawMessage `json:"processedInfo,omitempty"`
}
