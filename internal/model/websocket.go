package model

import (
	"encoding/json"
	"fmt"
)

// Inbound commands
const (
	CommandRegisterWorker    = "registerWorker"
	CommandHealthCheck       = "healthCheck"
	CommandPong              = "pong"
	CommandWorkerStateReport = "workerStateReport"
	CommandProgressReport    = "progressReport"
	CommandProcessArtist     = "processArtist"
	CommandWorkerResult      = "workerResult"
)

// Outbound commands
const (
	CommandPing             = "ping"
	CommandScrapeAssignment = "scrapeAssignment"
	CommandProgress         = "progress"
	CommandArtistResult     = "artistResult"
	CommandJobFailed        = "jobFailed"
	CommandError            = "error"
)

// Error codes carried by error envelopes
const (
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeValidationError = "VALIDATION_ERROR"
	CodeBusy            = "BUSY"
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeServiceError    = "SERVICE_ERROR"
)

// Envelope is the frame every websocket message travels in.
type Envelope struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals a command and its payload into a wire frame.
func EncodeEnvelope(command string, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", command, err)
	}
	return json.Marshal(Envelope{Command: command, Data: raw})
}

// RegisterWorkerReply answers registerWorker with the allocated id.
type RegisterWorkerReply struct {
	ID string `json:"id"`
}

// HealthCheckReply answers healthCheck.
type HealthCheckReply struct {
	Status string `json:"status"`
}

// PongRequest is sent by a worker in answer to ping.
type PongRequest struct {
	ID string `json:"id" validate:"required"`
}

// WorkerStateReportRequest carries a worker's self-reported state.
type WorkerStateReportRequest struct {
	Meta WorkerStateMeta `json:"meta"`
}

type WorkerStateMeta struct {
	UID   string      `json:"uid" validate:"required"`
	State WorkerState `json:"state" validate:"required,oneof=idle onjob scraping done error"`
}

// ProgressReportRequest merges one progress source into an in-flight job.
type ProgressReportRequest struct {
	ArtistID           ArtistID `json:"artistId" validate:"required"`
	PName              string   `json:"pname,omitempty"`
	Key                string   `json:"key" validate:"required"`
	CurrentProgress    int      `json:"currentProgress" validate:"min=0"`
	TotalProgressCount int      `json:"totalProgressCount" validate:"min=0"`
}

// ProcessArtistRequest asks for the reconciliation of one artist.
type ProcessArtistRequest struct {
	ArtistID ArtistID `json:"artistId" validate:"required"`
	PName    string   `json:"pname,omitempty"`
}

// WorkerResultRequest delivers a worker's scraped payload.
type WorkerResultRequest struct {
	ArtistID ArtistID        `json:"artistId" validate:"required"`
	PName    string          `json:"pname,omitempty"`
	Value    json.RawMessage `json:"value" validate:"required"`
}

// ScrapeAssignmentMessage is sent only to the assigned worker.
type ScrapeAssignmentMessage struct {
	ArtistID ArtistID `json:"artistId"`
	PName    string   `json:"pname,omitempty"`
}

// ProgressMessage is broadcast whenever a job's progress map changes.
// ProcessedInfo carries the worker payload once it has arrived.
type ProgressMessage struct {
	ArtistID      ArtistID            `json:"artistId"`
	PName         string              `json:"pname,omitempty"`
	Progress      map[string]Progress `json:"progress"`
	ProcessedInfo json.RawMessage     `json:"processedInfo,omitempty"`
}

// ArtistResultMessage is broadcast once a job has a final result.
type ArtistResultMessage struct {
	ArtistID ArtistID     `json:"artistId"`
	PName    string       `json:"pname,omitempty"`
	Result   *FinalResult `json:"result"`
}

// JobFailedMessage is broadcast when a job reaches its terminal failure state.
type JobFailedMessage struct {
	ArtistID ArtistID `json:"artistId"`
	PName    string   `json:"pname,omitempty"`
	Message  string   `json:"message"`
}

// ErrorMessage is sent to the originating connection only.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
