package model

import "time"

// WorkerState is the lifecycle state of a remote scraper.
type WorkerState string

const (
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateOnJob    WorkerState = "onjob"
	WorkerStateScraping WorkerState = "scraping"
	WorkerStateDone     WorkerState = "done"
	WorkerStateError    WorkerState = "error"
	WorkerStateOffline  WorkerState = "offline"
)

// WorkerInfo is a read-only view of a registered worker.
type WorkerInfo struct {
	ID              string      `json:"id"`
	State           WorkerState `json:"state"`
	Job             *JobKey     `json:"job,omitempty"`
	LastHeartbeatAt time.Time   `json:"lastHeartbeatAt"`
}
