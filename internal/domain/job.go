package domain

import (
	"encoding/json"
	"time"
)

// PendingJob is a correction request waiting for a container.
// It is produced by an external caller and consumed once by the starter.
type PendingJob struct {
	WorkID   string   `json:"work_id,omitempty"`
	Image    string   `json:"image"`
	File     string   `json:"file"`
	Callback string   `json:"callback"`
	Params   []string `json:"params,omitempty"`
}

// RunningJob links a launched container to the caller's callback.
type RunningJob struct {
	WorkID      string `json:"work_id,omitempty"`
	ContainerID string `json:"container_id"`
	Callback    string `json:"callback"`
}

// FinishedJob carries the outcome of a correction to the notifier.
// CorrectionData holds the validated response document as the workload wrote
// it, or a JSON string describing the failure when Error is set.
type FinishedJob struct {
	WorkID         string          `json:"work_id,omitempty"`
	Error          bool            `json:"error"`
	CorrectionData json.RawMessage `json:"correction_data"`
	Callback       string          `json:"callback"`
}

// CorrectionResponse is what the workload writes to stdout.
// A success carries a grade and/or comments, a failure carries an error message.
type CorrectionResponse struct {
	Success  bool     `json:"success"`
	Grade    *float64 `json:"grade,omitempty"`
	Comments []string `json:"comments,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewFinishedJob builds a non-error FinishedJob from a validated response
// document. A workload reporting success:false is still a normal outcome here.
func NewFinishedJob(job RunningJob, data json.RawMessage) FinishedJob {
	return FinishedJob{
		WorkID:         job.WorkID,
		CorrectionData: data,
		Callback:       job.Callback,
	}
}

// NewFailedFinishedJob builds an orchestrator-level failure for a container
// whose results could not be obtained.
func NewFailedFinishedJob(job RunningJob, cause error) FinishedJob {
	return NewErrorFinishedJob(job.WorkID, job.Callback, "Error getting container results", cause)
}

// NewErrorFinishedJob builds an error FinishedJob whose correction data is msg,
// followed by the cause when there is one.
func NewErrorFinishedJob(workID, callback, msg string, cause error) FinishedJob {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	data, _ := json.Marshal(msg)
	return FinishedJob{
		WorkID:         workID,
		Error:          true,
		CorrectionData: data,
		Callback:       callback,
	}
}

// ErrorMessage returns the diagnostic text of a failed job, or "" for a normal one.
func (f FinishedJob) ErrorMessage() string {
	if !f.Error {
		return ""
	}
	var msg string
	if err := json.Unmarshal(f.CorrectionData, &msg); err != nil {
		return string(f.CorrectionData)
	}
	return msg
}

// Job status values published on the status channel.
const (
	StatusStarted  = "started"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusNotified = "notified"
)

// StatusEvent reports progress of a single correction.
type StatusEvent struct {
	WorkID      string    `json:"work_id"`
	ContainerID string    `json:"container_id,omitempty"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}
