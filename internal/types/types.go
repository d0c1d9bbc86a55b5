package types

import "time"

// JobState tracks where a job is in the video-to-transcript pipeline.
type JobState string

const (
	StateQueued       JobState = "QUEUED"
	StateExtracting   JobState = "EXTRACTING"
	StateTranscribing JobState = "TRANSCRIBING"
	StateCompleted    JobState = "COMPLETED"
	StateFailed       JobState = "FAILED"
)

// Terminal reports whether no further transitions can follow the state.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ProgressEvent is one immutable progress update for a job. The runner
// creates one on every record change and hands it to the broadcaster;
// it is never mutated after creation.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
	Terminal  bool      `json:"terminal"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}
