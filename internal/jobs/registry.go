package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaibh/video-transcription/internal/types"
)

// ErrNotFound is returned when no job exists for the requested id.
var ErrNotFound = errors.New("job not found")

// RegistryError reports a job id collision. Ids are random UUIDs, so this
// occurring means a programming error, not bad input.
type RegistryError struct {
	ID string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: duplicate job id %s", e.ID)
}

// Job is the record for one submitted video. The registry owns every
// record; the pipeline runner is its only writer once scheduled.
type Job struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	VideoPath string         `json:"-"`
	State     types.JobState `json:"state"`
	Progress  int            `json:"progress"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Event builds a progress event from the record's current fields.
func (j Job) Event() types.ProgressEvent {
	ev := types.ProgressEvent{
		JobID:     j.ID,
		State:     j.State,
		Progress:  j.Progress,
		Timestamp: j.UpdatedAt,
		Terminal:  j.State.Terminal(),
	}
	if j.State == types.StateCompleted {
		ev.Result = j.Result
	}
	if j.State == types.StateFailed {
		ev.Error = j.Error
	}
	return ev
}

// Registry stores all job records in memory, keyed by id, and hands out
// value snapshots so readers never observe a half-applied update.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Job
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Job),
	}
}

// Create allocates a new QUEUED job for an uploaded video and returns
// its snapshot. Safe under concurrent calls.
func (r *Registry) Create(name, videoPath string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	if _, exists := r.byID[id]; exists {
		return Job{}, &RegistryError{ID: id}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        id,
		Name:      name,
		VideoPath: videoPath,
		State:     types.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.byID[id] = job
	r.order = append(r.order, id)
	return *job, nil
}

// Get returns a snapshot of one job or ErrNotFound.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs ordered by creation time, ascending.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Transition moves a job into a non-terminal pipeline stage and resets
// its progress. Invalid edges are rejected.
func (r *Registry) Transition(id string, state types.JobState) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if state.Terminal() || !validTransition(job.State, state) {
		return Job{}, fmt.Errorf("invalid transition: %s -> %s", job.State, state)
	}

	job.State = state
	job.Progress = 0
	job.UpdatedAt = time.Now().UTC()
	return *job, nil
}

// SetProgress raises the job's progress within its current stage. Values
// are clamped to [0,100]; a value at or below the current one is ignored
// rather than regressed. The bool reports whether the record changed.
func (r *Registry) SetProgress(id string, progress int) (Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, false, ErrNotFound
	}
	if job.State.Terminal() {
		return Job{}, false, fmt.Errorf("progress update on terminal job %s", id)
	}

	if progress > 100 {
		progress = 100
	}
	if progress <= job.Progress {
		return *job, false, nil
	}

	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	return *job, true, nil
}

// Complete moves a transcribing job to COMPLETED with its transcript.
func (r *Registry) Complete(id, result string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !validTransition(job.State, types.StateCompleted) {
		return Job{}, fmt.Errorf("invalid transition: %s -> %s", job.State, types.StateCompleted)
	}

	job.State = types.StateCompleted
	job.Progress = 100
	job.Result = result
	job.UpdatedAt = time.Now().UTC()
	return *job, nil
}

// Fail moves a non-terminal job to FAILED with a human-readable reason.
func (r *Registry) Fail(id, reason string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.State.Terminal() {
		return Job{}, fmt.Errorf("invalid transition: %s -> %s", job.State, types.StateFailed)
	}

	job.State = types.StateFailed
	job.Error = reason
	job.UpdatedAt = time.Now().UTC()
	return *job, nil
}

// validTransition enforces the allowed job state machine edges.
func validTransition(from, to types.JobState) bool {
	switch from {
	case types.StateQueued:
		return to == types.StateExtracting || to == types.StateFailed
	case types.StateExtracting:
		return to == types.StateTranscribing || to == types.StateFailed
	case types.StateTranscribing:
		return to == types.StateCompleted || to == types.StateFailed
	default:
		return false
	}
}
