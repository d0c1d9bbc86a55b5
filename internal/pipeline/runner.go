package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/vaibh/video-transcription/internal/jobs"
	"github.com/vaibh/video-transcription/internal/media"
	"github.com/vaibh/video-transcription/internal/storage"
	"github.com/vaibh/video-transcription/internal/transcription"
	"github.com/vaibh/video-transcription/internal/types"
)

// Runner drives one job at a time from QUEUED to a terminal state:
// extraction, then transcription, publishing every record change to the
// job's broadcaster. Each job gets its own goroutine; the submitting
// request never waits on a pipeline stage.
type Runner struct {
	registry    *jobs.Registry
	hub         *jobs.Hub
	extractor   media.Extractor
	transcriber transcription.Transcriber
	store       *storage.LocalStorage
	drive       *storage.DriveClient
	db          *storage.MetadataDB

	transcribeTimeout time.Duration

	mu      sync.Mutex
	started map[string]struct{}
}

// NewRunner wires the pipeline. drive and db may be nil; transcripts
// are then only kept locally and in the registry.
func NewRunner(
	registry *jobs.Registry,
	hub *jobs.Hub,
	extractor media.Extractor,
	transcriber transcription.Transcriber,
	store *storage.LocalStorage,
	drive *storage.DriveClient,
	db *storage.MetadataDB,
	transcribeTimeout time.Duration,
) *Runner {
	if transcribeTimeout <= 0 {
		transcribeTimeout = 30 * time.Minute
	}
	return &Runner{
		registry:          registry,
		hub:               hub,
		extractor:         extractor,
		transcriber:       transcriber,
		store:             store,
		drive:             drive,
		db:                db,
		transcribeTimeout: transcribeTimeout,
		started:           make(map[string]struct{}),
	}
}

// Start schedules the pipeline for a freshly created job and returns
// immediately. A job id is ever driven at most once.
func (r *Runner) Start(job jobs.Job) error {
	r.mu.Lock()
	if _, dup := r.started[job.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("job %s already scheduled", job.ID)
	}
	r.started[job.ID] = struct{}{}
	r.mu.Unlock()

	go r.run(job)
	return nil
}

func (r *Runner) run(job jobs.Job) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("PANIC processing job %s: %v\n%s", job.ID, p, debug.Stack())
			r.fail(job.ID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	audioPath := r.extract(job)
	if audioPath == "" {
		r.cleanupTempFile(job.VideoPath)
		return
	}
	r.transcribe(job, audioPath)
	r.cleanupTempFile(job.VideoPath)
	r.cleanupTempFile(audioPath)
}

// extract runs the extraction stage and returns the audio path, or ""
// after failing the job.
func (r *Runner) extract(job jobs.Job) string {
	r.transition(job.ID, types.StateExtracting)

	audioPath, err := r.extractor.Extract(context.Background(), job.VideoPath)
	if err != nil {
		log.Printf("Job %s: extraction failed: %v", job.ID, err)
		r.fail(job.ID, reasonOf(err))
		return ""
	}
	return audioPath
}

// transcribe consumes the adapter's progress sequence until it ends in
// final text or failure, bounded by the configured timeout.
func (r *Runner) transcribe(job jobs.Job, audioPath string) {
	r.transition(job.ID, types.StateTranscribing)

	ctx, cancel := context.WithTimeout(context.Background(), r.transcribeTimeout)
	defer cancel()

	updates, err := r.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		log.Printf("Job %s: transcription failed to start: %v", job.ID, err)
		r.fail(job.ID, reasonOf(err))
		return
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				r.fail(job.ID, "transcription ended without a result")
				return
			}
			if update.Err != nil {
				log.Printf("Job %s: transcription failed: %v", job.ID, update.Err)
				r.fail(job.ID, reasonOf(update.Err))
				return
			}
			if update.Final {
				r.finish(job, update.Text)
				return
			}
			rec, changed, err := r.registry.SetProgress(job.ID, update.Progress)
			if err != nil {
				log.Printf("Job %s: progress update rejected: %v", job.ID, err)
				continue
			}
			if changed {
				r.publish(rec)
			}
		case <-ctx.Done():
			log.Printf("Job %s: transcription timed out after %s", job.ID, r.transcribeTimeout)
			r.fail(job.ID, "transcription timed out")
			return
		}
	}
}

// finish persists the transcript and moves the job to COMPLETED.
func (r *Runner) finish(job jobs.Job, text string) {
	localPath, err := r.store.SaveTranscript(job.Name, text)
	if err != nil {
		log.Printf("Job %s: local save failed: %v", job.ID, err)
		r.fail(job.ID, fmt.Sprintf("failed to save transcript: %v", err))
		return
	}

	var driveURL string
	if r.drive != nil {
		for attempt := 1; attempt <= 3; attempt++ {
			driveURL, err = r.drive.Upload(job.ID, job.Name, text)
			if err == nil {
				break
			}
			log.Printf("Job %s: Google Drive upload attempt %d/3 failed: %v", job.ID, attempt, err)
			if attempt < 3 {
				time.Sleep(time.Duration(attempt*attempt) * time.Second)
			}
		}
		if err != nil {
			log.Printf("Job %s: WARNING - Google Drive upload failed, transcript kept locally only", job.ID)
		}
	}

	rec, err := r.registry.Complete(job.ID, text)
	if err != nil {
		log.Printf("Job %s: completion rejected: %v", job.ID, err)
		return
	}
	r.publish(rec)
	r.record(rec, localPath, driveURL)
	log.Printf("Job %s completed (%d words, local: %s)", job.ID, len(strings.Fields(text)), localPath)
}

// fail moves the job to FAILED with a human-readable reason and emits
// the terminal event. A job already terminal is left untouched.
func (r *Runner) fail(id, reason string) {
	rec, err := r.registry.Fail(id, reason)
	if err != nil {
		log.Printf("Job %s: cannot mark failed: %v", id, err)
		return
	}
	r.publish(rec)
	r.record(rec, "", "")
}

func (r *Runner) transition(id string, state types.JobState) {
	rec, err := r.registry.Transition(id, state)
	if err != nil {
		// Transition errors here mean a broken runner, not bad input.
		panic(err)
	}
	r.publish(rec)
}

func (r *Runner) publish(rec jobs.Job) {
	if err := r.hub.Publish(rec.Event()); err != nil {
		log.Printf("Job %s: publish rejected: %v", rec.ID, err)
	}
}

// record writes the terminal job to the metadata database.
func (r *Runner) record(rec jobs.Job, transcriptPath, driveURL string) {
	if r.db == nil {
		return
	}
	err := r.db.SaveJob(rec.ID, rec.Name, string(rec.State), rec.Error,
		transcriptPath, driveURL, len(strings.Fields(rec.Result)), rec.CreatedAt)
	if err != nil {
		log.Printf("Job %s: database save failed: %v", rec.ID, err)
	}
}

func (r *Runner) cleanupTempFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to cleanup temp file %s: %v", path, err)
	}
}

// reasonOf extracts the adapter's human-readable reason when available.
func reasonOf(err error) string {
	var xerr *media.ExtractionError
	if errors.As(err, &xerr) {
		return xerr.Reason
	}
	var terr *transcription.TranscriptionError
	if errors.As(err, &terr) {
		return terr.Reason
	}
	return err.Error()
}
