package handlers

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/vaibh/video-transcription/internal/jobs"
	"github.com/vaibh/video-transcription/internal/media"
	"github.com/vaibh/video-transcription/internal/pipeline"
)

// UploadHandler accepts video uploads and submits them as jobs.
type UploadHandler struct {
	registry  *jobs.Registry
	runner    *pipeline.Runner
	uploadDir string
	maxSizeMB int
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(registry *jobs.Registry, runner *pipeline.Runner, uploadDir string, maxSizeMB int) *UploadHandler {
	return &UploadHandler{
		registry:  registry,
		runner:    runner,
		uploadDir: uploadDir,
		maxSizeMB: maxSizeMB,
	}
}

// Handle validates the upload, saves it to disk, creates the job record
// and schedules the pipeline. It returns the job id immediately without
// waiting for any pipeline stage.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(400).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !media.ValidateVideoFormat(file.Filename) {
		return c.Status(400).JSON(fiber.Map{
			"error": "Unsupported video format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	name := c.FormValue("name")
	if name == "" {
		base := filepath.Base(file.Filename)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" {
		name = "untitled"
	}

	// Invalid uploads never reach the registry; only a structurally
	// valid file gets a job record.
	tempPath := filepath.Join(h.uploadDir, uuid.New().String()+filepath.Ext(file.Filename))
	if err := c.SaveFile(file, tempPath); err != nil {
		log.Printf("Failed to save uploaded file: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	job, err := h.registry.Create(name, tempPath)
	if err != nil {
		log.Printf("Failed to create job: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to create job",
			"code":  "ERR_CREATE_FAILED",
		})
	}

	if err := h.runner.Start(job); err != nil {
		log.Printf("Failed to schedule job %s: %v", job.ID, err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to schedule job",
			"code":  "ERR_SCHEDULE_FAILED",
		})
	}

	log.Printf("Job %s submitted (name: %s, %d bytes)", job.ID, name, file.Size)

	return c.JSON(fiber.Map{
		"job_id":  job.ID,
		"status":  job.State,
		"message": "Video uploaded successfully, processing started",
	})
}
