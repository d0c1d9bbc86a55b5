package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibh/video-transcription/internal/jobs"
	"github.com/vaibh/video-transcription/internal/pipeline"
	"github.com/vaibh/video-transcription/internal/storage"
	"github.com/vaibh/video-transcription/internal/transcription"
	"github.com/vaibh/video-transcription/internal/types"
)

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, videoPath string) (string, error) {
	return "audios/stub.mp3", nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, audioPath string) (<-chan transcription.Update, error) {
	ch := make(chan transcription.Update, 1)
	ch <- transcription.Update{Progress: 100, Text: "stub transcript", Final: true}
	close(ch)
	return ch, nil
}

type testServer struct {
	app      *fiber.App
	registry *jobs.Registry
	hub      *jobs.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := jobs.NewRegistry()
	hub := jobs.NewHub()
	runner := pipeline.NewRunner(registry, hub, stubExtractor{}, stubTranscriber{},
		storage.NewLocalStorage(t.TempDir()), nil, nil, time.Second)

	app := fiber.New()
	uploadHandler := NewUploadHandler(registry, runner, t.TempDir(), 10)
	streamHandler := NewStreamHandler(registry, hub)

	app.Post("/jobs", uploadHandler.Handle)
	app.Get("/jobs", func(c *fiber.Ctx) error {
		return c.JSON(registry.List())
	})
	app.Get("/jobs/:id/stream", streamHandler.Precheck, websocket.New(streamHandler.Handle))

	return &testServer{app: app, registry: registry, hub: hub}
}

func videoUpload(t *testing.T, filename, name string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake video bytes"))
	require.NoError(t, err)
	if name != "" {
		require.NoError(t, w.WriteField("name", name))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

// TestUploadSubmitsJob returns the job id immediately and schedules
// the pipeline.
func TestUploadSubmitsJob(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := videoUpload(t, "meeting.mp4", "weekly sync")
	req := httptest.NewRequest("POST", "/jobs", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := ts.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["job_id"])

	rec, err := ts.registry.Get(out["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "weekly sync", rec.Name)

	// Wait for the scheduled pipeline to settle before teardown.
	sub := ts.hub.Subscribe(out["job_id"])
	defer sub.Close()
	var last types.ProgressEvent
	for ev := range sub.Events() {
		last = ev
	}
	assert.Equal(t, types.StateCompleted, last.State)
	assert.Equal(t, "stub transcript", last.Result)
}

// TestUploadRejectsMissingFile
func TestUploadRejectsMissingFile(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/jobs", nil)
	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Empty(t, ts.registry.List())
}

// TestUploadRejectsNonVideo creates no job record for an invalid upload.
func TestUploadRejectsNonVideo(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := videoUpload(t, "song.mp3", "")
	req := httptest.NewRequest("POST", "/jobs", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	payload, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(payload), "ERR_INVALID_FORMAT")
	assert.Empty(t, ts.registry.List())
}

// TestListJobsOrdered serves records oldest first.
func TestListJobsOrdered(t *testing.T) {
	ts := newTestServer(t)
	a, err := ts.registry.Create("a", "uploads/a.mp4")
	require.NoError(t, err)
	b, err := ts.registry.Create("b", "uploads/b.mp4")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/jobs", nil)
	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0]["id"])
	assert.Equal(t, b.ID, list[1]["id"])
	assert.Equal(t, string(types.StateQueued), list[0]["state"])
}

// TestStreamUnknownJob rejects before any upgrade or broadcaster work.
func TestStreamUnknownJob(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/jobs/no-such-job/stream", nil)
	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)

	payload, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(payload), "ERR_JOB_NOT_FOUND")
}

// TestStreamKnownJobNeedsUpgrade insists on a WebSocket handshake.
func TestStreamKnownJobNeedsUpgrade(t *testing.T) {
	ts := newTestServer(t)
	job, err := ts.registry.Create("a", "uploads/a.mp4")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/jobs/"+job.ID+"/stream", nil)
	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
