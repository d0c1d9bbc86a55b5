package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/vaibh/video-transcription/internal/jobs"
)

// StreamHandler pushes a job's progress events over a WebSocket, one
// JSON event per message, closing the connection after the terminal
// event.
type StreamHandler struct {
	registry *jobs.Registry
	hub      *jobs.Hub
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *jobs.Registry, hub *jobs.Hub) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		hub:      hub,
	}
}

// Precheck rejects unknown job ids with a plain 404 before the
// connection is upgraded; no broadcaster is touched for them.
func (h *StreamHandler) Precheck(c *fiber.Ctx) error {
	if _, err := h.registry.Get(c.Params("id")); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Job not found",
				"code":  "ERR_JOB_NOT_FOUND",
			})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// Handle streams events to one subscriber. A late joiner immediately
// receives the job's latest event; a subscriber on a finished job gets
// the terminal event and a close frame.
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Params("id")
	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	// Surface client disconnects so the sink is released promptly even
	// while the job is between events.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		if err := c.WriteJSON(ev); err != nil {
			log.Printf("Stream %s: write failed: %v", jobID, err)
			return
		}
	}

	// Terminal event delivered; say goodbye properly.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
		log.Printf("Stream %s: close failed: %v", jobID, err)
	}
}
