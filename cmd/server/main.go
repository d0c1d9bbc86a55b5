package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vaibh/video-transcription/internal/cleanup"
	"github.com/vaibh/video-transcription/internal/handlers"
	"github.com/vaibh/video-transcription/internal/jobs"
	"github.com/vaibh/video-transcription/internal/media"
	"github.com/vaibh/video-transcription/internal/pipeline"
	"github.com/vaibh/video-transcription/internal/storage"
	"github.com/vaibh/video-transcription/internal/transcription"
	"github.com/vaibh/video-transcription/internal/types"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	AssemblyAI struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		TimeoutMinutes      int `yaml:"timeout_minutes"`
	} `yaml:"assemblyai"`

	Storage struct {
		UploadDir     string `yaml:"upload_dir"`
		AudioDir      string `yaml:"audio_dir"`
		TranscriptDir string `yaml:"transcript_dir"`
		Database      string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

func main() {
	// .env is optional; the environment may carry the key directly
	_ = godotenv.Load()

	config, err := loadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	apiKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if apiKey == "" {
		log.Fatal("ASSEMBLYAI_API_KEY not set in environment")
	}

	// Ensure working directories exist
	for _, dir := range []string{config.Storage.UploadDir, config.Storage.AudioDir, config.Storage.TranscriptDir} {
		if err := cleanup.EnsureDirExists(dir); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// Custom logger setup
	logBuffer := &LogBuffer{
		lines: make([]string, 0, 1000),
	}
	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	log.SetOutput(multiWriter)

	log.Println("Initializing components...")

	// Pipeline adapters
	extractor := media.NewFFmpegExtractor(config.Storage.AudioDir)
	transcriber := transcription.NewAssemblyAI(apiKey,
		time.Duration(config.AssemblyAI.PollIntervalSeconds)*time.Second)

	// Local transcript storage
	localStorage := storage.NewLocalStorage(config.Storage.TranscriptDir)

	// Google Drive client (optional - may fail if credentials not set up)
	var driveClient *storage.DriveClient
	if _, err := os.Stat(config.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err = storage.NewDriveClient(
			config.GoogleDrive.CredentialsFile,
			config.GoogleDrive.TokenFile,
			config.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			log.Println("Transcripts will only be saved locally")
			driveClient = nil
		} else {
			log.Println("Google Drive integration enabled")
		}
	} else {
		log.Println("Google Drive credentials not found - saving locally only")
	}

	// Database
	db, err := storage.NewMetadataDB(config.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Job lifecycle core
	registry := jobs.NewRegistry()
	hub := jobs.NewHub()
	runner := pipeline.NewRunner(registry, hub, extractor, transcriber,
		localStorage, driveClient, db,
		time.Duration(config.AssemblyAI.TimeoutMinutes)*time.Minute)

	// Cleanup scheduler
	cleanupScheduler := cleanup.NewScheduler(
		[]string{config.Storage.UploadDir, config.Storage.AudioDir},
		time.Duration(config.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(config.Cleanup.MaxAgeHours)*time.Hour,
	)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: config.Limits.MaxFileSizeMB * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	// Initialize handlers
	uploadHandler := handlers.NewUploadHandler(registry, runner,
		config.Storage.UploadDir, config.Limits.MaxFileSizeMB)
	streamHandler := handlers.NewStreamHandler(registry, hub)

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	app.Post("/jobs", uploadHandler.Handle)

	// List all jobs, oldest first
	app.Get("/jobs", func(c *fiber.Ctx) error {
		return c.JSON(registry.List())
	})

	// WebSocket progress stream
	app.Get("/jobs/:id/stream", streamHandler.Precheck, websocket.New(streamHandler.Handle))

	// Get transcript text of a completed job
	app.Get("/jobs/:id/text", func(c *fiber.Ctx) error {
		job, err := registry.Get(c.Params("id"))
		if err != nil {
			return c.Status(404).JSON(fiber.Map{"error": "Job not found"})
		}
		if job.State != types.StateCompleted {
			return c.Status(409).JSON(fiber.Map{
				"error": fmt.Sprintf("Job is %s, transcript not available", job.State),
			})
		}
		return c.SendString(job.Result)
	})

	// Terminal jobs recorded across restarts
	app.Get("/history", func(c *fiber.Ctx) error {
		records, err := db.ListJobs(50)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(records)
	})

	app.Get("/history/:id", func(c *fiber.Ctx) error {
		record, err := db.GetJob(c.Params("id"))
		if err != nil {
			if errors.Is(err, storage.ErrRecordNotFound) {
				return c.Status(404).JSON(fiber.Map{"error": "Job not found"})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(record)
	})

	// Get server logs
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   POST /jobs            - Upload video for transcription")
	log.Println("   GET  /jobs            - List all jobs")
	log.Println("   GET  /jobs/:id/stream - WebSocket progress stream")
	log.Println("   GET  /jobs/:id/text   - Get transcript text")
	log.Println("   GET  /history         - Finished jobs across restarts")
	log.Println("   GET  /history/:id     - One finished job")
	log.Println("   GET  /logs            - View server logs")
	log.Println("   GET  /health          - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// loadConfig loads configuration from YAML file
func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
