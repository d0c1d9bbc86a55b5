package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"time"
)

// Scheduler periodically removes stale files from the working
// directories (uploaded videos and extracted audio the pipeline left
// behind after a crash or an unclean shutdown).
type Scheduler struct {
	dirs     []string
	interval time.Duration
	maxAge   time.Duration
	stopChan chan struct{}
}

// NewScheduler creates a cleanup scheduler over the given directories.
func NewScheduler(dirs []string, interval, maxAge time.Duration) *Scheduler {
	return &Scheduler{
		dirs:     dirs,
		interval: interval,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start runs one sweep immediately, then sweeps on the interval until
// Stop is called.
func (s *Scheduler) Start() {
	log.Println("Running initial temp file cleanup...")
	s.sweep()

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Cleanup scheduler started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop stops the cleanup scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	log.Println("Cleanup scheduler stopped")
}

// sweep removes files older than maxAge from all watched directories.
func (s *Scheduler) sweep() {
	now := time.Now()

	var deletedCount int
	var deletedSize int64

	for _, dir := range s.dirs {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}

			if age := now.Sub(info.ModTime()); age > s.maxAge {
				size := info.Size()
				if err := os.Remove(path); err != nil {
					log.Printf("Failed to delete old file %s: %v", path, err)
				} else {
					deletedCount++
					deletedSize += size
					log.Printf("Deleted stale file: %s (age: %s)", filepath.Base(path), age.Round(time.Hour))
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("Error during cleanup of %s: %v", dir, err)
		}
	}

	if deletedCount > 0 {
		log.Printf("Cleanup complete: %d files deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
}

// EnsureDirExists creates a working directory if it doesn't exist.
func EnsureDirExists(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	log.Printf("Directory ready: %s", dir)
	return nil
}
