package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExtractionError reports a failed audio extraction: malformed input,
// unsupported codec, or a non-zero ffmpeg exit.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract audio: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor pulls the audio track out of a video file and returns the
// path of the resulting audio file.
type Extractor interface {
	Extract(ctx context.Context, videoPath string) (string, error)
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner executes commands via os/exec and captures combined output.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegExtractor converts the audio track of a video to MP3 using the
// ffmpeg binary on PATH.
type FFmpegExtractor struct {
	ffmpegPath string
	outputDir  string
	runner     commandRunner
}

// NewFFmpegExtractor creates an extractor writing audio files into outputDir.
func NewFFmpegExtractor(outputDir string) *FFmpegExtractor {
	return &FFmpegExtractor{
		ffmpegPath: "ffmpeg",
		outputDir:  outputDir,
		runner:     execRunner{},
	}
}

// Extract runs ffmpeg over the video and returns the MP3 path. The
// output file is named after the video's base name.
func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath string) (string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", &ExtractionError{
			Reason: fmt.Sprintf("cannot access video file: %s", videoPath),
			Err:    err,
		}
	}

	base := filepath.Base(videoPath)
	audioPath := filepath.Join(e.outputDir, strings.TrimSuffix(base, filepath.Ext(base))+".mp3")

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "mp3",
		audioPath,
	}

	output, err := e.runner.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		return "", &ExtractionError{
			Reason: fmt.Sprintf("ffmpeg failed: %s", tail(output, 400)),
			Err:    err,
		}
	}

	if _, err := os.Stat(audioPath); err != nil {
		return "", &ExtractionError{
			Reason: "ffmpeg completed but audio file is missing",
			Err:    err,
		}
	}

	return audioPath, nil
}

// ValidateVideoFormat checks the upload's extension against the formats
// ffmpeg is expected to demux.
func ValidateVideoFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	supported := []string{".mp4", ".mov", ".mkv", ".avi", ".webm", ".m4v", ".mpeg", ".mpg", ".flv", ".wmv"}

	for _, format := range supported {
		if ext == format {
			return true
		}
	}
	return false
}

// tail returns the last n bytes of command output, trimmed.
func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
