package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage writes finished transcripts to the local filesystem
// under dated directories, e.g. transcripts/2026/08/29/.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a local storage handler rooted at outputDir.
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
	}
}

// SaveTranscript writes the transcript text to disk and returns its path.
func (ls *LocalStorage) SaveTranscript(name, text string) (string, error) {
	now := time.Now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %v", err)
	}

	// 20260829_143022_team_meeting.txt
	filename := fmt.Sprintf("%s_%s.txt", now.Format("20060102_150405"), sanitizeFilename(name))
	txtPath := filepath.Join(dateDir, filename)

	if err := os.WriteFile(txtPath, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %v", err)
	}

	return txtPath, nil
}

// sanitizeFilename strips path separators and other characters that are
// unsafe in a filename, and caps the length.
func sanitizeFilename(name string) string {
	result := filepath.Base(name)
	for _, c := range []string{":", "*", "?", "\"", "<", ">", "|"} {
		result = strings.ReplaceAll(result, c, "_")
	}
	result = strings.TrimSpace(result)
	if result == "" || result == "." {
		result = "untitled"
	}
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
