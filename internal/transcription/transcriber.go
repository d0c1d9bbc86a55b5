package transcription

import (
	"context"
	"fmt"
)

// TranscriptionError reports a vendor-side failure, authentication
// failure, or timeout while transcribing an audio file.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcribe audio: %s", e.Reason)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// Update is one item of a transcription's progress sequence. Exactly
// one of the terminal forms ends the sequence: Final with the full
// transcript text, or Err.
type Update struct {
	Progress int
	Text     string
	Final    bool
	Err      error
}

// Transcriber turns an audio file into a lazy sequence of progress
// updates terminating in final text or failure. The returned channel
// is closed after the terminal update. Implementations must honor ctx
// cancellation by ending the sequence with a TranscriptionError.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (<-chan Update, error)
}
