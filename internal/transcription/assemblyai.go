package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultBaseURL = "https://api.assemblyai.com"

// AssemblyAI transcribes audio through the AssemblyAI REST API: upload
// the file, submit a transcript job, then poll until it settles.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewAssemblyAI creates a client using the given API key.
func NewAssemblyAI(apiKey string, pollInterval time.Duration) *AssemblyAI {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: pollInterval,
	}
}

// transcriptResponse matches the fields we use of the vendor's
// transcript resource.
type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Transcribe starts the vendor round trip and returns the progress
// sequence. The sequence ends with the final text, a vendor error, or
// a timeout error once ctx expires.
func (a *AssemblyAI) Transcribe(ctx context.Context, audioPath string) (<-chan Update, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, &TranscriptionError{
			Reason: fmt.Sprintf("cannot read audio file: %s", audioPath),
			Err:    err,
		}
	}

	updates := make(chan Update, 1)
	go a.run(ctx, audio, updates)
	return updates, nil
}

func (a *AssemblyAI) run(ctx context.Context, audio []byte, updates chan<- Update) {
	defer close(updates)

	uploadURL, err := a.upload(ctx, audio)
	if err != nil {
		deliver(ctx, updates, Update{Err: asTranscriptionError(err, "audio upload failed")})
		return
	}

	id, err := a.submit(ctx, uploadURL)
	if err != nil {
		deliver(ctx, updates, Update{Err: asTranscriptionError(err, "transcript submission failed")})
		return
	}

	for {
		tr, err := a.fetch(ctx, id)
		if err != nil {
			deliver(ctx, updates, Update{Err: asTranscriptionError(err, "transcript poll failed")})
			return
		}

		switch tr.Status {
		case "completed":
			deliver(ctx, updates, Update{Progress: 100, Text: tr.Text, Final: true})
			return
		case "error":
			deliver(ctx, updates, Update{Err: &TranscriptionError{Reason: tr.Error}})
			return
		default:
			if !deliver(ctx, updates, Update{Progress: statusProgress(tr.Status)}) {
				deliver(ctx, updates, Update{Err: asTranscriptionError(ctx.Err(), "transcription timed out")})
				return
			}
		}

		select {
		case <-ctx.Done():
			deliver(ctx, updates, Update{Err: asTranscriptionError(ctx.Err(), "transcription timed out")})
			return
		case <-time.After(a.pollInterval):
		}
	}
}

// deliver hands an update to the consumer, giving up once ctx expires
// so an abandoned stream never parks this goroutine. After expiry one
// non-blocking attempt is still made, which reaches a consumer that is
// already waiting on the channel.
func deliver(ctx context.Context, updates chan<- Update, u Update) bool {
	select {
	case updates <- u:
		return true
	case <-ctx.Done():
	}
	select {
	case updates <- u:
	default:
	}
	return false
}

// statusProgress maps the vendor's coarse lifecycle statuses onto the
// 0-100 scale. The registry keeps the value monotonic per stage.
func statusProgress(status string) int {
	switch status {
	case "queued":
		return 10
	case "processing":
		return 50
	default:
		return 0
	}
}

func (a *AssemblyAI) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/upload", bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := a.do(req, &out); err != nil {
		return "", err
	}
	return out.UploadURL, nil
}

func (a *AssemblyAI) submit(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var out transcriptResponse
	if err := a.do(req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *AssemblyAI) fetch(ctx context.Context, id string) (*transcriptResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/transcript/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", a.apiKey)

	var out transcriptResponse
	if err := a.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AssemblyAI) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &TranscriptionError{Reason: "authentication failed, check ASSEMBLYAI_API_KEY"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// asTranscriptionError keeps existing TranscriptionErrors and wraps
// anything else with the given reason.
func asTranscriptionError(err error, reason string) error {
	var terr *TranscriptionError
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "transcription timed out"
	}
	return &TranscriptionError{
		Reason: fmt.Sprintf("%s: %v", reason, err),
		Err:    err,
	}
}
