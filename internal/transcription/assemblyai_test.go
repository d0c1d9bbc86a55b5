package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vendorStub serves the three AssemblyAI endpoints with a scripted
// sequence of poll statuses.
type vendorStub struct {
	statuses []string // consumed one per poll; last repeats
	text     string
	errMsg   string
	polls    atomic.Int64
}

func (v *vendorStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.test/audio"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.test/audio", body["audio_url"])
		json.NewEncoder(w).Encode(map[string]string{"id": "tr_1", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/tr_1", func(w http.ResponseWriter, r *http.Request) {
		n := int(v.polls.Add(1)) - 1
		if n >= len(v.statuses) {
			n = len(v.statuses) - 1
		}
		status := v.statuses[n]
		resp := map[string]string{"id": "tr_1", "status": status}
		if status == "completed" {
			resp["text"] = v.text
		}
		if status == "error" {
			resp["error"] = v.errMsg
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(path, []byte("mp3"), 0644))
	return path
}

func newTestClient(srv *httptest.Server) *AssemblyAI {
	return &AssemblyAI{
		apiKey:       "test-key",
		baseURL:      srv.URL,
		httpClient:   srv.Client(),
		pollInterval: time.Millisecond,
	}
}

func drain(t *testing.T, updates <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("transcription never settled, got %d updates", len(out))
		}
	}
}

// TestAssemblyAITranscribe polls through the vendor lifecycle to final
// text.
func TestAssemblyAITranscribe(t *testing.T) {
	stub := &vendorStub{
		statuses: []string{"queued", "processing", "processing", "completed"},
		text:     "hello world",
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	updates, err := newTestClient(srv).Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)

	got := drain(t, updates)
	require.NotEmpty(t, got)

	final := got[len(got)-1]
	assert.True(t, final.Final)
	assert.Equal(t, "hello world", final.Text)
	assert.Equal(t, 100, final.Progress)

	// Interim updates mirror the vendor's coarse statuses.
	for _, u := range got[:len(got)-1] {
		assert.NoError(t, u.Err)
		assert.False(t, u.Final)
		assert.Contains(t, []int{10, 50}, u.Progress)
	}
}

// TestAssemblyAIVendorError ends the sequence with the vendor's reason.
func TestAssemblyAIVendorError(t *testing.T) {
	stub := &vendorStub{
		statuses: []string{"processing", "error"},
		errMsg:   "audio file unreadable",
	}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	updates, err := newTestClient(srv).Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)

	got := drain(t, updates)
	final := got[len(got)-1]
	var terr *TranscriptionError
	require.ErrorAs(t, final.Err, &terr)
	assert.Equal(t, "audio file unreadable", terr.Reason)
}

// TestAssemblyAITimeout converts context expiry into a timeout error.
func TestAssemblyAITimeout(t *testing.T) {
	stub := &vendorStub{statuses: []string{"processing"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	client := newTestClient(srv)
	client.pollInterval = 10 * time.Millisecond
	updates, err := client.Transcribe(ctx, writeAudio(t))
	require.NoError(t, err)

	got := drain(t, updates)
	final := got[len(got)-1]
	var terr *TranscriptionError
	require.ErrorAs(t, final.Err, &terr)
	assert.Contains(t, terr.Reason, "timed out")
}

// TestAssemblyAIAbandonedStream verifies the producer goroutine exits
// after ctx expiry even when nobody reads the updates channel, the way
// a consumer that enforces its own deadline leaves it behind.
func TestAssemblyAIAbandonedStream(t *testing.T) {
	stub := &vendorStub{statuses: []string{"processing"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	client := newTestClient(srv)
	client.pollInterval = 5 * time.Millisecond
	_, err := client.Transcribe(ctx, writeAudio(t))
	require.NoError(t, err)

	// Walk away without draining. The producer must not stay parked on
	// a channel send once the deadline passes.
	require.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		return !strings.Contains(string(buf[:n]), "(*AssemblyAI).run")
	}, 2*time.Second, 25*time.Millisecond, "producer goroutine still running after ctx expiry")
}

// TestAssemblyAIAuthFailure reports a credential problem, not a retry
// loop.
func TestAssemblyAIAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "bad key"}`)
	}))
	defer srv.Close()

	updates, err := newTestClient(srv).Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)

	got := drain(t, updates)
	require.Len(t, got, 1)
	var terr *TranscriptionError
	require.ErrorAs(t, got[0].Err, &terr)
	assert.Contains(t, terr.Reason, "authentication failed")
}

// TestAssemblyAIMissingAudio fails fast without contacting the vendor.
func TestAssemblyAIMissingAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("vendor should not be contacted")
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Transcribe(context.Background(), "does/not/exist.mp3")
	var terr *TranscriptionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "cannot read audio file")
}
