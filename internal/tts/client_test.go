package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

// fakeEngine mimics the VOICEVOX endpoints the client uses. Text containing
// "FAIL" is rejected at the query step.
type fakeEngine struct {
	mu      sync.Mutex
	queries []string
	accepts []string
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		text := r.URL.Query().Get("text")
		f.mu.Lock()
		f.queries = append(f.queries, text)
		f.mu.Unlock()
		if strings.Contains(text, "FAIL") {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"text":    text,
			"speaker": r.URL.Query().Get("speaker"),
		})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.accepts = append(f.accepts, r.Header.Get("Accept"))
		f.mu.Unlock()
		var q struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if q.Text == "EMPTY" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		io.WriteString(w, "RIFF"+q.Text) //nolint:errcheck
	})
	mux.HandleFunc("/speakers", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"name":"四国めたん","speaker_uuid":"a","styles":[{"id":2,"name":"ノーマル"},{"id":0,"name":"あまあま"}]},
			{"name":"ずんだもん","speaker_uuid":"b","styles":[{"id":1,"name":"あまあま"}]}
		]`) //nolint:errcheck
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `"0.14.7"`) //nolint:errcheck
	})
	return mux
}

// joinConcat writes the segments back to back.
type joinConcat struct {
	calls [][]string
	err   error
}

func (j *joinConcat) Concat(_ context.Context, segments []string, output string) error {
	j.calls = append(j.calls, append([]string(nil), segments...))
	if j.err != nil {
		return j.err
	}
	var all []byte
	for _, s := range segments {
		data, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		all = append(all, data...)
	}
	return os.WriteFile(output, all, 0o644)
}

func newTestClient(t *testing.T, threshold int, cc Concatenator) (*Client, *fakeEngine, string) {
	t.Helper()
	engine := &fakeEngine{}
	srv := httptest.NewServer(engine.handler())
	t.Cleanup(srv.Close)

	tempDir := t.TempDir()
	opts := []Option{}
	if cc != nil {
		opts = append(opts, WithConcatenator(cc))
	}
	c := New(Config{
		BaseURL:        srv.URL,
		Timeout:        5 * time.Second,
		SplitThreshold: threshold,
		TempDir:        tempDir,
	}, nil, opts...)
	return c, engine, tempDir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSynthesize_Short(t *testing.T) {
	c, engine, tempDir := newTestClient(t, 100, nil)

	art, err := c.Synthesize(context.Background(), "こんにちは", 1)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !art.Complete() || art.Segments != 1 {
		t.Errorf("Unexpected artifact: %+v", art)
	}
	if filepath.Dir(art.Path) != tempDir {
		t.Errorf("Artifact %s not in temp dir %s", art.Path, tempDir)
	}

	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("Failed to read artifact: %v", err)
	}
	if string(data) != "RIFFこんにちは" {
		t.Errorf("Unexpected audio %q", data)
	}
	if len(engine.accepts) != 1 || engine.accepts[0] != "audio/wav" {
		t.Errorf("Expected Accept audio/wav, got %v", engine.accepts)
	}
}

func TestSynthesize_Segmented(t *testing.T) {
	cc := &joinConcat{}
	c, engine, tempDir := newTestClient(t, 10, cc)

	text := "こんにちは。元気ですか？今日は良い天気です。"
	art, err := c.Synthesize(context.Background(), text, 3)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if art.Segments != 3 || !art.Complete() {
		t.Errorf("Unexpected artifact: %+v", art)
	}
	wantQueries := []string{"こんにちは。", "元気ですか？", "今日は良い天気です。"}
	if strings.Join(engine.queries, "|") != strings.Join(wantQueries, "|") {
		t.Errorf("Segments queried out of order: %v", engine.queries)
	}
	if len(cc.calls) != 1 || len(cc.calls[0]) != 3 {
		t.Fatalf("Expected one concat of 3 segments, got %v", cc.calls)
	}
	if !strings.HasPrefix(filepath.Base(art.Path), "combined_") {
		t.Errorf("Expected combined artifact, got %s", art.Path)
	}

	data, _ := os.ReadFile(art.Path)
	if string(data) != "RIFFこんにちは。RIFF元気ですか？RIFF今日は良い天気です。" {
		t.Errorf("Unexpected combined audio %q", data)
	}

	// Only the combined artifact remains
	if names := listDir(t, tempDir); len(names) != 1 {
		t.Errorf("Expected only the combined file in temp dir, got %v", names)
	}
}

func TestSynthesize_SkipsFailedSegment(t *testing.T) {
	cc := &joinConcat{}
	c, _, _ := newTestClient(t, 5, cc)

	art, err := c.Synthesize(context.Background(), "最初です。FAILします。最後です。", 1)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if art.Skipped != 1 || art.Complete() {
		t.Errorf("Expected one skipped segment, got %+v", art)
	}
	if !errors.Is(art.Err, ErrEngineRejected) {
		t.Errorf("Expected partial error to be a rejection, got %v", art.Err)
	}
	if len(cc.calls) != 1 || len(cc.calls[0]) != 2 {
		t.Errorf("Expected concat of the 2 good segments, got %v", cc.calls)
	}
}

func TestSynthesize_AllSegmentsFail(t *testing.T) {
	c, _, tempDir := newTestClient(t, 5, &joinConcat{})

	_, err := c.Synthesize(context.Background(), "FAIL一。FAIL二。", 1)
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("Expected ErrEngineRejected, got %v", err)
	}
	if code, ok := StatusCode(err); !ok || code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", code)
	}
	if names := listDir(t, tempDir); len(names) != 0 {
		t.Errorf("Expected empty temp dir, got %v", names)
	}
}

func TestSynthesize_ConcatFallback(t *testing.T) {
	cc := &joinConcat{err: &SynthesisError{Kind: ErrConcatenationFailed, Op: "concat"}}
	c, _, tempDir := newTestClient(t, 5, cc)

	art, err := c.Synthesize(context.Background(), "一つ目。二つ目。三つ目。", 1)
	if err != nil {
		t.Fatalf("Concat failure should degrade, got %v", err)
	}
	if !art.Fallback || art.Complete() {
		t.Errorf("Expected fallback artifact, got %+v", art)
	}
	if !errors.Is(art.Err, ErrConcatenationFailed) {
		t.Errorf("Expected concat error recorded, got %v", art.Err)
	}

	data, _ := os.ReadFile(art.Path)
	if string(data) != "RIFF一つ目。" {
		t.Errorf("Expected first segment audio, got %q", data)
	}
	if names := listDir(t, tempDir); len(names) != 1 {
		t.Errorf("Expected only the first segment to remain, got %v", names)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	c, _, _ := newTestClient(t, 100, nil)

	if _, err := c.Synthesize(context.Background(), "   ", 1); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
	if _, err := c.Synthesize(context.Background(), "EMPTY", 1); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
	if _, err := c.Synthesize(context.Background(), "FAIL", 1); !errors.Is(err, ErrEngineRejected) {
		t.Errorf("Expected ErrEngineRejected, got %v", err)
	}
}

func TestSynthesize_RejectedBodyExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("話者が見つかりません", 50), http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, TempDir: t.TempDir()}, nil)
	_, err := c.Synthesize(context.Background(), "こんにちは", 1)

	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *SynthesisError, got %v", err)
	}
	if !utf8.ValidString(serr.Body) {
		t.Errorf("Body is not valid UTF-8: %q", serr.Body)
	}
	if !strings.HasPrefix(serr.Body, "話者が見つかりません") || !strings.HasSuffix(serr.Body, "…") {
		t.Errorf("Body = %q, want the start of the response marked as cut", serr.Body)
	}
}

func TestSynthesize_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Timeout: time.Second, TempDir: t.TempDir()}, nil)
	_, err := c.Synthesize(context.Background(), "こんにちは", 1)
	if !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("Expected ErrEngineUnreachable, got %v", err)
	}
}

func TestSynthesize_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, TempDir: t.TempDir()}, nil)
	_, err := c.Synthesize(context.Background(), "こんにちは", 1)
	if !errors.Is(err, ErrEngineUnreachable) {
		t.Fatalf("Expected timeout to map to ErrEngineUnreachable, got %v", err)
	}
}

func TestVoices(t *testing.T) {
	c, _, _ := newTestClient(t, 100, nil)

	voices, err := c.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices failed: %v", err)
	}
	if len(voices) != 3 {
		t.Fatalf("Expected 3 voices, got %d", len(voices))
	}
	for i, v := range voices {
		if v.ID != i {
			t.Errorf("Voices not ordered by ID: %v", voices)
		}
	}
	if got := voices[1].String(); got != "ずんだもん (あまあま)" {
		t.Errorf("Voice string = %q", got)
	}
	if v, ok := FindVoice(voices, 2); !ok || v.Style != "ノーマル" {
		t.Errorf("FindVoice(2) = %+v, %v", v, ok)
	}
	if _, ok := FindVoice(voices, 99); ok {
		t.Error("FindVoice should miss unknown IDs")
	}
}

func TestVersion(t *testing.T) {
	c, _, _ := newTestClient(t, 100, nil)

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v != "0.14.7" {
		t.Errorf("Version = %q", v)
	}
}
