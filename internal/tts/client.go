package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is where a local VOICEVOX engine listens
	DefaultBaseURL = "http://localhost:50021"

	// DefaultTimeout bounds every engine request
	DefaultTimeout = 30 * time.Second

	// DefaultSplitThreshold is the rune count at which text is segmented
	DefaultSplitThreshold = 100

	previewWidth = 40
)

// Config holds configuration for the synthesis client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 means unlimited
	SplitThreshold    int     // Rune count at which text is segmented (0 never splits)
	TempDir           string  // Scratch directory for rendered audio
	FFmpeg            string  // ffmpeg binary used for concatenation
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeout:        DefaultTimeout,
		SplitThreshold: DefaultSplitThreshold,
		TempDir:        "temp",
		FFmpeg:         "ffmpeg",
	}
}

// Artifact is the outcome of a synthesis request.
type Artifact struct {
	Path     string // Rendered WAV file inside the scratch directory
	Segments int    // Number of segments the text was split into
	Skipped  int    // Segments that failed and were left out
	Fallback bool   // Concatenation failed and Path holds only the first segment
	Err      error  // First segment or concatenation error behind a partial artifact
}

// Complete reports whether the artifact holds all of the requested text.
func (a *Artifact) Complete() bool {
	return a.Skipped == 0 && !a.Fallback
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithConcatenator replaces the ffmpeg concatenator.
func WithConcatenator(cc Concatenator) Option {
	return func(c *Client) { c.concat = cc }
}

// Client talks to a VOICEVOX compatible engine.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	concat  Concatenator
	config  Config
	logger  *log.Logger
}

// New creates a synthesis client.
func New(config Config, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.TempDir == "" {
		config.TempDir = "temp"
	}

	c := &Client{
		base:   strings.TrimRight(config.BaseURL, "/"),
		http:   &http.Client{Timeout: config.Timeout},
		concat: FFmpeg{Binary: config.FFmpeg, TempDir: config.TempDir},
		config: config,
		logger: logger.WithPrefix("tts"),
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the engine address the client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// AudioQuery builds the synthesis query for text. The query is returned
// untouched so it can be posted back as is.
func (c *Client) AudioQuery(ctx context.Context, text string, voice int) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", strconv.Itoa(voice))

	data, err := c.do(ctx, "audio_query", http.MethodPost, "/audio_query", params, nil, "application/json")
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, &SynthesisError{Kind: ErrEngineRejected, Op: "audio_query", Err: errors.New("response is not JSON")}
	}
	return json.RawMessage(data), nil
}

// Synthesis renders a query into WAV bytes.
func (c *Client) Synthesis(ctx context.Context, query json.RawMessage, voice int) ([]byte, error) {
	params := url.Values{}
	params.Set("speaker", strconv.Itoa(voice))
	return c.do(ctx, "synthesis", http.MethodPost, "/synthesis", params, query, "audio/wav")
}

// Speakers lists the characters the engine offers.
func (c *Client) Speakers(ctx context.Context) ([]Speaker, error) {
	data, err := c.do(ctx, "speakers", http.MethodGet, "/speakers", nil, nil, "application/json")
	if err != nil {
		return nil, err
	}
	var speakers []Speaker
	if err := json.Unmarshal(data, &speakers); err != nil {
		return nil, &SynthesisError{Kind: ErrEngineRejected, Op: "speakers", Err: err}
	}
	return speakers, nil
}

// Voices lists every speaker style, ordered by ID.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	speakers, err := c.Speakers(ctx)
	if err != nil {
		return nil, err
	}
	return Flatten(speakers), nil
}

// Version returns the engine version. It doubles as a readiness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	data, err := c.do(ctx, "version", http.MethodGet, "/version", nil, nil, "application/json")
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return strings.TrimSpace(string(data)), nil
	}
	return v, nil
}

// Synthesize renders text into a WAV file in the scratch directory. Text at
// or above the split threshold is synthesized clause by clause and joined.
// Failed clauses are skipped; the request only fails when none succeed. When
// joining fails the first clause is returned on its own.
func (c *Client) Synthesize(ctx context.Context, text string, voice int) (*Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Kind: ErrEmptyText, Op: "synthesize"}
	}
	if err := os.MkdirAll(c.config.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	if !needsSplit(text, c.config.SplitThreshold) {
		path, err := c.renderSegment(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		return &Artifact{Path: path, Segments: 1}, nil
	}

	segments := SplitSegments(text)
	if len(segments) == 0 {
		return nil, &SynthesisError{Kind: ErrEmptyText, Op: "synthesize"}
	}

	logger := c.logger.With("voice", voice, "segments", len(segments))
	logger.Debug("Synthesizing in segments", "text", preview(text))

	art := &Artifact{Segments: len(segments)}
	var paths []string
	for i, seg := range segments {
		if ctx.Err() != nil {
			removeAll(paths)
			return nil, unreachable("synthesis", ctx.Err())
		}

		path, err := c.renderSegment(ctx, seg, voice)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				removeAll(paths)
				return nil, err
			}
			logger.Warn("Segment failed, skipping", "index", i, "text", preview(seg), "err", err)
			art.Skipped++
			if art.Err == nil {
				art.Err = err
			}
			continue
		}
		paths = append(paths, path)
	}

	switch len(paths) {
	case 0:
		return nil, art.Err
	case 1:
		art.Path = paths[0]
		return art, nil
	}

	output := filepath.Join(c.config.TempDir, "combined_"+shortID()+".wav")
	if err := c.concat.Concat(ctx, paths, output); err != nil {
		logger.Warn("Concatenation failed, using first segment", "err", err)
		os.Remove(output) //nolint:errcheck
		removeAll(paths[1:])
		art.Path = paths[0]
		art.Fallback = true
		if art.Err == nil {
			art.Err = err
		}
		return art, nil
	}

	removeAll(paths)
	art.Path = output
	return art, nil
}

// renderSegment runs both engine steps for one piece of text and writes the
// audio to a scratch file.
func (c *Client) renderSegment(ctx context.Context, text string, voice int) (string, error) {
	query, err := c.AudioQuery(ctx, text, voice)
	if err != nil {
		return "", err
	}
	audio, err := c.Synthesis(ctx, query, voice)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(text))
	name := fmt.Sprintf("%s_%d_%s.wav", hex.EncodeToString(sum[:])[:8], voice, shortID())
	path := filepath.Join(c.config.TempDir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("failed to write segment: %w", err)
	}

	c.logger.Debug("Rendered segment",
		"voice", voice,
		"size", humanize.Bytes(uint64(len(audio))),
		"text", preview(text))
	return path, nil
}

// do performs one engine request. Transport failures map to
// ErrEngineUnreachable, non-2xx answers to ErrEngineRejected and empty bodies
// to ErrEmptyResponse.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body []byte, accept string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, unreachable(op, err)
		}
	}

	endpoint := c.base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, unreachable(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unreachable(op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unreachable(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SynthesisError{
			Kind:   ErrEngineRejected,
			Op:     op,
			Status: resp.StatusCode,
			Body:   truncate.StringWithTail(strings.TrimSpace(string(data)), excerptWidth, "…"),
		}
	}
	if len(data) == 0 {
		return nil, &SynthesisError{Kind: ErrEmptyResponse, Op: op}
	}
	return data, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p) //nolint:errcheck
	}
}

func preview(text string) string {
	return truncate.StringWithTail(text, previewWidth, "…")
}
