package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stupiduntilnot/localchat/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "gemma2:2b"
	DefaultTimeout = 120 * time.Second
	TopP           = 0.9

	// MaxResponseBytes caps how much of a backend response body is read.
	MaxResponseBytes = 8 << 20

	emptyResponse = "(empty model response)"
)

// Client is a minimal Ollama /api/generate client. It performs exactly one
// request per call and never retries.
type Client struct {
	url        string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
	maxBody    int64
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Ollama client for baseURL and model. A zero timeout
// falls back to DefaultTimeout.
func NewClient(baseURL, modelName string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		url:   strings.TrimRight(baseURL, "/") + "/api/generate",
		model: modelName,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  log.Logger,
		maxBody: MaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options options `json:"options"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Generate sends prompt to the backend and converts every outcome into a
// GenerationResult.
func (c *Client) Generate(ctx context.Context, prompt string, temperature float64) model.GenerationResult {
	text, err := c.generate(ctx, prompt, temperature)
	if err != nil {
		c.logger.Warn().Err(err).Str("kind", Kind(err)).Str("model", c.model).Msg("generation failed")
		return model.GenerationResult{Message: UserMessage(err), Err: err}
	}
	return model.GenerationResult{OK: true, Text: text}
}

func (c *Client) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: options{
			Temperature: temperature,
			TopP:        TopP,
		},
	})
	if err != nil {
		return "", &BackendUnavailableError{Err: fmt.Errorf("failed to marshal generate request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", &BackendUnavailableError{Err: fmt.Errorf("failed to create generate request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &BackendUnavailableError{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return "", &BackendUnavailableError{Timeout: isTimeout(err), Err: fmt.Errorf("failed reading generate response: %w", err)}
	}
	oversized := int64(len(body)) > c.maxBody
	if oversized {
		body = body[:c.maxBody]
	}
	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Int("bytes", len(body)).
		Msg("generate response received")

	if resp.StatusCode != http.StatusOK {
		return "", &BackendErrorResponse{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if oversized {
		return "", &MalformedResponseError{
			Body: truncate(string(body), 400),
			Err:  fmt.Errorf("response body exceeds %d bytes", c.maxBody),
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &MalformedResponseError{Body: truncate(string(body), 400), Err: err}
	}
	if parsed.Response == nil {
		return "", &MalformedResponseError{Body: truncate(string(body), 400), Err: errors.New("missing response field")}
	}
	if strings.TrimSpace(*parsed.Response) == "" {
		return emptyResponse, nil
	}
	return *parsed.Response, nil
}

// UserMessage renders err as the assistant-facing failure text.
func UserMessage(err error) string {
	var status *BackendErrorResponse
	if errors.As(err, &status) {
		return fmt.Sprintf("Error en la API: %d - %s", status.StatusCode, status.Body)
	}
	var unavailable *BackendUnavailableError
	if errors.As(err, &unavailable) && unavailable.Timeout {
		return fmt.Sprintf("Error de conexión: tiempo de espera agotado (%v)", unavailable.Err)
	}
	return fmt.Sprintf("Error de conexión: %v", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
