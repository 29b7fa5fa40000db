// Package backend provides the HTTP client for the Netherworld inference
// backend. The backend owns the model; this client only ships serialized
// chat state to it and hands the raw reply back to the caller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/netherbot/netherworld/common/retry"
	"github.com/netherbot/netherworld/internal/netherworld/memory"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxAttempts = 3
)

// ErrUnavailable is returned when the backend cannot be reached or keeps
// failing after retries. One turn fails; the process keeps running.
var ErrUnavailable = errors.New("backend: unavailable")

// PayloadEncoding selects how the retained window is framed on the wire.
type PayloadEncoding string

const (
	// EncodingMessages sends the window as a JSON message list.
	EncodingMessages PayloadEncoding = "messages"
	// EncodingTokens pre-tokenizes the window client-side and sends a
	// base64-wrapped token stream, the compact framing the original
	// Netherworld backend speaks.
	EncodingTokens PayloadEncoding = "tokens"
)

// ParsePayloadEncoding validates a configuration string.
func ParsePayloadEncoding(s string) (PayloadEncoding, error) {
	switch PayloadEncoding(s) {
	case EncodingMessages, EncodingTokens:
		return PayloadEncoding(s), nil
	default:
		return "", fmt.Errorf("backend: unknown payload encoding %q (want %q or %q)",
			s, EncodingMessages, EncodingTokens)
	}
}

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:5000". Required.
	// A common mistake is omitting the scheme; New rejects that early.
	BaseURL string

	// Timeout is the per-request HTTP timeout. Generation can take a while
	// on CPU backends, so the default is generous (120 s).
	Timeout time.Duration

	// MaxAttempts bounds retries for transient failures (transport errors
	// and 5xx). Defaults to 3.
	MaxAttempts int
}

// Client talks to the inference backend. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New returns a backend client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("backend: base URL %q must include http:// or https://", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// LoadRequest carries the model settings shipped to the backend at startup.
type LoadRequest struct {
	Model    string         `json:"model"`
	Device   string         `json:"device,omitempty"`
	Settings map[string]any `json:"model_settings,omitempty"`
}

// Load asks the backend to load the model. Netherworld cannot serve turns
// without a loaded model, so callers treat a failure here as fatal at
// startup.
func (c *Client) Load(ctx context.Context, req LoadRequest) error {
	_, err := c.post(ctx, "/load", req)
	if err != nil {
		return fmt.Errorf("backend: load model: %w", err)
	}
	return nil
}

// GenerateRequest is the wire form of one generation call. Exactly one of
// Messages and ChatHistory is populated, depending on the payload encoding.
type GenerateRequest struct {
	// Messages is the retained window as a plain message list.
	Messages []memory.PayloadMessage `json:"messages,omitempty"`
	// ChatHistory is the retained window as a base64 token stream.
	ChatHistory string `json:"chat_history,omitempty"`
	// Generation carries sampler/syntax settings, passed through opaquely.
	Generation map[string]any `json:"generation_settings,omitempty"`
}

// Generate sends the serialized window and returns the raw response body.
// The caller's serializer interprets the body; this client only guarantees
// an HTTP-level success. Transient failures are retried with exponential
// backoff.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	body, err := c.post(ctx, "/generate", req)
	if err != nil {
		return nil, fmt.Errorf("backend: generate: %w", err)
	}
	return body, nil
}

// post sends a JSON POST to path and returns the response body. Transport
// errors and 5xx responses are retried; 4xx responses are not (the request
// itself is wrong, retrying cannot help).
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var body []byte
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		ShouldRetry: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code >= 500
			}
			return true // transport-level failure
		},
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &statusError{code: resp.StatusCode, body: b}
		}
		body = b
		return nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, nil
}

// statusError is a non-2xx backend response.
type statusError struct {
	code int
	body []byte
}

func (e *statusError) Error() string {
	const maxBody = 200
	b := string(e.body)
	if len(b) > maxBody {
		b = b[:maxBody] + "…"
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.code, b)
}

// StatusCode reports the HTTP status of a backend error, or 0 when the
// error was not a status error.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}
