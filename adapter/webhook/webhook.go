// Package webhook POSTs archive push events as JSON to an HTTP endpoint.
//
// Every request carries X-Microlink-Event. With a secret configured it also
// carries X-Microlink-Signature, "sha256=" followed by the hex HMAC-SHA256
// of the body, which receivers check with Verify.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pithecene-io/microlink/adapter"
	"github.com/pithecene-io/microlink/iox"
	"github.com/pithecene-io/microlink/types"
)

// Request headers set by the adapter.
const (
	HeaderEvent     = "X-Microlink-Event"
	HeaderSignature = "X-Microlink-Signature"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

const signaturePrefix = "sha256="

// Config configures the webhook adapter.
type Config struct {
	URL string
	// Headers are added to every request.
	Headers map[string]string
	// Secret, when set, signs each body.
	Secret  string
	Timeout time.Duration
	Retries int
}

// Adapter publishes push events via HTTP POST.
type Adapter struct {
	config Config
	client *http.Client
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("webhook adapter: URL %q must be http or https", cfg.URL)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Sign returns the X-Microlink-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid signature of body.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Publish POSTs event. Network errors and 5xx responses are retried; 4xx
// responses fail at once.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ArchivePushedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	return adapter.Retry(ctx, "webhook", a.config.Retries, isClientError, func(ctx context.Context) error {
		return a.post(ctx, event.EventType, body)
	})
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func isClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500
}

func (a *Adapter) post(ctx context.Context, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", types.UserAgent())
	req.Header.Set(HeaderEvent, eventType)
	if a.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(a.config.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
