// Package email provides email notification sending via the Resend HTTP API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andreasco/concierge/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.resend.com"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 2.0 // requests per second on the default Resend plan
)

// Config holds email sender configuration.
// The sender is enabled only when both APIKey and FromAddress are set.
type Config struct {
	APIKey      string
	FromAddress string
	BaseURL     string
	RateLimit   float64
	Timeout     time.Duration
}

// Sender implements notifications.Channel via Resend.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewSender creates a new email sender.
func NewSender(config Config) *Sender {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	s := &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     strings.TrimRight(config.BaseURL, "/") + "/emails",
	}

	slog.Info("email sender configured",
		"enabled", s.Enabled(),
		"from_address", config.FromAddress,
		"rate_limit", config.RateLimit,
	)

	return s
}

// Name returns the channel name.
func (s *Sender) Name() notifications.ChannelName {
	return notifications.ChannelEmail
}

// Enabled reports whether an API key and sender address are configured.
func (s *Sender) Enabled() bool {
	return s.config.APIKey != "" && s.config.FromAddress != ""
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send delivers msg. The idempotency key is forwarded so Resend drops replays of the same delivery.
func (s *Sender) Send(ctx context.Context, msg notifications.Message, idempotencyKey string) error {
	if msg.To == "" {
		return &PermanentError{Message: "recipient address is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(sendRequest{
		From:    s.config.FromAddress,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sent struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &sent)
		slog.Debug("email sent", "resend_id", sent.ID)
		return nil
	}

	message := errorMessage(body)

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return &PermanentError{Code: resp.StatusCode, Message: message}

	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp.Header)}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{Code: resp.StatusCode, Message: message}
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, message)
	}
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Name != "" {
			return e.Name + ": " + e.Message
		}
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("resend error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("resend error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("resend error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("resend error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// RateLimitError indicates Resend rejected the request with 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resend rate limited, retry after %s", e.RetryAfter)
	}
	return "resend rate limited"
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryDelay returns the provider's Retry-After; the worker waits at least this long.
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }
