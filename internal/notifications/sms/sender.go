// Package sms provides SMS notification sending via the Twilio Messages API.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andreasco/concierge/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.twilio.com"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 1.0
)

// Config holds SMS sender configuration.
// The sender is enabled only when AccountSID, AuthToken and FromNumber are all set.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	RateLimit  float64
	Timeout    time.Duration
}

// Sender implements notifications.Channel via Twilio.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewSender creates a new SMS sender.
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
		apiURL: fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
			strings.TrimRight(config.BaseURL, "/"), url.PathEscape(config.AccountSID)),
	}

	slog.Info("sms sender configured",
		"enabled", s.Enabled(),
		"from_number", maskNumber(config.FromNumber),
		"rate_limit", config.RateLimit,
	)

	return s
}

// Name returns the channel name.
func (s *Sender) Name() notifications.ChannelName {
	return notifications.ChannelSMS
}

// Enabled reports whether Twilio credentials and a sender number are configured.
func (s *Sender) Enabled() bool {
	return s.config.AccountSID != "" && s.config.AuthToken != "" && s.config.FromNumber != ""
}

// Send delivers msg as a text message. Twilio has no idempotency header, so
// duplicate suppression relies on the delivery ledger.
func (s *Sender) Send(ctx context.Context, msg notifications.Message, _ string) error {
	if msg.To == "" {
		return &PermanentError{Message: "recipient number is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", s.config.FromNumber)
	form.Set("Body", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, msg.To)
}

// apiError is Twilio's error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Sender) handleResponse(resp *http.Response, to string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sent struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(body, &sent)
		slog.Debug("sms sent", "to", maskNumber(to), "twilio_sid", sent.SID)
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
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Code != 0 {
			return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
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

// maskNumber hides all but the last four digits for logging.
func maskNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("twilio error: %s", e.Message)
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
		return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("twilio error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// RateLimitError indicates Twilio rejected the request with 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("twilio rate limited, retry after %s", e.RetryAfter)
	}
	return "twilio rate limited"
}

// IsRetryable returns true.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryDelay returns the provider's Retry-After; the worker waits at least this long.
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }
