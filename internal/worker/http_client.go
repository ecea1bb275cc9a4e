package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hooksmith/webhook-engine/internal/signature"
)

const userAgent = "webhook-engine/1.0"

// Result holds the outcome of one delivery attempt. StatusCode is nil when
// the request never produced an HTTP response (network error or timeout).
type Result struct {
	StatusCode *int
	Body       string
	LatencyMs  int
	RetryAfter string
	Err        error
}

// Sender performs signed webhook POSTs. The per-request timeout comes from
// the subscription, so the shared client carries none.
type Sender struct {
	client  *http.Client
	maxBody int
}

// NewSender creates a sender that stores at most maxBody response bytes.
func NewSender(maxBody int) *Sender {
	return &Sender{
		client:  &http.Client{},
		maxBody: maxBody,
	}
}

// Send signs the payload with the given secret and POSTs it to url within
// the timeout. The signature is computed at send time, so a retry after a
// secret rotation automatically signs with the new secret.
func (s *Sender) Send(ctx context.Context, url string, payload []byte, secret string, timeout time.Duration) *Result {
	result := &Result{}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		result.Err = fmt.Errorf("failed to create HTTP request: %w", err)
		return result
	}

	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(signature.SignatureHeader, signature.Sign(payload, secret, ts))
	req.Header.Set(signature.TimestampHeader, strconv.FormatInt(ts, 10))

	start := time.Now()
	resp, err := s.client.Do(req)
	result.LatencyMs = int(time.Since(start).Milliseconds())

	if err != nil {
		result.Err = fmt.Errorf("HTTP request failed: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = &resp.StatusCode
	result.RetryAfter = resp.Header.Get("Retry-After")

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBody)))
	if readErr != nil {
		result.Body = string(body)
		return result
	}
	result.Body = string(body)

	return result
}
