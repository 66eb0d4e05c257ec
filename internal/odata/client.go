// Package odata implements a stateless OData v3-style client with
// filter/order URL construction and retrying Get/GetURL: {429,502,503,504}
// and transport errors are retried with min(2^n,60)s backoff up to 6
// attempts, every other status is terminal.
package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	// MaxAttempts bounds retries on transient errors.
	MaxAttempts = 6
	// MaxBackoff caps the exponential sleep at 60s (min(2^n, 60)).
	MaxBackoff = 60 * time.Second
)

// Client is a stateless wrapper over net/http for ERP OData access.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds an OData client. A session/connection-pool is desirable
// but not required per; we reuse a single *http.Client (which
// already pools connections) rather than opening one per call.
func NewClient(baseURL, token string) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "odata",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 120 * time.Second},
		breaker: cb,
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Get executes a GET against the ERP OData endpoint for the given query,
// retrying transient failures with capped exponential backoff, and returns
// the raw response body on success.
func (c *Client) Get(ctx context.Context, q Query) ([]byte, error) {
	url := BuildURL(c.baseURL, q)
	return c.do(ctx, http.MethodGet, url, nil)
}

// GetURL executes a GET against a fully-formed URL (used by open-update
// mode's key-batched lookups built via GUIDEqualityOr).
func (c *Client) GetURL(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastBody []byte
	var lastStatus int

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytesReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			b, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return nil, readErr
			}
			return httpResult{status: resp.StatusCode, body: b}, nil
		})
		if err != nil {
			// transport-level failure: retryable
			return err
		}

		hr := result.(httpResult)
		lastStatus = hr.status
		lastBody = hr.body

		if hr.status >= 200 && hr.status < 300 {
			return nil
		}
		if hr.status == http.StatusTooManyRequests || isRetryableStatus(hr.status) {
			return fmt.Errorf("retryable status %d", hr.status)
		}
		// Permanent 4xx (other than 429): terminal, surface the body.
		snippet := hr.body
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		return backoff.Permanent(&PermanentError{StatusCode: hr.status, URL: url, BodySnippet: string(snippet)})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = MaxBackoff
	bo.MaxElapsedTime = 0 // bounded by attempt count below, not wall time

	attempts := 0
	retryNotify := func(err error, wait time.Duration) {
		attempts++
		log.Warn().Err(err).Str("url", url).Int("attempt", attempts).Dur("wait", wait).Msg("odata request retrying")
	}

	boWithLimit := backoff.WithMaxRetries(bo, MaxAttempts-1)
	err := backoff.RetryNotify(operation, boWithLimit, retryNotify)
	if err != nil {
		var perm *PermanentError
		if asPermanent(err, &perm) {
			return nil, perm
		}
		return nil, &TransientError{StatusCode: lastStatus, URL: url, Attempts: attempts + 1, Cause: err}
	}
	return lastBody, nil
}

type httpResult struct {
	status int
	body   []byte
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func asPermanent(err error, target **PermanentError) bool {
	type permanentUnwrapper interface{ Unwrap() error }
	for err != nil {
		if p, ok := err.(*PermanentError); ok {
			*target = p
			return true
		}
		u, ok := err.(permanentUnwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UpdateConsultationRequest is the narrow PATCH-equivalent write path
//: only status, manager key and start date may be changed.
type UpdateConsultationRequest struct {
	RefKey     string
	Status     *string
	ManagerKey *string
	StartDate  *time.Time
}

// UpdateConsultation issues the narrow write path used only from background
// tasks and the reschedule flow.
func (c *Client) UpdateConsultation(ctx context.Context, req UpdateConsultationRequest) error {
	url := fmt.Sprintf("%s/ConsultationDoc(guid'%s')", c.baseURL, req.RefKey)
	payload := map[string]any{}
	if req.Status != nil {
		payload["Статус"] = *req.Status
	}
	if req.ManagerKey != nil {
		payload["Менеджер_Key"] = *req.ManagerKey
	}
	if req.StartDate != nil {
		payload["НачалоКонсультации"] = req.StartDate.UTC().Format("2006-01-02T15:04:05")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, url, body)
	return err
}
