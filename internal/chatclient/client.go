// Package chatclient implements a typed REST wrapper over the CHAT
// platform: a single request() helper with typed errors for 404/422, static bearer
// token auth, and the same retry classification odata.Client uses via
// backoff/v4 + gobreaker.
package chatclient

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

// NotFoundError is returned when CHAT reports 404 on a conversation update
// -- demoted to a warning by callers: the conversation was
// deleted on the remote side.
type NotFoundError struct {
	ConversationID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("chat: conversation %s not found", e.ConversationID)
}

// AlreadyExistsError is returned when create_user gets 422 -- treated as
// "exists, look it up" rather than a failure.
type AlreadyExistsError struct {
	Email string
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("chat: user %s already exists", e.Email)
}

// Client is the typed CHAT REST wrapper.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL, token string) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat",
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

type apiError struct {
	status int
	body   []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("chat: status %d: %s", e.status, string(e.body))
}

// request issues the given method/path/payload with the same capped
// exponential-backoff retry taxonomy as the OData client (429/502/503/504
// and transport errors retried, other statuses terminal), and returns the
// raw response body and the last HTTP status.
func (c *Client) request(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
	}

	var lastStatus int
	var lastBody []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytesReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			b, rerr := io.ReadAll(resp.Body)
			if rerr != nil {
				return nil, rerr
			}
			return httpResult{resp.StatusCode, b}, nil
		})
		if err != nil {
			return err
		}

		hr := result.(httpResult)
		lastStatus = hr.status
		lastBody = hr.body

		switch {
		case hr.status >= 200 && hr.status < 300:
			return nil
		case hr.status == http.StatusTooManyRequests, hr.status == http.StatusBadGateway,
			hr.status == http.StatusServiceUnavailable, hr.status == http.StatusGatewayTimeout:
			return fmt.Errorf("retryable status %d", hr.status)
		default:
			return backoff.Permanent(&apiError{status: hr.status, body: hr.body})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second

	retryNotify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("path", path).Dur("wait", wait).Msg("chat request retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(bo, 5), retryNotify); err != nil {
		return lastBody, lastStatus, err
	}
	return lastBody, lastStatus, nil
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

// UpdateConversation updates status and/or assignee. A nil assigneeID
// clears the assignee (unassign). Returns NotFoundError on 404 (demoted to
// warning by callers).
func (c *Client) UpdateConversation(ctx context.Context, conversationID string, status *string, assigneeID *string) error {
	payload := map[string]any{}
	if status != nil {
		payload["status"] = *status
	}
	if assigneeID != nil {
		payload["assignee_id"] = *assigneeID
	} else {
		payload["assignee_id"] = nil
	}
	_, code, err := c.request(ctx, http.MethodPatch, "/conversations/"+conversationID, payload)
	if code == http.StatusNotFound {
		return NotFoundError{ConversationID: conversationID}
	}
	return err
}

// ToggleConversationStatus is the dedicated resolve/reopen endpoint --
// distinct from UpdateConversation.
func (c *Client) ToggleConversationStatus(ctx context.Context, conversationID, status string) error {
	payload := map[string]any{"status": status}
	_, code, err := c.request(ctx, http.MethodPost, "/conversations/"+conversationID+"/toggle_status", payload)
	if code == http.StatusNotFound {
		return NotFoundError{ConversationID: conversationID}
	}
	return err
}

// AssignConversationAgent is the only correct way to reassign an operator;
// distinct from UpdateConversation.
func (c *Client) AssignConversationAgent(ctx context.Context, conversationID string, assigneeID *string) error {
	payload := map[string]any{"assignee_id": assigneeID}
	_, code, err := c.request(ctx, http.MethodPost, "/conversations/"+conversationID+"/assignments", payload)
	if code == http.StatusNotFound {
		return NotFoundError{ConversationID: conversationID}
	}
	return err
}

// UpdateConversationCustomAttributes performs a partial merge by key. A 404
// is demoted to a warning by callers.
func (c *Client) UpdateConversationCustomAttributes(ctx context.Context, conversationID string, attrs map[string]any) error {
	payload := map[string]any{"custom_attributes": attrs}
	_, code, err := c.request(ctx, http.MethodPatch, "/conversations/"+conversationID+"/custom_attributes", payload)
	if code == http.StatusNotFound {
		return NotFoundError{ConversationID: conversationID}
	}
	return err
}

// SendMessage posts a user-visible message. Always used instead of private
// "notes" for user-facing signals.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, messageType string) error {
	if messageType == "" {
		messageType = "outgoing"
	}
	payload := map[string]any{"content": content, "message_type": messageType}
	_, code, err := c.request(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", payload)
	if code == http.StatusNotFound {
		return NotFoundError{ConversationID: conversationID}
	}
	return err
}

// User is a CHAT agent/user record.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Name             string         `json:"name"`
	CustomAttributes map[string]any `json:"custom_attributes"`
}

// FindUserByEmail looks up a CHAT user by email.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	body, code, err := c.request(ctx, http.MethodGet, "/agents?email="+email, nil)
	if err != nil {
		if code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByCustomAttribute looks up a CHAT user by a custom attribute
// (used to find an existing user by the ERP cl_ref_key before creating a
// duplicate).
func (c *Client) FindUserByCustomAttribute(ctx context.Context, key, value string) (*User, error) {
	body, code, err := c.request(ctx, http.MethodGet, "/agents?custom_attribute="+key+":"+value, nil)
	if err != nil {
		if code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListAllAgents returns every CHAT agent, used as the list-and-scan
// fallback existence check.
func (c *Client) ListAllAgents(ctx context.Context) ([]User, error) {
	body, _, err := c.request(ctx, http.MethodGet, "/agents", nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser creates a new CHAT agent. A 422 is treated as "exists, look
// it up" via AlreadyExistsError.
func (c *Client) CreateUser(ctx context.Context, email, name string, customAttrs map[string]any) (*User, error) {
	payload := map[string]any{"email": email, "name": name, "custom_attributes": customAttrs}
	body, code, err := c.request(ctx, http.MethodPost, "/agents", payload)
	if code == http.StatusUnprocessableEntity {
		return nil, AlreadyExistsError{Email: email}
	}
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
