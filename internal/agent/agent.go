// Package agent provides the AgentRuntime collaborator: the opaque
// conversation pipeline that turns a known user's inbound text into a
// reply. The core treats it as a black box that may take seconds and may
// fail; this package only owns the call boundary (transport, deadline,
// error classification), never the pipeline's own logic.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Runtime is the AgentRuntime contract the router depends on.
type Runtime interface {
	// Handle returns the reply text for userID's message. Implementations
	// must respect ctx's deadline and return promptly once it expires.
	Handle(ctx context.Context, userID int64, text string) (string, error)
}

// ErrTimedOut marks a Handle call that was abandoned because the caller's
// deadline elapsed before the runtime replied.
var ErrTimedOut = errors.New("agent: call did not complete before deadline")

// DefaultDeadline is the default agent call deadline
// (AGENT_CALL_DEADLINE_SECONDS, default 25), used by router.DefaultConfig.
const DefaultDeadline = 25 * time.Second

// WithDeadline wraps ctx with deadline; if ctx already carries an earlier
// deadline, that earlier one still applies. Translating an expired
// deadline into ErrTimedOut is done by Call, not here.
func WithDeadline(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, deadline)
}

// Call invokes rt.Handle under deadline, normalizing a context deadline
// into ErrTimedOut.
func Call(ctx context.Context, rt Runtime, deadline time.Duration, userID int64, text string) (string, error) {
	callCtx, cancel := WithDeadline(ctx, deadline)
	defer cancel()

	reply, err := rt.Handle(callCtx, userID, text)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimedOut
		}
		return "", fmt.Errorf("agent: handling message: %w", err)
	}
	return reply, nil
}

// HTTPRuntime is an AgentRuntime that forwards each message to an
// out-of-process agent pipeline over HTTP, following the request/response
// shape of the teacher's MCP apiClient: a bearer-authenticated JSON POST
// with the caller's context threaded through for cancellation.
type HTTPRuntime struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPRuntime builds an HTTPRuntime. endpoint is the agent pipeline's
// single "handle a message" URL; token, if non-empty, is sent as a bearer
// token.
func NewHTTPRuntime(endpoint, token string, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRuntime{endpoint: endpoint, token: token, client: client}
}

type handleRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

type handleResponse struct {
	Reply string `json:"reply"`
}

// Handle POSTs {user_id, text} to the configured endpoint and returns the
// "reply" field of the JSON response.
func (r *HTTPRuntime) Handle(ctx context.Context, userID int64, text string) (string, error) {
	body, err := json.Marshal(handleRequest{UserID: userID, Text: text})
	if err != nil {
		return "", fmt.Errorf("agent: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("agent: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: calling runtime: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("agent: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agent: runtime returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed handleResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("agent: decoding response: %w", err)
	}
	return parsed.Reply, nil
}
