// Package providerclient adapts a single upstream model into the
// Provider Client abstraction from spec §4.2: a client characterized by
// name, model, cost coefficients and a deadline, whose invoke never
// retries internally and always honors context cancellation. The HTTP
// plumbing (doRequest: marshal, NewRequestWithContext, status check,
// decode, all-errors-wrapped) is carried over from the donor's
// Toolkit/providers/claude/client.go.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// Spec describes one provider's identity and economics, loaded from tier
// configuration.
type Spec struct {
	Role            string
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	CostPer1kInput  float64
	CostPer1kOutput float64
	Deadline        time.Duration
}

// Client is a single upstream model adapter. It never retries
// internally; retry is the Orchestrator's decision.
type Client struct {
	spec       Spec
	httpClient *http.Client
	// invokeFunc lets tests and alternate back-ends swap in a fake
	// upstream call without standing up an HTTP server.
	invokeFunc func(ctx context.Context, prompt string) (content string, promptTokens, responseTokens int, confidence float64, err error)
}

// New builds a Client for spec, using http.Client with no built-in
// timeout — the per-invocation deadline is carried by the context passed
// to Invoke, per spec §4.2/§5.
func New(spec Spec) *Client {
	return &Client{
		spec:       spec,
		httpClient: &http.Client{},
	}
}

// NewWithInvoker builds a Client whose upstream call is replaced by fn,
// for tests and for back-ends that aren't plain HTTP JSON (used by the
// mock roles in ensemble tests, mirroring the donor's
// ensembleMockProvider pattern).
func NewWithInvoker(spec Spec, fn func(ctx context.Context, prompt string) (string, int, int, float64, error)) *Client {
	return &Client{spec: spec, invokeFunc: fn}
}

// Spec exposes the client's static configuration.
func (c *Client) Spec() Spec { return c.spec }

// Invoke calls the upstream model and returns a ProviderResponse. It
// never returns a Go error for a normal upstream rejection: rejections
// are represented as a ProviderResponse with Status == StatusRejected and
// a RejectReason, so the Orchestrator can treat every completed
// invocation uniformly per spec §4.1 step 3.
func (c *Client) Invoke(ctx context.Context, prompt string) gwtypes.ProviderResponse {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.spec.Deadline)
	defer cancel()

	var (
		content                        string
		promptTokens, responseTokens   int
		confidence                     float64
		err                            error
	)
	if c.invokeFunc != nil {
		content, promptTokens, responseTokens, confidence, err = c.invokeFunc(ctx, prompt)
	} else {
		content, promptTokens, responseTokens, confidence, err = c.invokeHTTP(ctx, prompt)
	}

	elapsed := time.Since(start)

	resp := gwtypes.ProviderResponse{
		Role:           c.spec.Role,
		Provider:       c.spec.Provider,
		Model:          c.spec.Model,
		ResponseTimeMs: elapsed.Milliseconds(),
		ReceivedAt:     time.Now(),
	}

	if err != nil {
		resp.Status = gwtypes.StatusRejected
		resp.RejectReason = classifyRejection(ctx, err)
		return resp
	}

	resp.Status = gwtypes.StatusFulfilled
	resp.Content = content
	resp.PromptTokens = promptTokens
	resp.ResponseTokens = responseTokens
	resp.RawConfidence = clamp01(confidence)
	return resp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// classifyRejection maps an error to one of spec §4.2's rejection kinds.
// Context-deadline/cancellation always wins so a slow upstream error never
// masks the fact that the caller's budget ran out.
func classifyRejection(ctx context.Context, err error) gwtypes.RejectReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return gwtypes.RejectTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return gwtypes.RejectCancelled
	}
	var he *httpStatusError
	if errors.As(err, &he) {
		switch {
		case he.status == http.StatusTooManyRequests:
			return gwtypes.RejectQuota
		case he.status >= 500:
			return gwtypes.RejectUpstream5xx
		case he.status >= 400:
			return gwtypes.RejectUpstream4xx
		}
	}
	var de *json.SyntaxError
	if errors.As(err, &de) {
		return gwtypes.RejectMalformed
	}
	return gwtypes.RejectTransport
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.status, e.body)
}

// invokeHTTP performs the default JSON-over-HTTP chat completion call.
// Grounded on Toolkit/providers/claude/client.go's doRequest: marshal,
// NewRequestWithContext, set headers, Do, status check, decode, every
// error wrapped with %w.
func (c *Client) invokeHTTP(ctx context.Context, prompt string) (string, int, int, float64, error) {
	payload := map[string]interface{}{
		"model": c.spec.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spec.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.spec.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, 0, &httpStatusError{status: resp.StatusCode, body: string(rawBody)}
	}

	var decoded struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Usage      struct {
			PromptTokens   int `json:"prompt_tokens"`
			ResponseTokens int `json:"response_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return "", 0, 0, 0, fmt.Errorf("decode response: %w", err)
	}

	return decoded.Content, decoded.Usage.PromptTokens, decoded.Usage.ResponseTokens, decoded.Confidence, nil
}
