package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// transientError marks failures worth another attempt (network, empty choices, overload).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// doRequest posts to OpenRouter, retrying transient failures with exponential
// backoff and jitter. A 429 with Retry-After waits as long as the server asks.
func (c *OpenRouterClient) doRequest(ctx context.Context, path string, orReq *openRouterRequest) (*openRouterResponse, int, error) {
	attempts := 0
	jitter := c.retryDelay / 2
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	backoff := retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)

	resp, err := retry.DoWithData(
		func() (*openRouterResponse, error) {
			attempts++
			return c.post(ctx, path, orReq)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(jitter),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				return rl.RetryAfter
			}
			return backoff(n, err, config)
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			// Inject nonce for retries on 413/422 (makes request "different")
			c.injectNonce(orReq, int(n)+1)
			c.logger.Debug("openrouter request failed", "attempt", n+1, "model", orReq.Model, "error", err)
		}),
	)
	if err != nil {
		if attempts >= c.maxRetries && isRetryable(err) {
			return nil, attempts, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, err)
		}
		return nil, attempts, err
	}
	return resp, attempts, nil
}

func (c *OpenRouterClient) post(ctx context.Context, path string, orReq *openRouterRequest) (*openRouterResponse, error) {
	bodyBytes, err := json.Marshal(orReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/jackzampolin/tally")
	req.Header.Set("X-Title", "Tally")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Message:    fmt.Sprintf("OpenRouter rate limited: %s", string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "OpenRouter", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var orResp openRouterResponse
	if err := json.Unmarshal(respBody, &orResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if err := checkResponse(&orResp); err != nil {
		return nil, err
	}
	return &orResp, nil
}

// checkResponse inspects a 200 OK body for API-level errors.
func checkResponse(resp *openRouterResponse) error {
	if resp.Error != nil {
		code := fmt.Sprintf("%v", resp.Error.Code)
		switch code {
		case "overloaded", "rate_limit_exceeded", "503", "502", "500":
			return &transientError{fmt.Errorf("OpenRouter API error (retryable): %s", resp.Error.Message)}
		}
		// content_filter, invalid_request, etc.
		return fmt.Errorf("OpenRouter API error (%s): %s", code, resp.Error.Message)
	}

	// Empty choices - likely transient, worth retrying
	if len(resp.Choices) == 0 {
		return &transientError{fmt.Errorf("%w: empty choices (model=%s, id=%s)", ErrEmptyResponse, resp.Model, resp.ID)}
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// injectNonce adds a unique comment to the last user message to make the request different.
// This helps bypass caching issues that can cause 413/422 errors.
func (c *OpenRouterClient) injectNonce(req *openRouterRequest, attempt int) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		nonce := uuid.New().String()[:16]
		comment := fmt.Sprintf("\n<!-- retry_%d_id: %s -->", attempt, nonce)

		switch content := req.Messages[i].Content.(type) {
		case string:
			req.Messages[i].Content = content + comment
		case []openRouterContent:
			for j := range content {
				if content[j].Type == "text" {
					content[j].Text += comment
					break
				}
			}
		}
		return
	}
}
