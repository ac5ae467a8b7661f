package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxRetries     = 2
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
	defaultBurst   = 5
)

// Client talks to an Azure OpenAI style chat-completions deployment. The
// endpoint is the full deployment URL, api-version included.
type Client struct {
	endpoint    string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retryDelay  func(attempt int, lastErr error) time.Duration
}

type ClientOptions struct {
	RequestsPerSecond int
	Timeout           time.Duration
	HTTPClient        *http.Client
}

func NewClient(endpoint, apiKey string, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), defaultBurst)
	}
	return &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		httpClient:  httpClient,
		rateLimiter: limiter,
		retryDelay:  calculateRetryDelay,
	}
}

// ChatCompletion sends one request, retrying rate limits, server errors and
// transport failures.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay(attempt, lastErr)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("api-key", c.apiKey)

		resp, err := c.doWithRateLimit(ctx, httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		chatResp, err := decodeResponse(resp)
		if err == nil {
			return chatResp, nil
		}
		if apiErr, ok := err.(*APIError); ok && apiErr.Retryable {
			lastErr = apiErr
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doWithRateLimit(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return c.httpClient.Do(req)
}

func decodeResponse(resp *http.Response) (*ChatResponse, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &chatResp, nil
}

func parseError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		raw := string(body)
		if len(raw) > 500 {
			raw = raw[:500] + "..."
		}
		apiErr.Message = fmt.Sprintf("%s (raw: %s)", resp.Status, raw)
		return apiErr
	}
	if errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
	}
	apiErr.Type = errResp.Error.Type
	apiErr.Code = errResp.Error.Code
	return apiErr
}

// calculateRetryDelay honours Retry-After, otherwise backs off exponentially.
func calculateRetryDelay(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return apiErr.RetryAfter
	}
	if attempt <= 0 {
		return baseRetryDelay
	}
	delay := baseRetryDelay << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
