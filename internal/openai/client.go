package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultModel          = "text-embedding-ada-002"
	DefaultTimeout        = 30 * time.Second
	DefaultMaxInputTokens = 8191
)

// Client talks to an OpenAI compatible /embeddings endpoint. It holds no
// per-request state; retries belong to the caller.
type Client struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	MaxInputTokens int

	client  *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.BaseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.Model = model
		}
	}
}

// WithDimensions makes the client reject vectors of any other length.
func WithDimensions(n int) Option {
	return func(c *Client) { c.Dimensions = n }
}

func WithMaxInputTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.MaxInputTokens = n
		}
	}
}

// WithTimeout bounds every request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithRateLimit caps requests per second towards the provider. A zero rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		APIKey:         apiKey,
		BaseURL:        DefaultBaseURL,
		Model:          DefaultModel,
		MaxInputTokens: DefaultMaxInputTokens,
		client:         &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmbeddingRequest is the provider request body. Input is a string for a
// single text and an array for a batch.
type EmbeddingRequest struct {
	Input any    `json:"input"`
	Model string `json:"model"`
}

type EmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// EstimateTokens approximates the provider token count of text: roughly four
// characters per token, never fewer than the number of words.
func EstimateTokens(text string) int {
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	byWords := len(strings.Fields(text))
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, text)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in a single request. The result has the same length
// and order as texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return c.embed(ctx, texts, texts)
}

func (c *Client) embed(ctx context.Context, texts []string, input any) ([][]float32, error) {
	ctx, span := middleware.StartSpan(ctx, "Embedder.Embed",
		attribute.String("embedding.model", c.Model),
		attribute.Int("embedding.inputs", len(texts)),
	)
	defer span.End()

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, apperrors.Validation("input %d is empty", i)
		}
		if tokens := EstimateTokens(text); tokens > c.MaxInputTokens {
			return nil, apperrors.InputTooLarge("input %d has about %d tokens, the limit is %d", i, tokens, c.MaxInputTokens)
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, classifyTransportError(ctx, err)
		}
	}

	reqBody, err := json.Marshal(EmbeddingRequest{Input: input, Model: c.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		err := classifyStatus(resp, body)
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	var embResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(embResp.Data) != len(texts) {
		return nil, apperrors.Provider("embedding provider returned an unexpected number of vectors",
			fmt.Errorf("want %d embeddings, got %d", len(texts), len(embResp.Data)))
	}

	sort.SliceStable(embResp.Data, func(i, j int) bool { return embResp.Data[i].Index < embResp.Data[j].Index })

	vectors := make([][]float32, len(texts))
	for i, d := range embResp.Data {
		if c.Dimensions > 0 && len(d.Embedding) != c.Dimensions {
			return nil, apperrors.ProviderPermanent("embedding provider returned vectors of the wrong size",
				fmt.Errorf("want %d dimensions, got %d", c.Dimensions, len(d.Embedding)))
		}
		vectors[i] = d.Embedding
	}

	middleware.AddSpanEvent(ctx, "embeddings_created", attribute.Int("embedding.vectors", len(vectors)))
	return vectors, nil
}

// classifyStatus maps a non-success provider response to the error taxonomy.
// The body is kept as the cause for logs, never as the public message.
func classifyStatus(resp *http.Response, body []byte) error {
	cause := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))

	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)
	if parsed.Error.Code == "context_length_exceeded" ||
		strings.Contains(parsed.Error.Message, "maximum context length") {
		return apperrors.InputTooLarge("input exceeds the embedding model context length")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := apperrors.Provider("embedding provider is rate limiting requests", cause)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case resp.StatusCode >= 500:
		return apperrors.Provider(fmt.Sprintf("embedding provider returned status %d", resp.StatusCode), cause)
	default:
		return apperrors.ProviderPermanent(fmt.Sprintf("embedding provider rejected the request with status %d", resp.StatusCode), cause)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Timeout("embedding provider did not respond in time", err)
	}
	return apperrors.Provider("embedding provider request failed", err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
