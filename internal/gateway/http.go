package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HTTPClient talks to an inference endpoint over HTTP. Concurrency is
// bounded by a semaphore and a request-rate budget: the endpoint's own
// limits are respected instead of assuming unlimited fan-out.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	timeout  time.Duration
	sem      chan struct{}
	limiter  *rate.Limiter
}

// HTTPClientConfig configures the gateway HTTP client.
type HTTPClientConfig struct {
	Endpoint      string
	APIKey        string
	CallTimeout   time.Duration
	MaxConcurrent int
	RequestsPerS  float64
}

// NewHTTPClient creates a bounded HTTP gateway client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RequestsPerS <= 0 {
		cfg.RequestsPerS = 10
	}

	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.CallTimeout + 5*time.Second},
		timeout:  cfg.CallTimeout,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerS), cfg.MaxConcurrent),
	}
}

type generationResponse struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"input_token_count"`
	TokensOut int    `json:"output_token_count"`
	Error     string `json:"error,omitempty"`
}

// Generate implements Client. The call times out after the configured
// deadline; timeouts are classified transient so the executor retries.
func (c *HTTPClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &GenerationError{Class: ErrTransient, Op: "rate budget", Err: err}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, &GenerationError{Class: ErrTransient, Op: "concurrency budget", Err: ctx.Err()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &GenerationError{Class: ErrPermanent, Op: "encoding request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &GenerationError{Class: ErrPermanent, Op: "building request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Network failures and deadline hits are indistinguishable from a
		// slow upstream; both are worth one more try.
		return nil, &GenerationError{Class: ErrTransient, Op: "calling inference endpoint", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var gen generationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&gen); err != nil {
		return nil, &GenerationError{Class: ErrPermanent, Op: "decoding response", Err: err}
	}
	if gen.Error != "" {
		return nil, &GenerationError{Class: ErrPermanent, Op: "inference", Err: fmt.Errorf("%s", gen.Error)}
	}

	log.Debug().
		Str("model", req.Model).
		Int("tokens_in", gen.TokensIn).
		Int("tokens_out", gen.TokensOut).
		Dur("duration", time.Since(start)).
		Msg("generation completed")

	return &GenerationResult{
		Text:      gen.Text,
		TokensIn:  gen.TokensIn,
		TokensOut: gen.TokensOut,
	}, nil
}

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	class := ErrPermanent
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		class = ErrTransient
	}
	return &GenerationError{Class: class, Op: "calling inference endpoint", Err: cause}
}
