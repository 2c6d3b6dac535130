// Package llm is the adapter to the local LLM runtime. It serializes access
// per model tier (semaphore + shared token bucket), retries transient
// failures, trips a per-model circuit breaker, and salvages the loosely
// shaped JSON local models tend to emit.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/httpretry"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

// Tier names a model class.
type Tier string

const (
	TierMid  Tier = "mid_tier"
	TierHigh Tier = "high_tier"
)

// Request is a single-shot generation request.
type Request struct {
	Prompt      string
	Temperature float64
	Stop        []string
	Timeout     time.Duration // 0 = tier default
}

// Response is the runtime's answer plus adapter bookkeeping.
type Response struct {
	Text       string
	Model      string
	TokensUsed int
	Duration   time.Duration
	Cached     bool
}

// Validator is a caller-supplied quality gate over a salvaged JSON object.
type Validator func(obj map[string]any) error

type tierRuntime struct {
	model         string
	timeout       time.Duration
	sem           chan struct{}
	breaker       *gobreaker.CircuitBreaker
	ratePerMinute int
}

// Client talks to an Ollama-compatible runtime (POST /api/generate).
type Client struct {
	baseURL string
	http    httpretry.HTTPDoer
	tiers   map[Tier]*tierRuntime
	cache   *Cache       // nil disables caching
	limiter *RateLimiter // nil disables rate limiting
	log     *logger.Logger
	metrics *metrics.Metrics // nil records nothing

	stateHook func(tier string, open bool)
}

// New builds a client from config. rdb may be nil; the cache and shared
// rate bucket are then disabled (tests, single-process runs).
func New(cfg config.LLMConfig, rdb *redis.Client, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "llm")

	c := &Client{
		baseURL: cfg.RuntimeURL,
		// No client-level timeout; per-call deadlines come from context.
		http:  httpretry.NewRetryClient(&http.Client{}, 2),
		tiers: map[Tier]*tierRuntime{},
		log:   log,
	}
	if rdb != nil {
		c.limiter = NewRateLimiter(rdb)
		if cfg.CacheEnabled {
			c.cache = NewCache(rdb, time.Duration(cfg.CacheTTLMins)*time.Minute)
		}
	}

	c.tiers[TierMid] = c.newTier(string(TierMid), cfg.MidTierModel, cfg.MidTimeout(), cfg.MidConcurrency, cfg.RatePerMinuteMid)
	c.tiers[TierHigh] = c.newTier(string(TierHigh), cfg.HighTierModel, cfg.HighTimeout(), cfg.HighConcurrency, cfg.RatePerMinuteHigh)
	return c
}

func (c *Client) newTier(name, model string, timeout time.Duration, concurrency, ratePerMinute int) *tierRuntime {
	if concurrency < 1 {
		concurrency = 1
	}
	log := c.log
	return &tierRuntime{
		model:         model,
		timeout:       timeout,
		sem:           make(chan struct{}, concurrency),
		ratePerMinute: ratePerMinute,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("breaker state change", "model_tier", name, "from", from.String(), "to", to.String())
				if c.stateHook != nil {
					c.stateHook(name, to == gobreaker.StateOpen)
				}
			},
		}),
	}
}

// OnBreakerChange registers a hook invoked whenever a tier's breaker opens
// or closes. Register before the first Generate call.
func (c *Client) OnBreakerChange(hook func(tier string, open bool)) {
	c.stateHook = hook
}

// SetMetrics attaches the instrumentation hub.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Model returns the configured model name for a tier.
func (c *Client) Model(tier Tier) string {
	if rt, ok := c.tiers[tier]; ok {
		return rt.model
	}
	return ""
}

// BreakerState reports the breaker state for a tier ("closed", "open",
// "half-open"). Unknown tiers report "closed".
func (c *Client) BreakerState(tier Tier) string {
	if rt, ok := c.tiers[tier]; ok {
		return rt.breaker.State().String()
	}
	return gobreaker.StateClosed.String()
}

// Ping checks that the runtime answers at all. It hits the model listing
// endpoint, which is cheap and does not load a model.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm runtime unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm runtime returned %d", resp.StatusCode)
	}
	return nil
}

// Generate runs one prompt against the tier's model. Cached responses skip
// the semaphore, rate bucket, and breaker entirely.
func (c *Client) Generate(ctx context.Context, tier Tier, req Request) (*Response, error) {
	rt, ok := c.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	if c.cache != nil {
		if text := c.cache.Get(ctx, rt.model, req.Prompt); text != "" {
			c.metrics.CountCache(true)
			return &Response{Text: text, Model: rt.model, Cached: true}, nil
		}
		c.metrics.CountCache(false)
	}

	if c.limiter != nil && rt.ratePerMinute > 0 {
		if err := c.limiter.Wait(ctx, rt.model, rt.ratePerMinute); err != nil {
			return nil, fmt.Errorf("rate wait: %w", err)
		}
	}

	select {
	case rt.sem <- struct{}{}:
		defer func() { <-rt.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeout := rt.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := rt.breaker.Execute(func() (interface{}, error) {
		return c.invoke(callCtx, rt.model, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.CountLLM(string(tier), "circuit_open")
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, tier)
		}
		c.metrics.CountLLM(string(tier), "error")
		return nil, err
	}
	c.metrics.CountLLM(string(tier), "ok")

	resp := res.(*Response)
	resp.Duration = time.Since(start)
	if c.cache != nil && resp.Text != "" {
		c.cache.Put(ctx, rt.model, req.Prompt, resp.Text)
	}
	return resp, nil
}

// generateBody mirrors the runtime's /api/generate request shape.
type generateBody struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateReply struct {
	Response        string `json:"response"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

func (c *Client) invoke(ctx context.Context, model string, req Request) (*Response, error) {
	body := generateBody{Model: model, Prompt: req.Prompt, Stream: false}
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm runtime call: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("llm runtime returned %d: %s", httpResp.StatusCode, snippet)
	}

	var reply generateReply
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode runtime response: %w", err)
	}

	return &Response{
		Text:       reply.Response,
		Model:      model,
		TokensUsed: reply.EvalCount + reply.PromptEvalCount,
	}, nil
}

const jsonOnlyRetrySuffix = "\n\nRespond with a single valid JSON object only. No markdown fences, no commentary, no text before or after the JSON."

// GenerateJSON runs a prompt expected to yield a JSON object, salvages the
// response, and applies the caller's validator. A response that fails
// salvage or validation earns exactly one retry with a tightened JSON-only
// prompt; a second failure surfaces to the caller, who falls back.
func (c *Client) GenerateJSON(ctx context.Context, tier Tier, req Request, validate Validator) (map[string]any, *Response, error) {
	resp, err := c.Generate(ctx, tier, req)
	if err != nil {
		return nil, nil, err
	}

	obj, salvageErr := Salvage(resp.Text)
	if salvageErr == nil && validate != nil {
		salvageErr = validate(obj)
	}
	if salvageErr == nil {
		if !json.Valid([]byte(strings.TrimSpace(resp.Text))) {
			c.metrics.CountSalvaged()
		}
		return obj, resp, nil
	}

	c.log.Warn("response rejected, retrying with JSON-only prompt",
		"model_tier", string(tier), "error", salvageErr.Error())
	c.metrics.CountRetry(string(tier))

	retryReq := req
	retryReq.Prompt = req.Prompt + jsonOnlyRetrySuffix
	retryResp, err := c.Generate(ctx, tier, retryReq)
	if err != nil {
		return nil, nil, err
	}
	resp.TokensUsed += retryResp.TokensUsed
	resp.Duration += retryResp.Duration

	obj, err = Salvage(retryResp.Text)
	if err != nil {
		return nil, nil, err
	}
	if validate != nil {
		if err := validate(obj); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	resp.Text = retryResp.Text
	return obj, resp, nil
}
