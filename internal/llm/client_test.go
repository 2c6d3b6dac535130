package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/config"
)

func testLLMConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		RuntimeURL:        url,
		MidTierModel:      "mid-test",
		HighTierModel:     "high-test",
		MidTimeoutSec:     5,
		HighTimeoutSec:    5,
		MidConcurrency:    2,
		HighConcurrency:   1,
		RatePerMinuteMid:  600,
		RatePerMinuteHigh: 600,
	}
}

func runtimeStub(t *testing.T, calls *atomic.Int64, respond func(prompt string) (string, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		text, status := respond(body.Prompt)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response":          text,
			"eval_count":        42,
			"prompt_eval_count": 10,
		})
	}))
}

func TestGenerateReturnsTextAndTokens(t *testing.T) {
	var calls atomic.Int64
	srv := runtimeStub(t, &calls, func(string) (string, int) { return "hello", http.StatusOK })
	defer srv.Close()

	c := New(testLLMConfig(srv.URL), nil, nil)
	resp, err := c.Generate(context.Background(), TierMid, Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, "mid-test", resp.Model)
	require.Equal(t, 52, resp.TokensUsed)
	require.False(t, resp.Cached)
}

func TestGenerateUnknownTier(t *testing.T) {
	c := New(testLLMConfig("http://localhost:0"), nil, nil)
	_, err := c.Generate(context.Background(), Tier("giant"), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	// 400 is not retried, so each Generate is exactly one runtime call
	srv := runtimeStub(t, &calls, func(string) (string, int) { return "", http.StatusBadRequest })
	defer srv.Close()

	c := New(testLLMConfig(srv.URL), nil, nil)
	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), TierMid, Request{Prompt: "hi"})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}
	require.Equal(t, "open", c.BreakerState(TierMid))

	before := calls.Load()
	_, err := c.Generate(context.Background(), TierMid, Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, before, calls.Load(), "open breaker must fail fast without calling the runtime")

	// The other tier's breaker is independent
	require.Equal(t, "closed", c.BreakerState(TierHigh))
}

func TestResponseCacheSkipsRuntime(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var calls atomic.Int64
	srv := runtimeStub(t, &calls, func(string) (string, int) { return `{"ok": true}`, http.StatusOK })
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.CacheEnabled = true
	cfg.CacheTTLMins = 60
	c := New(cfg, rdb, nil)

	first, err := c.Generate(context.Background(), TierMid, Request{Prompt: "analyze   this"})
	require.NoError(t, err)
	require.False(t, first.Cached)

	// Whitespace-only prompt differences hit the same entry
	second, err := c.Generate(context.Background(), TierMid, Request{Prompt: "analyze this"})
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Text, second.Text)
	require.Equal(t, int64(1), calls.Load())
}

func TestGenerateJSONRetriesOnceWithJSONOnlyPrompt(t *testing.T) {
	var calls atomic.Int64
	srv := runtimeStub(t, &calls, func(prompt string) (string, int) {
		if calls.Load() == 1 {
			return "Sorry, I cannot produce JSON right now.", http.StatusOK
		}
		return `{"workflow_confirmed": true, "confidence": 0.9}`, http.StatusOK
	})
	defer srv.Close()

	c := New(testLLMConfig(srv.URL), nil, nil)
	obj, resp, err := c.GenerateJSON(context.Background(), TierMid, Request{Prompt: "validate"}, nil)
	require.NoError(t, err)
	require.Equal(t, true, obj["workflow_confirmed"])
	require.Equal(t, int64(2), calls.Load())
	require.NotNil(t, resp)
}

func TestGenerateJSONValidationFailureAfterRetry(t *testing.T) {
	var calls atomic.Int64
	srv := runtimeStub(t, &calls, func(string) (string, int) {
		return `{"confidence": 0.1}`, http.StatusOK
	})
	defer srv.Close()

	c := New(testLLMConfig(srv.URL), nil, nil)
	gate := func(obj map[string]any) error {
		conf, _ := obj["confidence"].(float64)
		if conf < 0.5 {
			return fmt.Errorf("confidence %.2f below floor", conf)
		}
		return nil
	}
	_, _, err := c.GenerateJSON(context.Background(), TierMid, Request{Prompt: "validate"}, gate)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, int64(2), calls.Load(), "exactly one JSON-only retry")
}

func TestRateLimiterBucketDrains(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRateLimiter(rdb)
	// 6/min => burst of 1: first call allowed, second denied immediately
	ok, err := rl.Allow(context.Background(), "m", 6)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rl.Allow(context.Background(), "m", 6)
	require.NoError(t, err)
	require.False(t, ok)
}
