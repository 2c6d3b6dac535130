// The server binary runs the full pipeline in one process: HTTP API,
// ingest port, per-phase worker pools, and queue maintenance. Use
// cmd/worker to scale the worker side out separately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-intel/internal/analyzer"
	"github.com/ignite/email-intel/internal/api"
	"github.com/ignite/email-intel/internal/chain"
	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/ingest"
	"github.com/ignite/email-intel/internal/llm"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/distlock"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/queue"
	"github.com/ignite/email-intel/internal/rules"
	"github.com/ignite/email-intel/internal/store"
	"github.com/ignite/email-intel/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	log := logger.Default().With("service", "email-intel")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.URL, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns,
		time.Duration(cfg.Store.ConnMaxLifeMins)*time.Minute)
	if err != nil {
		log.Error("store open failed", "error", err.Error())
		os.Exit(2)
	}
	defer st.Close()
	if err := pingWithTimeout(ctx, st.Ping); err != nil {
		log.Error("store unreachable", "error", err.Error())
		os.Exit(2)
	}

	opts, err := redis.ParseURL(cfg.Queue.URL)
	if err != nil {
		log.Error("invalid queue url", "error", err.Error())
		os.Exit(3)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := pingWithTimeout(ctx, func(c context.Context) error { return rdb.Ping(c).Err() }); err != nil {
		log.Error("queue backend unreachable", "error", err.Error())
		os.Exit(3)
	}

	m := metrics.New()
	q := queue.New(rdb, cfg.Queue, log)
	llmClient := llm.New(cfg.LLM, rdb, log)
	llmClient.SetMetrics(m)
	llmClient.OnBreakerChange(m.SetBreakerOpen)
	chains := chain.New(st, rdb, cfg.Chain.ThresholdMid, cfg.Chain.ThresholdHigh, log)
	engine := rules.NewEngine(cfg.Chain.CustomerDomains)
	locks := func(key string) distlock.DistLock {
		return distlock.NewLock(rdb, st.DB(), key, 30*time.Second)
	}

	pool := worker.NewPool(q, []worker.Handler{
		worker.NewPhase1Handler(st, engine, chains, q, locks, m, log),
		worker.NewPhase2Handler(st, analyzer.NewPhase2(llmClient, log), q, m, log),
		worker.NewPhase3Handler(st, analyzer.NewPhase3(llmClient, log), m, log),
	}, worker.PoolConfig{
		Concurrency: map[int]int{1: cfg.Workers.Phase1, 2: cfg.Workers.Phase2, 3: cfg.Workers.Phase3},
		Timeouts: map[int]time.Duration{
			1: time.Minute,
			2: 3 * cfg.LLM.MidTimeout(),
			3: 3 * cfg.LLM.HighTimeout(),
		},
		DrainWindow: cfg.Workers.DrainWindow(),
	}, m, log)

	recovery := worker.NewRecovery(q, []int{1, 2, 3}, 30*time.Second, m, log)
	gate := worker.NewBackpressure(func(c context.Context) (int64, error) {
		return q.Depth(c, 1)
	}, cfg.Queue.HighWaterMark, log)

	ing := ingest.New(st, chains, q, gate, cfg.Ingest, m, log)
	srv := api.New(st, ing, q, llmClient, pool, m, log)

	pool.Start(ctx)
	recovery.Start(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Info("server started", "addr", httpServer.Addr)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err.Error())
	}
	recovery.Stop()
	pool.Stop()
	log.Info("server stopped")
}

func pingWithTimeout(ctx context.Context, ping func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ping(ctx)
}
