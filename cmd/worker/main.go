// The worker binary runs the per-phase pools and queue maintenance without
// the HTTP API. Run as many instances as throughput needs; the queue's
// leases and the chain locks keep them from stepping on each other. A
// minimal health listener serves liveness probes for the orchestrator.
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
	"github.com/ignite/email-intel/internal/chain"
	"github.com/ignite/email-intel/internal/config"
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
	healthPort := flag.Int("health-port", 8081, "port for /health/live and /metrics")
	flag.Parse()

	log := logger.Default().With("service", "email-intel-worker")

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

	opts, err := redis.ParseURL(cfg.Queue.URL)
	if err != nil {
		log.Error("invalid queue url", "error", err.Error())
		os.Exit(3)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	m := metrics.New()
	q := queue.New(rdb, cfg.Queue, log)
	llmClient := llm.New(cfg.LLM, rdb, log)
	llmClient.SetMetrics(m)
	llmClient.OnBreakerChange(m.SetBreakerOpen)
	chains := chain.New(st, rdb, cfg.Chain.ThresholdMid, cfg.Chain.ThresholdHigh, log)
	locks := func(key string) distlock.DistLock {
		return distlock.NewLock(rdb, st.DB(), key, 30*time.Second)
	}

	pool := worker.NewPool(q, []worker.Handler{
		worker.NewPhase1Handler(st, rules.NewEngine(cfg.Chain.CustomerDomains), chains, q, locks, m, log),
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

	pool.Start(ctx)
	recovery.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"alive"}`)
	})
	mux.Handle("/metrics", m.Handler())
	healthSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *healthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go healthSrv.ListenAndServe()

	log.Info("worker started",
		"phase1", fmt.Sprintf("%d", cfg.Workers.Phase1),
		"phase2", fmt.Sprintf("%d", cfg.Workers.Phase2),
		"phase3", fmt.Sprintf("%d", cfg.Workers.Phase3))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	healthSrv.Shutdown(shutdownCtx)
	recovery.Stop()
	pool.Stop()
	log.Info("worker stopped")
}
