// The migrate binary applies the store schema and exits. Safe to run
// repeatedly; the schema statements are idempotent.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	log := logger.Default().With("service", "email-intel-migrate")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.URL, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns,
		time.Duration(cfg.Store.ConnMaxLifeMins)*time.Minute)
	if err != nil {
		log.Error("store open failed", "error", err.Error())
		os.Exit(2)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		log.Error("store unreachable", "error", err.Error())
		os.Exit(2)
	}
	if err := st.Migrate(ctx); err != nil {
		log.Error("migration failed", "error", err.Error())
		os.Exit(2)
	}
	log.Info("schema applied")
}
