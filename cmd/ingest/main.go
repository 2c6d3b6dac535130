// The ingest binary bulk-imports normalized email records from a JSON file
// (or stdin) straight into the store and the phase 1 stream, bypassing the
// HTTP API. Used for mailbox backfills.
//
// Exit codes: 0 success, 1 invalid input, 2 store unavailable,
// 3 queue unavailable, 64 usage error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-intel/internal/chain"
	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/ingest"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/queue"
	"github.com/ignite/email-intel/internal/store"
)

const (
	exitOK    = 0
	exitInput = 1
	exitStore = 2
	exitQueue = 3
	exitUsage = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	file := flag.String("file", "-", "JSON array of records, or - for stdin")
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [-config path] [-file records.json]")
		return exitUsage
	}

	log := logger.Default().With("service", "email-intel-ingest")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		return exitUsage
	}

	recs, err := readRecords(*file)
	if err != nil {
		log.Error("cannot read records", "error", err.Error())
		return exitInput
	}
	if len(recs) == 0 {
		log.Error("no records in input")
		return exitInput
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	st, err := store.Open(cfg.Store.URL, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns,
		time.Duration(cfg.Store.ConnMaxLifeMins)*time.Minute)
	if err != nil {
		log.Error("store open failed", "error", err.Error())
		return exitStore
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Error("store unreachable", "error", err.Error())
		return exitStore
	}

	opts, err := redis.ParseURL(cfg.Queue.URL)
	if err != nil {
		log.Error("invalid queue url", "error", err.Error())
		return exitQueue
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("queue backend unreachable", "error", err.Error())
		return exitQueue
	}

	q := queue.New(rdb, cfg.Queue, log)
	chains := chain.New(st, rdb, cfg.Chain.ThresholdMid, cfg.Chain.ThresholdHigh, log)
	// No backpressure gate for backfills; the operator chose to load now.
	svc := ingest.New(st, chains, q, nil, cfg.Ingest, nil, log)

	var created, duplicates, rejected int
	for start := 0; start < len(recs); start += cfg.Ingest.BatchMaxRecords {
		end := start + cfg.Ingest.BatchMaxRecords
		if end > len(recs) {
			end = len(recs)
		}
		out, err := svc.IngestBatch(ctx, recs[start:end])
		if errors.Is(err, ingest.ErrInput) {
			log.Error("batch rejected", "error", err.Error())
			return exitInput
		}
		if err != nil {
			log.Error("batch failed", "error", err.Error())
			return exitStore
		}
		created += out.Created
		duplicates += out.Duplicates
		rejected += out.Rejected
		for _, be := range out.Errors {
			log.Warn("record rejected",
				"index", fmt.Sprintf("%d", start+be.Index), "reason", be.Reason)
		}
	}

	log.Info("import finished",
		"created", fmt.Sprintf("%d", created),
		"duplicates", fmt.Sprintf("%d", duplicates),
		"rejected", fmt.Sprintf("%d", rejected))
	if rejected > 0 && created == 0 && duplicates == 0 {
		return exitInput
	}
	return exitOK
}

func readRecords(path string) ([]*ingest.Record, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var recs []*ingest.Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	return recs, nil
}
