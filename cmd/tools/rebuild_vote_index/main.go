package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
)

func main() {
	var timeoutMin int
	flag.IntVar(&timeoutMin, "timeout-min", 30, "abort the build after this many minutes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := zap.NewNop()
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMin)*time.Minute)
	defer cancel()

	tix := templateindex.NewBuilder(st, logger, cfg.DataDir,
		cfg.TemplateIndexWorkers, cfg.TemplateIndexConcurrency)
	votes := governance.New(st, tix, cfg.LockDir(), logger)

	started := time.Now()
	res, err := votes.Build(ctx)
	if err != nil {
		log.Fatalf("[rebuild_vote_index] build failed: %v", err)
	}
	log.Printf("[rebuild_vote_index] done in %s: %d creates, %d terminals, %d rows written (%d files scanned, %d failed)",
		time.Since(started).Round(time.Millisecond),
		res.CreatesSeen, res.TerminalsSeen, res.RowsWritten, res.FilesScanned, res.FilesFailed)
	if res.UnknownOutcomes > 0 {
		log.Printf("[rebuild_vote_index] %d unknown outcome tags defaulted to executed", res.UnknownOutcomes)
	}
}
