package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

func main() {
	var (
		force bool
		scan  bool
	)
	flag.BoolVar(&force, "force", false, "reindex every file instead of only new ones")
	flag.BoolVar(&scan, "scan", true, "scan the raw dir for new files before building")
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

	ctx := context.Background()
	started := time.Now()

	if scan {
		wh := warehouse.New(st, logger, cfg.RawDir())
		res, err := wh.ScanAndIndex(ctx)
		if err != nil {
			log.Fatalf("[rebuild_template_index] scan failed: %v", err)
		}
		log.Printf("[rebuild_template_index] scan: %d new files of %d total", res.NewFiles, res.TotalFiles)
	}

	tix := templateindex.NewBuilder(st, logger, cfg.DataDir,
		cfg.TemplateIndexWorkers, cfg.TemplateIndexConcurrency)
	res, err := tix.Build(ctx, force)
	if err != nil {
		log.Fatalf("[rebuild_template_index] build failed: %v", err)
	}
	log.Printf("[rebuild_template_index] done in %s: %d files indexed, %d failed, %d templates",
		time.Since(started).Round(time.Millisecond), res.FilesIndexed, res.FilesFailed, res.TemplatesFound)
}
