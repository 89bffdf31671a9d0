package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

func main() {
	var fileID int64
	flag.Int64Var(&fileID, "file-id", 0, "file id to reset back to pending (required)")
	flag.Parse()

	if fileID <= 0 {
		log.Fatal("-file-id is required")
	}

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
	wh := warehouse.New(st, logger, cfg.RawDir())

	f, err := wh.GetFile(ctx, fileID)
	if err != nil {
		log.Fatalf("[reset_file] lookup failed: %v", err)
	}
	log.Printf("[reset_file] resetting file %d (%s, ingested=%v)", f.FileID, f.Path, f.Ingested)

	if err := wh.ResetFile(ctx, fileID); err != nil {
		log.Fatalf("[reset_file] reset failed: %v", err)
	}
	log.Printf("[reset_file] file %d is pending again; derived rows purged, next cycle re-ingests it", fileID)
}
