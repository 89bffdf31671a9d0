// Package api exposes the warehouse over HTTP: read endpoints for every
// projection, mutating endpoints for the engine and index builds, a
// websocket live tail and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/engine"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/intervals"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/rewards"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

type Server struct {
	cfg    *config.Config
	store  *store.Store
	wh     *warehouse.Warehouse
	tix    *templateindex.Builder
	votes  *governance.Indexer
	ivals  *intervals.Indexer
	coupon *rewards.Indexer
	engine *engine.Worker
	bus    *eventbus.Bus
	logger *zap.Logger

	hub     *hub
	httpSrv *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, wh *warehouse.Warehouse,
	tix *templateindex.Builder, votes *governance.Indexer, ivals *intervals.Indexer,
	coupon *rewards.Indexer, eng *engine.Worker, bus *eventbus.Bus, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		wh:     wh,
		tix:    tix,
		votes:  votes,
		ivals:  ivals,
		coupon: coupon,
		engine: eng,
		bus:    bus,
		logger: logger.Named("api"),
		hub:    newHub(bus, logger),
	}
	return s
}

// Start serves until the context ends, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.APIPort),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.Int("port", s.cfg.APIPort))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "1" || v == "true"
}

func queryTime(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s: %w", key, err)
	}
	return t.UTC(), nil
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}
