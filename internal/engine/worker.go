// Package engine drives the warehouse: a periodic cycle of scan, ingest and
// aggregate, with long index builds supervised in the background.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/config"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/intervals"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/rewards"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

// Supervised task names.
const (
	TaskTemplateIndex = "template_index_build"
	TaskVoteIndex     = "vote_index_build"
	TaskSvIntervals   = "sv_intervals_build"
	TaskDsoIntervals  = "dso_rules_intervals_build"
	TaskRewards       = "reward_coupons_build"
)

// CycleResult summarizes one engine cycle.
type CycleResult struct {
	StartedAt    time.Time            `json:"started_at"`
	Took         time.Duration        `json:"took_ns"`
	Skipped      bool                 `json:"skipped,omitempty"`
	Scan         *models.ScanResult   `json:"scan,omitempty"`
	Ingest       *models.IngestResult `json:"ingest,omitempty"`
	Aggregations map[string]any       `json:"aggregations,omitempty"`
	GapCount     int                  `json:"gap_count"`
	Error        string               `json:"error,omitempty"`
}

// Worker owns the cycle loop. One instance per process.
type Worker struct {
	cfg    *config.Config
	wh     *warehouse.Warehouse
	tix    *templateindex.Builder
	votes  *governance.Indexer
	ivals  *intervals.Indexer
	coupon *rewards.Indexer
	sup    *Supervisor
	bus    *eventbus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	running    bool
	cycleCount int64
	lastCycle  *CycleResult
	lastGaps   []models.Gap
}

func NewWorker(cfg *config.Config, wh *warehouse.Warehouse, tix *templateindex.Builder,
	votes *governance.Indexer, ivals *intervals.Indexer, coupon *rewards.Indexer,
	bus *eventbus.Bus, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		wh:     wh,
		tix:    tix,
		votes:  votes,
		ivals:  ivals,
		coupon: coupon,
		sup:    NewSupervisor(logger, bus),
		bus:    bus,
		logger: logger.Named("engine"),
	}
}

// Supervisor exposes the background task registry for the API.
func (w *Worker) Supervisor() *Supervisor { return w.sup }

// Start runs the startup builds, one immediate cycle, then the ticker loop
// until the context ends.
func (w *Worker) Start(ctx context.Context) {
	w.startupBuilds(ctx)

	if _, err := w.RunCycle(ctx); err != nil {
		w.logger.Error("initial cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.cfg.EngineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("engine stopping")
			w.sup.Wait()
			return
		case <-ticker.C:
			if _, err := w.RunCycle(ctx); err != nil {
				w.logger.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// startupBuilds brings the template index up to date in the background, then
// builds the vote projection once, if it has never been built.
func (w *Worker) startupBuilds(ctx context.Context) {
	err := w.sup.Start(ctx, TaskTemplateIndex, func(ctx context.Context) error {
		if _, err := w.tix.Build(ctx, false); err != nil {
			return err
		}
		if !w.cfg.VoteIndexBuildOnStartup {
			return nil
		}
		counts, err := w.votes.StatusCounts(ctx, false)
		if err != nil || len(counts) > 0 {
			return err
		}
		return w.sup.Start(ctx, TaskVoteIndex, func(ctx context.Context) error {
			_, err := w.votes.Build(ctx)
			return err
		})
	})
	if err != nil {
		w.logger.Warn("startup build not scheduled", zap.Error(err))
	}
}

// RunCycle executes one scan/ingest/aggregate pass. Overlapping calls are
// rejected with a skipped result rather than queued.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return &CycleResult{StartedAt: time.Now().UTC(), Skipped: true}, nil
	}
	w.running = true
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	res := &CycleResult{StartedAt: time.Now().UTC()}
	err := w.runPhases(ctx, cycle, res)
	res.Took = time.Since(res.StartedAt)
	if err != nil {
		res.Error = err.Error()
		cycleErrors.Inc()
	}
	cyclesTotal.Inc()
	cycleDuration.Observe(res.Took.Seconds())

	w.mu.Lock()
	w.running = false
	w.lastCycle = res
	w.mu.Unlock()

	w.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleComplete, Data: res})
	return res, err
}

func (w *Worker) runPhases(ctx context.Context, cycle int64, res *CycleResult) error {
	phase := func(fn func(context.Context) error) error {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.CycleTimeout)
		defer cancel()
		return fn(pctx)
	}

	if err := phase(func(ctx context.Context) error {
		scan, err := w.wh.ScanAndIndex(ctx)
		res.Scan = scan
		return err
	}); err != nil {
		return err
	}

	if err := phase(func(ctx context.Context) error {
		ingest, err := w.wh.IngestNewFiles(ctx, w.cfg.FilesPerCycle)
		res.Ingest = ingest
		if ingest != nil {
			filesIngested.Add(float64(ingest.Ingested))
			recordsIngested.Add(float64(ingest.Records))
			if ingest.Ingested > 0 {
				w.bus.Publish(eventbus.Event{Type: eventbus.TypeFileIngested, Data: ingest})
			}
		}
		return err
	}); err != nil {
		return err
	}

	if res.Ingest != nil && res.Ingest.Ingested > 0 {
		if err := phase(func(ctx context.Context) error {
			res.Aggregations = w.wh.UpdateAllAggregations(ctx)
			return nil
		}); err != nil {
			return err
		}
	}

	if w.cfg.GapCheckInterval > 0 && cycle%int64(w.cfg.GapCheckInterval) == 0 {
		if err := phase(func(ctx context.Context) error {
			gaps, err := w.wh.ScanGaps(ctx, w.cfg.GapThreshold)
			if err != nil {
				return err
			}
			res.GapCount = len(gaps)
			gapsDetected.Set(float64(len(gaps)))
			w.mu.Lock()
			w.lastGaps = gaps
			w.mu.Unlock()
			for _, g := range gaps {
				w.bus.Publish(eventbus.Event{Type: eventbus.TypeGapDetected, Data: g})
			}
			if len(gaps) > 0 {
				w.logger.Warn("time gaps detected", zap.Int("count", len(gaps)))
				if w.cfg.AutoRecoverGaps {
					// Gaps usually mean late-arriving files. Rescan so the
					// next ingest phase picks them up; no remote backfill.
					if scan, err := w.wh.ScanAndIndex(ctx); err != nil {
						w.logger.Warn("gap recovery scan failed", zap.Error(err))
					} else if scan.NewFiles > 0 {
						w.logger.Info("gap recovery found new files", zap.Int("new_files", scan.NewFiles))
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// BuildTemplateIndex schedules a supervised template index build.
func (w *Worker) BuildTemplateIndex(ctx context.Context, force bool) error {
	return w.sup.Start(ctx, TaskTemplateIndex, func(ctx context.Context) error {
		_, err := w.tix.Build(ctx, force)
		return err
	})
}

// BuildVoteIndex schedules a supervised vote projection build.
func (w *Worker) BuildVoteIndex(ctx context.Context) error {
	return w.sup.Start(ctx, TaskVoteIndex, func(ctx context.Context) error {
		_, err := w.votes.Build(ctx)
		return err
	})
}

// BuildIntervals schedules both interval projections.
func (w *Worker) BuildIntervals(ctx context.Context) error {
	if err := w.sup.Start(ctx, TaskSvIntervals, func(ctx context.Context) error {
		_, err := w.ivals.BuildSvIntervals(ctx)
		return err
	}); err != nil {
		return err
	}
	return w.sup.Start(ctx, TaskDsoIntervals, func(ctx context.Context) error {
		_, err := w.ivals.BuildDsoRulesIntervals(ctx)
		return err
	})
}

// BuildRewards schedules the reward coupon projection build.
func (w *Worker) BuildRewards(ctx context.Context) error {
	return w.sup.Start(ctx, TaskRewards, func(ctx context.Context) error {
		_, err := w.coupon.Build(ctx)
		return err
	})
}

// Status is the engine snapshot served by the API.
type Status struct {
	Running    bool         `json:"cycle_running"`
	CycleCount int64        `json:"cycle_count"`
	LastCycle  *CycleResult `json:"last_cycle,omitempty"`
	Gaps       []models.Gap `json:"gaps,omitempty"`
	Tasks      []Task       `json:"tasks"`
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Running:    w.running,
		CycleCount: w.cycleCount,
		LastCycle:  w.lastCycle,
		Gaps:       w.lastGaps,
		Tasks:      w.sup.Snapshot(),
	}
}
