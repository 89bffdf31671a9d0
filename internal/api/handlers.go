package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/engine"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/governance"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/rewards"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.wh.GetFileStats(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.wh.GetPendingFileCount(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tixState, err := s.tix.GetState(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"engine":         s.engine.Status(),
		"files":          stats,
		"pending_files":  pending,
		"template_index": tixState,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.wh.ListFiles(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathInt64(r, "file_id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad file_id")
		return
	}
	f, err := s.wh.GetFile(r.Context(), fileID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if f == nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.wh.GetEventTypeCounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"event_type_counts": counts})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	threshold := s.cfg.GapThreshold
	if ms := queryInt(r, "threshold_ms", 0); ms > 0 {
		threshold = time.Duration(ms) * time.Millisecond
	}
	gaps, err := s.wh.ScanGaps(r.Context(), threshold)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps, "count": len(gaps)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f := warehouse.EventFilter{
		Template:  r.URL.Query().Get("template"),
		EventType: r.URL.Query().Get("type"),
		Limit:     queryInt(r, "limit", 100),
	}
	if cursor, err := queryTime(r, "cursor", time.Time{}); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if !cursor.IsZero() {
		f.Cursor = &cursor
	}

	events, next, err := s.wh.StreamEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"events": events, "count": len(events)}
	if next != nil {
		resp["next_cursor"] = next.Format(time.RFC3339Nano)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.wh.CountEvents(r.Context(),
		r.URL.Query().Get("template"), r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleTemplateIndexStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.tix.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":    state,
		"building": s.tix.InProgress(),
		"progress": s.tix.Progress(),
	})
}

func (s *Server) handleTemplateIndexTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.tix.GetIndexedTemplates(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

func (s *Server) handleTemplateIndexFiles(w http.ResponseWriter, r *http.Request) {
	template := r.URL.Query().Get("template")
	if template == "" {
		s.writeError(w, http.StatusBadRequest, "template query parameter required")
		return
	}
	files, err := s.tix.GetFilesForTemplate(r.Context(), template)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	rows, err := s.votes.QueryCanonicalProposals(r.Context(), r.URL.Query().Get("status"),
		queryBool(r, "human_only"), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposals": rows, "count": len(rows)})
}

func (s *Server) handleVoteRequests(w http.ResponseWriter, r *http.Request) {
	rows, err := s.votes.ListVoteRequests(r.Context(), governance.ListFilter{
		Status:    r.URL.Query().Get("status"),
		HumanOnly: queryBool(r, "human_only"),
		ActionTag: r.URL.Query().Get("action_tag"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vote_requests": rows, "count": len(rows)})
}

func (s *Server) handleProposalTimeline(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("semantic_key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "semantic_key query parameter required")
		return
	}
	rows, err := s.votes.QueryProposalTimeline(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"timeline": rows, "count": len(rows)})
}

func (s *Server) handleProposalCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.votes.StatusCounts(r.Context(), queryBool(r, "human_only"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleVoteBuildStatus(w http.ResponseWriter, r *http.Request) {
	build, err := s.votes.LatestBuild(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"building":   s.votes.Building(),
		"last_build": build,
	})
}

func (s *Server) handleActiveSvs(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at", time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	svs, err := s.ivals.ListActiveSvsAt(r.Context(), at)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"at": at, "svs": svs, "count": len(svs)})
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at", time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	th, err := s.ivals.ThresholdsAt(r.Context(), at)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleSvIntervals(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ivals.RecentSvIntervals(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"intervals": rows, "count": len(rows)})
}

func (s *Server) handleSvTimeline(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ivals.SvTimeline(r.Context(), mux.Vars(r)["party"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"timeline": rows, "count": len(rows)})
}

func (s *Server) handleCoupons(w http.ResponseWriter, r *http.Request) {
	f := rewards.ListFilter{
		CouponType:  r.URL.Query().Get("type"),
		Beneficiary: r.URL.Query().Get("beneficiary"),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("round"); v != "" {
		round := int64(queryInt(r, "round", 0))
		f.Round = &round
	}
	rows, err := s.coupon.ListCoupons(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"coupons": rows, "count": len(rows)})
}

func (s *Server) handleBeneficiaries(w http.ResponseWriter, r *http.Request) {
	rows, err := s.coupon.SummarizeBeneficiaries(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"beneficiaries": rows, "count": len(rows)})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.wh.ScanAndIndex(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	res, err := s.wh.IngestNewFiles(r.Context(), queryInt(r, "max_files", s.cfg.FilesPerCycle))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunCycle(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleResetFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := pathInt64(r, "file_id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad file_id")
		return
	}
	if err := s.wh.ResetFile(r.Context(), fileID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("file reset via api", zap.Int64("file_id", fileID))
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": fileID})
}

// Builds outlive the request, so they run on a detached context and only
// stop with the process.
func (s *Server) handleTemplateIndexBuild(w http.ResponseWriter, r *http.Request) {
	s.scheduleBuild(w, s.engine.BuildTemplateIndex(context.Background(), queryBool(r, "force")))
}

func (s *Server) handleVoteIndexBuild(w http.ResponseWriter, r *http.Request) {
	s.scheduleBuild(w, s.engine.BuildVoteIndex(context.Background()))
}

func (s *Server) handleIntervalsBuild(w http.ResponseWriter, r *http.Request) {
	s.scheduleBuild(w, s.engine.BuildIntervals(context.Background()))
}

func (s *Server) handleRewardsBuild(w http.ResponseWriter, r *http.Request) {
	s.scheduleBuild(w, s.engine.BuildRewards(context.Background()))
}

func (s *Server) scheduleBuild(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrTaskRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
