package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the full route tree with rate limiting on everything and
// admin auth on the mutating endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	registerReadRoutes(v1, s)
	registerMutatingRoutes(v1, s)
	return r
}

func registerReadRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/files", s.handleListFiles).Methods("GET", "OPTIONS")
	r.HandleFunc("/files/{file_id}", s.handleGetFile).Methods("GET", "OPTIONS")
	r.HandleFunc("/stats", s.handleStats).Methods("GET", "OPTIONS")
	r.HandleFunc("/gaps", s.handleGaps).Methods("GET", "OPTIONS")
	r.HandleFunc("/events", s.handleEvents).Methods("GET", "OPTIONS")
	r.HandleFunc("/events/count", s.handleEventCount).Methods("GET", "OPTIONS")

	r.HandleFunc("/template-index/status", s.handleTemplateIndexStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/template-index/templates", s.handleTemplateIndexTemplates).Methods("GET", "OPTIONS")
	r.HandleFunc("/template-index/files", s.handleTemplateIndexFiles).Methods("GET", "OPTIONS")

	r.HandleFunc("/governance/proposals", s.handleProposals).Methods("GET", "OPTIONS")
	r.HandleFunc("/governance/vote-requests", s.handleVoteRequests).Methods("GET", "OPTIONS")
	r.HandleFunc("/governance/timeline", s.handleProposalTimeline).Methods("GET", "OPTIONS")
	r.HandleFunc("/governance/counts", s.handleProposalCounts).Methods("GET", "OPTIONS")
	r.HandleFunc("/governance/build-status", s.handleVoteBuildStatus).Methods("GET", "OPTIONS")

	r.HandleFunc("/sv/active", s.handleActiveSvs).Methods("GET", "OPTIONS")
	r.HandleFunc("/sv/intervals", s.handleSvIntervals).Methods("GET", "OPTIONS")
	r.HandleFunc("/sv/thresholds", s.handleThresholds).Methods("GET", "OPTIONS")
	r.HandleFunc("/sv/timeline/{party}", s.handleSvTimeline).Methods("GET", "OPTIONS")

	r.HandleFunc("/rewards/coupons", s.handleCoupons).Methods("GET", "OPTIONS")
	r.HandleFunc("/rewards/beneficiaries", s.handleBeneficiaries).Methods("GET", "OPTIONS")

	r.HandleFunc("/live", s.handleLive).Methods("GET", "OPTIONS")
}

func registerMutatingRoutes(r *mux.Router, s *Server) {
	auth := s.adminAuth

	mutating := []struct {
		path    string
		handler http.HandlerFunc
	}{
		{"/scan", s.handleScan},
		{"/ingest", s.handleIngest},
		{"/cycle", s.handleCycle},
		{"/reset/{file_id}", s.handleResetFile},
		{"/template-index/build", s.handleTemplateIndexBuild},
		{"/governance/build", s.handleVoteIndexBuild},
		{"/intervals/build", s.handleIntervalsBuild},
		{"/rewards/build", s.handleRewardsBuild},
	}
	for _, m := range mutating {
		r.Handle(m.path, auth(m.handler)).Methods("POST", "OPTIONS")
	}
}
