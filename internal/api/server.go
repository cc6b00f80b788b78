// Package api exposes the local status and debug HTTP surface of the
// engine: trip state, upload stats, queue admin routes, and a backlog
// chart for eyeballing upload lag in the field.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/overland-data/tripline/internal/httputil"
	"github.com/overland-data/tripline/internal/monitoring"
	"github.com/overland-data/tripline/internal/queue"
	"github.com/overland-data/tripline/internal/trip"
	"github.com/overland-data/tripline/internal/version"
)

type Server struct {
	machine *trip.TripStateMachine
	store   *queue.Store
}

func NewServer(machine *trip.TripStateMachine, store *queue.Store) *Server {
	return &Server{
		machine: machine,
		store:   store,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/debug/backlog", s.handleBacklogChart)
	s.store.AttachAdminRoutes(mux)
	return mux
}

type stateResponse struct {
	State   string             `json:"state"`
	Stats   trip.TrackingStats `json:"stats"`
	Backlog int64              `json:"backlog"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	backlog, err := s.store.CountUnsent()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to count backlog: %v", err))
		return
	}

	httputil.WriteJSONOK(w, stateResponse{
		State:   s.machine.State().String(),
		Stats:   s.machine.Stats(),
		Backlog: backlog,
	})
}

// handleResume is the user-intent hook that ends a parked period.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.machine.Resume(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to resume: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"state": s.machine.State().String()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("queue db: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

// handleBacklogChart renders an HTML bar chart of unsent fixes per hour.
// Debugging-only endpoint (no auth) for spotting upload stalls without
// tailing logs.
func (s *Server) handleBacklogChart(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.store.BacklogByHour()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read backlog: %v", err))
		return
	}

	hours := make([]string, 0, len(buckets))
	counts := make([]opts.BarData, 0, len(buckets))
	for _, b := range buckets {
		hours = append(hours, time.UnixMilli(b.HourMS).UTC().Format("01-02 15:00"))
		counts = append(counts, opts.BarData{Value: b.Count})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Upload Backlog", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Unsent Fixes by Hour", Subtitle: fmt.Sprintf("buckets=%d", len(buckets))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "fix hour (UTC)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "unsent"}),
	)
	bar.SetXAxis(hours)
	bar.AddSeries("backlog", counts)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bar.Render(w); err != nil {
		monitoring.Logf("failed to render backlog chart: %v", err)
	}
}
