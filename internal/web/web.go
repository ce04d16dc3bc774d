package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turnover/internal/alert"
	"turnover/internal/caldate"
	"turnover/internal/engine"
	appLog "turnover/internal/log"
	"turnover/internal/model"
)

// Engine is the part of *engine.Engine the HTTP API drives.
type Engine interface {
	Properties() []model.Property
	Bookings(propertyID string) []model.Booking
	AllBookings() []model.Booking
	Pending() []model.CleaningStatus
	PendingAlerts(ctx context.Context) (int, error)
	SetStatus(propertyID string, date time.Time, bookingID string, st model.Status) error
	IsCleaningActive(propertyID string, date time.Time) bool
	ExportCalendar() string
	Refresh(ctx context.Context) (engine.RefreshResult, error)
	AlertSettings() (caldate.TimeOfDay, bool)
	SetAlertSettings(ctx context.Context, at caldate.TimeOfDay, enabled bool) (alert.Result, error)
}

// exportCacheTTL bounds how stale /api/cleaning.ics may be. Writes through
// this server drop the cache immediately.
const exportCacheTTL = 30 * time.Second

// Server provides the local HTTP API for the host UI.
type Server struct {
	engine Engine
	loc    *time.Location
	now    func() time.Time
	mux    *http.ServeMux

	// In-memory cache for the exported calendar to avoid re-rendering on
	// every calendar client poll.
	exportMu    sync.RWMutex
	exportCache *exportCache
}

type exportCache struct {
	body      string
	updatedAt time.Time
}

// NewServer constructs a new Server. A nil gatherer disables /metrics.
func NewServer(eng Engine, gatherer prometheus.Gatherer, loc *time.Location) *Server {
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		engine: eng,
		loc:    loc,
		now:    time.Now,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes(gatherer)
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, listen string, s *Server) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /api/bookings", s.handleBookings)
	s.mux.HandleFunc("GET /api/pending", s.handlePending)
	s.mux.HandleFunc("POST /api/status", s.handleSetStatus)
	s.mux.HandleFunc("GET /api/active", s.handleActive)
	s.mux.HandleFunc("GET /api/cleaning.ics", s.handleExport)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/alerts", s.handleGetAlerts)
	s.mux.HandleFunc("PUT /api/alerts", s.handlePutAlerts)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type bookingsResponse struct {
	Bookings []model.Booking `json:"bookings"`
}

// handleBookings returns cached bookings, for one property or all of them.
//
// GET /api/bookings?property=ID
func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("property"))
	if id == "" {
		writeJSON(w, http.StatusOK, bookingsResponse{Bookings: nonNil(s.engine.AllBookings())})
		return
	}
	if !s.knownProperty(id) {
		writeError(w, http.StatusNotFound, "unknown property")
		return
	}
	writeJSON(w, http.StatusOK, bookingsResponse{Bookings: nonNil(s.engine.Bookings(id))})
}

type pendingResponse struct {
	Pending       []model.CleaningStatus `json:"pending"`
	Count         int                    `json:"count"`
	AlertsPending int                    `json:"alerts_pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.Pending()
	if pending == nil {
		pending = []model.CleaningStatus{}
	}
	alerts, err := s.engine.PendingAlerts(r.Context())
	if err != nil {
		appLog.Error("pending alerts unavailable", err)
	}
	writeJSON(w, http.StatusOK, pendingResponse{Pending: pending, Count: len(pending), AlertsPending: alerts})
}

type statusRequest struct {
	Property  string `json:"property"`
	Date      string `json:"date"`
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

type statusResponse struct {
	Property string       `json:"property"`
	Date     string       `json:"date"`
	Status   model.Status `json:"status"`
}

// handleSetStatus records cleaning progress.
//
// POST /api/status {"property": "...", "date": "YYYY-MM-DD", "booking_id": "...", "status": "done"}
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	day, err := caldate.ParseDay(req.Date, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	st, err := model.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Property = strings.TrimSpace(req.Property)
	if err := s.engine.SetStatus(req.Property, day, req.BookingID, st); err != nil {
		if errors.Is(err, engine.ErrUnknownProperty) {
			writeError(w, http.StatusNotFound, "unknown property")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dropExportCache()

	writeJSON(w, http.StatusOK, statusResponse{Property: req.Property, Date: day.Format(caldate.DayLayout), Status: st})
}

type activeResponse struct {
	Property string `json:"property"`
	Date     string `json:"date"`
	Active   bool   `json:"active"`
}

// handleActive reports whether a day is inside a turnover gap.
//
// GET /api/active?property=ID&date=YYYY-MM-DD (date defaults to today)
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("property"))
	if !s.knownProperty(id) {
		writeError(w, http.StatusNotFound, "unknown property")
		return
	}

	day := caldate.Day(s.now(), s.loc)
	if raw := q.Get("date"); raw != "" {
		d, err := caldate.ParseDay(raw, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}

	writeJSON(w, http.StatusOK, activeResponse{
		Property: id,
		Date:     day.Format(caldate.DayLayout),
		Active:   s.engine.IsCleaningActive(id, day),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	now := s.now()

	s.exportMu.RLock()
	ec := s.exportCache
	s.exportMu.RUnlock()

	body := ""
	if ec != nil && now.Sub(ec.updatedAt) < exportCacheTTL {
		body = ec.body
	} else {
		body = s.engine.ExportCalendar()
		s.exportMu.Lock()
		s.exportCache = &exportCache{body: body, updatedAt: now}
		s.exportMu.Unlock()
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="cleaning.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

type refreshResponse struct {
	Bookings        int `json:"bookings"`
	TasksCreated    int `json:"tasks_created"`
	AlertsScheduled int `json:"alerts_scheduled"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Refresh(r.Context())
	if err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	s.dropExportCache()
	writeJSON(w, http.StatusOK, refreshResponse{
		Bookings:        res.Bookings,
		TasksCreated:    res.Tasks.Created,
		AlertsScheduled: res.Alerts.Scheduled,
	})
}

type alertSettings struct {
	Time    string `json:"time"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, _ *http.Request) {
	at, enabled := s.engine.AlertSettings()
	writeJSON(w, http.StatusOK, alertSettings{Time: at.String(), Enabled: enabled})
}

// handlePutAlerts changes the reminder time or toggle and reschedules.
//
// PUT /api/alerts {"time": "HH:MM", "enabled": true}
func (s *Server) handlePutAlerts(w http.ResponseWriter, r *http.Request) {
	var req alertSettings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	at, err := caldate.ParseTimeOfDay(req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.engine.SetAlertSettings(r.Context(), at, req.Enabled); err != nil && !errors.Is(err, alert.ErrSuperseded) {
		appLog.Error("api alert settings failed", err)
		writeError(w, http.StatusInternalServerError, "rescheduling failed")
		return
	}
	writeJSON(w, http.StatusOK, alertSettings{Time: at.String(), Enabled: req.Enabled})
}

// knownProperty expects an already trimmed id.
func (s *Server) knownProperty(id string) bool {
	if id == "" {
		return false
	}
	for _, p := range s.engine.Properties() {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) dropExportCache() {
	s.exportMu.Lock()
	s.exportCache = nil
	s.exportMu.Unlock()
}

func nonNil(bs []model.Booking) []model.Booking {
	if bs == nil {
		return []model.Booking{}
	}
	return bs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
