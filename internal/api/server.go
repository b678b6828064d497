package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
)

// Controller is the part of the scheduler the API drives
type Controller interface {
	RequestSync(acct string, services []string, immediate, allowMetered bool) error
	Cancel(acct string, services []string) error
	CancelAll() error
	OnChangeNotification(service, source string)
	OnConnectivityChanged(state network.State) error
	Stats() (scheduler.Stats, error)
	Accounts() ([]scheduler.AccountInfo, error)
	Subscribe(sub scheduler.Subscriber)
}

// RunHistory lists recorded runs
type RunHistory interface {
	ListSyncRuns(filter db.RunFilter) ([]*db.SyncRun, error)
}

// PeriodHistory lists scheduler period summaries. A RunHistory that also
// implements it enables GET /api/periods.
type PeriodHistory interface {
	ListPeriodStats(limit int) ([]*db.PeriodStats, error)
}

const maxRunsLimit = 500

// Server exposes the scheduler over HTTP and a websocket event stream
type Server struct {
	controller Controller
	history    RunHistory
	hub        *Hub
	logger     *slog.Logger
	router     *mux.Router
	http       *http.Server
}

// NewServer wires the routes and subscribes the event hub. history may be nil.
func NewServer(controller Controller, history RunHistory, logger *slog.Logger) *Server {
	s := &Server{
		controller: controller,
		history:    history,
		hub:        NewHub(logger),
		logger:     logger,
	}
	controller.Subscribe(s.hub.Publish)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/accounts", s.handleAccounts).Methods("GET")
	api.HandleFunc("/runs", s.handleRuns).Methods("GET")
	api.HandleFunc("/periods", s.handlePeriods).Methods("GET")

	api.HandleFunc("/sync", s.handleSync).Methods("POST")
	api.HandleFunc("/accounts/{id}/sync", s.handleAccountSync).Methods("POST")
	api.HandleFunc("/cancel", s.handleCancelAll).Methods("POST")
	api.HandleFunc("/accounts/{id}/cancel", s.handleAccountCancel).Methods("POST")
	api.HandleFunc("/changes", s.handleChange).Methods("POST")
	api.HandleFunc("/connectivity", s.handleConnectivity).Methods("POST")

	api.HandleFunc("/ws/events", s.hub.ServeWS).Methods("GET")

	// The subrouter reports method mismatches itself; without a handler it
	// falls through to a 404
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	router.NotFoundHandler = http.HandlerFunc(handleNotFound)

	router.Use(s.logRequests)
	return router
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control API listening", "addr", addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes event streams and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.controller.Stats(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Stats()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	accounts, err := s.controller.Accounts()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(st, accounts))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.controller.Accounts()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountsJSON(accounts))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := db.RunFilter{
		Account: q.Get("account"),
		Service: q.Get("service"),
		Outcome: q.Get("outcome"),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxRunsLimit)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}

	runs, err := s.history.ListSyncRuns(filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]RunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	periods, ok := s.history.(PeriodHistory)
	if !ok {
		writeError(w, http.StatusNotFound, "period stats are not enabled")
		return
	}

	limit := 12
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	list, err := periods.ListPeriodStats(limit)
	if err != nil {
		s.logger.Error("failed to list period stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list period stats")
		return
	}

	out := make([]PeriodJSON, 0, len(list))
	for _, p := range list {
		out = append(out, toPeriodJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Account != "" && !s.knownAccount(w, req.Account) {
		return
	}
	s.requestSync(w, req)
}

func (s *Server) handleAccountSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	req.Account = mux.Vars(r)["id"]
	if !s.knownAccount(w, req.Account) {
		return
	}
	s.requestSync(w, req)
}

func (s *Server) requestSync(w http.ResponseWriter, req SyncRequest) {
	if err := s.controller.RequestSync(req.Account, req.Services, req.Immediate, req.AllowMetered); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.CancelAll(); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceled"})
}

func (s *Server) handleAccountCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if !s.knownAccount(w, id) {
		return
	}
	if err := s.controller.Cancel(id, req.Services); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceled"})
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	s.controller.OnChangeNotification(req.Service, req.Source)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "noted"})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	state, err := network.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.OnConnectivityChanged(state); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": state.String()})
}

// knownAccount writes a 404 and returns false for unknown accounts
func (s *Server) knownAccount(w http.ResponseWriter, id string) bool {
	accounts, err := s.controller.Accounts()
	if err != nil {
		s.writeControllerError(w, err)
		return false
	}
	for _, a := range accounts {
		if a.ID == id {
			return true
		}
	}
	writeError(w, http.StatusNotFound, "unknown account: "+id)
	return false
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scheduler.ErrInboxFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("scheduler request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeOptional decodes a JSON body if one was sent
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
