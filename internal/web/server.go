package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/lpbond/internal/auditor"
	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/state"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
	"github.com/elys-network/lpbond/internal/vault"
)

var webLogger = logger.GetForComponent("web_server")

// Books is the read side of the bonding controller served over HTTP.
type Books interface {
	Stats() bonding.Stats
	Bond(id types.BondID, block int64) (bonding.BondView, error)
	BondsOf(owner string, block int64) []bonding.BondView
	PendingReward(id types.BondID) (sdkmath.Int, error)
	PreviewPendingReward(ctx context.Context, id types.BondID) (sdkmath.Int, error)
	Params() types.BondingParameters
	LegacyPosition(id uint64) (types.LegacyPosition, error)
	Halted() map[types.BondID]string
	CurrentBlock(ctx context.Context) (int64, error)
	CheckInvariants(ctx context.Context) (bonding.InvariantReport, error)
	QuoteReset(ctx context.Context, amount sdkmath.Int, assetIndex int) (sdkmath.Int, error)
}

// Store is the persisted history. Without one the history endpoints answer 503.
type Store interface {
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context, f state.EventFilter) ([]state.StoredEvent, error)
	RecentAuditReports(ctx context.Context, limit int) ([]state.AuditReport, error)
	GetSummary(ctx context.Context) (state.Summary, error)
}

// PoolSource describes the pool the bonded LP belongs to.
type PoolSource interface {
	PoolInfo(ctx context.Context) (vault.PoolInfo, error)
}

// Audits exposes the auditor's latest result.
type Audits interface {
	Last() (auditor.Result, bool)
}

// Config wires the server. Only Books is required.
type Config struct {
	Port     string
	Books    Books
	Store    Store
	Audits   Audits
	Pool     PoolSource
	Gatherer prometheus.Gatherer
}

// WebServer serves the bonding read API and /metrics.
type WebServer struct {
	router  *mux.Router
	port    string
	books   Books
	store   Store
	audits  Audits
	pool    PoolSource
	started time.Time
	server  *http.Server
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) (*WebServer, error) {
	if cfg.Books == nil {
		return nil, errors.New("books cannot be nil")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	ws := &WebServer{
		router:  mux.NewRouter(),
		port:    cfg.Port,
		books:   cfg.Books,
		store:   cfg.Store,
		audits:  cfg.Audits,
		pool:    cfg.Pool,
		started: time.Now(),
	}
	ws.setupRoutes(cfg.Gatherer)
	return ws, nil
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes(gatherer prometheus.Gatherer) {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/stats", ws.handleGetStats).Methods("GET")
	api.HandleFunc("/params", ws.handleGetParams).Methods("GET")
	api.HandleFunc("/bonds/{id:[0-9]+}", ws.handleGetBond).Methods("GET")
	api.HandleFunc("/bonds/{id:[0-9]+}/pending", ws.handleGetPending).Methods("GET")
	api.HandleFunc("/owners/{address}/bonds", ws.handleGetOwnerBonds).Methods("GET")
	api.HandleFunc("/legacy/{id:[0-9]+}", ws.handleGetLegacy).Methods("GET")
	api.HandleFunc("/halted", ws.handleGetHalted).Methods("GET")
	api.HandleFunc("/pool", ws.handleGetPool).Methods("GET")
	api.HandleFunc("/invariants", ws.handleGetInvariants).Methods("GET")
	api.HandleFunc("/quote-reset", ws.handleQuoteReset).Methods("GET")
	api.HandleFunc("/audits", ws.handleGetAudits).Methods("GET")
	api.HandleFunc("/audits/latest", ws.handleGetLatestAudit).Methods("GET")
	api.HandleFunc("/events", ws.handleGetEvents).Methods("GET")
	api.HandleFunc("/summary", ws.handleGetSummary).Methods("GET")

	ws.router.Use(ws.requestIDMiddleware)
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler exposes the router, mainly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.router }

// Start starts the web server and blocks until it stops.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth reports DEGRADED with 503 when the database is unreachable, bonds are halted or the last audit failed.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := ws.books.Stats()
	problems := []string{}

	dbStatus := "disabled"
	if ws.store != nil {
		dbStatus = "ok"
		if err := ws.store.Ping(r.Context()); err != nil {
			dbStatus = "unreachable"
			problems = append(problems, "database unreachable")
		}
	}
	if stats.HaltedBonds > 0 {
		problems = append(problems, "halted bonds present")
	}

	var auditInfo map[string]interface{}
	if ws.audits != nil {
		if last, ok := ws.audits.Last(); ok {
			auditInfo = map[string]interface{}{
				"cycle":      last.Cycle,
				"at":         last.At,
				"ok":         last.Error == "" && last.Report.OK(),
				"violations": len(last.Report.Violations),
			}
			if last.Error != "" || !last.Report.OK() {
				problems = append(problems, "last audit failed")
			}
		}
	}

	status, code := "OK", http.StatusOK
	if len(problems) > 0 {
		status, code = "DEGRADED", http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, code, map[string]interface{}{
		"status":    status,
		"problems":  problems,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.started).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "lpbond",
			"version": "1.0.0",
		},
		"bonding": map[string]interface{}{
			"database":     dbStatus,
			"last_block":   stats.Block,
			"open_bonds":   stats.OpenBonds,
			"halted_bonds": stats.HaltedBonds,
			"last_audit":   auditInfo,
		},
	})
}

func (ws *WebServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.books.Stats())
}

func (ws *WebServer) handleGetParams(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.books.Params())
}

func (ws *WebServer) handleGetBond(w http.ResponseWriter, r *http.Request) {
	id, ok := ws.bondID(w, r)
	if !ok {
		return
	}
	block, ok := ws.block(w, r)
	if !ok {
		return
	}
	view, err := ws.books.Bond(id, block)
	if err != nil {
		ws.writeDomainError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, view)
}

// handleGetPending returns both the synced pending reward and a preview including undistributed custody LP.
func (ws *WebServer) handleGetPending(w http.ResponseWriter, r *http.Request) {
	id, ok := ws.bondID(w, r)
	if !ok {
		return
	}
	synced, err := ws.books.PendingReward(id)
	if err != nil {
		ws.writeDomainError(w, err)
		return
	}
	preview, err := ws.books.PreviewPendingReward(r.Context(), id)
	if err != nil {
		ws.writeDomainError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"pending": synced,
		"preview": preview,
	})
}

func (ws *WebServer) handleGetOwnerBonds(w http.ResponseWriter, r *http.Request) {
	block, ok := ws.block(w, r)
	if !ok {
		return
	}
	owner := mux.Vars(r)["address"]
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"owner": owner,
		"block": block,
		"bonds": ws.books.BondsOf(owner, block),
	})
}

func (ws *WebServer) handleGetLegacy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid legacy id")
		return
	}
	pos, err := ws.books.LegacyPosition(id)
	if err != nil {
		ws.writeDomainError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, pos)
}

func (ws *WebServer) handleGetHalted(w http.ResponseWriter, r *http.Request) {
	halted := ws.books.Halted()
	out := make(map[string]string, len(halted))
	for id, reason := range halted {
		out[strconv.FormatUint(uint64(id), 10)] = reason
	}
	ws.writeJSONResponse(w, http.StatusOK, out)
}

func (ws *WebServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	if ws.pool == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Pool info not available")
		return
	}
	info, err := ws.pool.PoolInfo(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to fetch pool info")
		ws.writeErrorResponse(w, http.StatusBadGateway, "Failed to fetch pool info")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"pool":    info,
		"tvl_usd": info.TVL(),
	})
}

// handleGetInvariants runs a live audit against the current custody balance.
func (ws *WebServer) handleGetInvariants(w http.ResponseWriter, r *http.Request) {
	report, err := ws.books.CheckInvariants(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to check invariants")
		ws.writeErrorResponse(w, http.StatusBadGateway, "Failed to read custody balance")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"ok":     report.OK(),
		"report": report,
	})
}

func (ws *WebServer) handleQuoteReset(w http.ResponseWriter, r *http.Request) {
	amount, err := utils.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	asset := 0
	if s := r.URL.Query().Get("asset"); s != "" {
		if asset, err = strconv.Atoi(s); err != nil || asset < 0 {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid asset index")
			return
		}
	}
	out, err := ws.books.QuoteReset(r.Context(), amount, asset)
	if err != nil {
		ws.writeDomainError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"amount":      amount,
		"asset_index": asset,
		"proceeds":    out,
	})
}

func (ws *WebServer) handleGetAudits(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	reports, err := ws.store.RecentAuditReports(r.Context(), ws.limit(r))
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get audit reports")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve audit reports")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"audits": reports,
		"count":  len(reports),
	})
}

func (ws *WebServer) handleGetLatestAudit(w http.ResponseWriter, r *http.Request) {
	if ws.audits == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Auditor not running")
		return
	}
	last, ok := ws.audits.Last()
	if !ok {
		ws.writeErrorResponse(w, http.StatusNotFound, "No audit has run yet")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, last)
}

func (ws *WebServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	filter := state.EventFilter{Type: r.URL.Query().Get("type"), Limit: ws.limit(r)}
	if s := r.URL.Query().Get("bond_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid bond_id")
			return
		}
		bondID := types.BondID(id)
		filter.BondID = &bondID
	}

	events, err := ws.store.ListEvents(r.Context(), filter)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get events")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve events")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (ws *WebServer) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	summary, err := ws.store.GetSummary(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"stored": summary,
		"live":   ws.books.Stats(),
	})
}

func (ws *WebServer) requireStore(w http.ResponseWriter) bool {
	if ws.store == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return false
	}
	return true
}

func (ws *WebServer) bondID(w http.ResponseWriter, r *http.Request) (types.BondID, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid bond id")
		return 0, false
	}
	return types.BondID(id), true
}

// block reads ?block=, falling back to the chain's current height.
func (ws *WebServer) block(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if s := r.URL.Query().Get("block"); s != "" {
		b, err := strconv.ParseInt(s, 10, 64)
		if err != nil || b < 0 {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid block")
			return 0, false
		}
		return b, true
	}
	b, err := ws.books.CurrentBlock(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to read current block")
		ws.writeErrorResponse(w, http.StatusBadGateway, "Failed to read current block")
		return 0, false
	}
	return b, true
}

func (ws *WebServer) limit(r *http.Request) int {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 200 {
			limit = parsedLimit
		}
	}
	return limit
}

// writeDomainError maps the bonding error taxonomy onto HTTP status codes.
func (ws *WebServer) writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch types.Reason(err) {
	case "not_found":
		code = http.StatusNotFound
	case "invalid_amount", "invalid_duration":
		code = http.StatusBadRequest
	case "bond_halted", "arithmetic_invariant_violation":
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		webLogger.Error().Err(err).Msg("Request failed")
	}
	ws.writeJSONResponse(w, code, map[string]interface{}{
		"error":     true,
		"reason":    types.Reason(err),
		"message":   err.Error(),
		"timestamp": time.Now().UTC(),
	})
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// requestIDMiddleware echoes X-Request-ID or assigns one.
func (ws *WebServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
