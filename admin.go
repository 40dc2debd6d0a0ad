package yuri

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// DefaultExchangeLimit is the page size of GET /api/exchanges.
const DefaultExchangeLimit = 100

// AdminStore is the persistence the admin API reads and writes.
type AdminStore interface {
	GetExchange(ctx context.Context, id string) (*Exchange, error)
	RecentExchanges(ctx context.Context, limit int) ([]Exchange, error)
	ListRules(ctx context.Context) ([]RewriteRule, error)
	CreateRule(ctx context.Context, r *RewriteRule) error
	DeleteRule(ctx context.Context, id string) error
	ListProtoFiles(ctx context.Context) ([]ProtoFile, error)
	CreateProtoFile(ctx context.Context, p *ProtoFile) error
}

// AdminAPI serves the local query API, the live event stream and the
// operational endpoints:
//
//	GET    /api/status              proxy state
//	GET    /api/ca.pem              authority certificate
//	POST   /api/proxy/start         start the proxy ({"port": N})
//	POST   /api/proxy/stop          stop the proxy
//	GET    /api/exchanges           recent exchanges (?limit=N)
//	GET    /api/exchanges/{id}      one exchange (also /api/requests/{id})
//	GET    /api/rules               persisted rewrite rules
//	POST   /api/rules               add a rule
//	DELETE /api/rules/{id}          remove a rule
//	POST   /api/reload              reload the rule snapshot
//	GET    /api/protos              stored proto files
//	POST   /api/protos              add a proto file
//	GET    /ws/events               live exchange events (WebSocket)
//	GET    /metrics, /healthz, /readyz
type AdminAPI struct {
	// Controller starts and stops the proxy (optional).
	Controller *Controller

	// Store answers exchange and rule queries (optional).
	Store AdminStore

	// Rules is reloaded after rule mutations and by POST /api/reload (optional).
	Rules *RewriteEngine

	// Events feeds /ws/events (optional).
	Events *EventBus

	// EventBuffer is the per-connection subscription buffer.
	EventBuffer int

	// Health serves /healthz and /readyz (optional).
	Health *HealthChecker

	// Metrics serves /metrics (optional).
	Metrics *Metrics

	// Logger for admin API events.
	Logger *slog.Logger

	upgrader websocket.Upgrader
	router   chi.Router
}

// NewAdminAPI creates an AdminAPI. Set the optional fields before calling
// Handler.
func NewAdminAPI(c *Controller, store AdminStore, rules *RewriteEngine, events *EventBus) *AdminAPI {
	return &AdminAPI{
		Controller: c,
		Store:      store,
		Rules:      rules,
		Events:     events,
		Logger:     slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Access-Control-Allow-Origin", "*"))
	r.Use(middleware.SetHeader("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS"))
	r.Use(middleware.SetHeader("Access-Control-Allow-Headers", "Content-Type"))

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Get("/ca.pem", a.handleAuthority)
		r.Post("/proxy/start", a.handleStart)
		r.Post("/proxy/stop", a.handleStop)

		r.Get("/exchanges", a.handleListExchanges)
		r.Get("/exchanges/{id}", a.handleGetExchange)
		r.Get("/requests/{id}", a.handleGetExchange)

		r.Get("/rules", a.handleListRules)
		r.Post("/rules", a.handleAddRule)
		r.Delete("/rules/{id}", a.handleDeleteRule)
		r.Post("/reload", a.handleReload)

		r.Get("/protos", a.handleListProtos)
		r.Post("/protos", a.handleAddProto)
	})

	r.Get("/ws/events", a.handleEvents)

	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}
	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}

	a.router = r
}

// Handler returns the API router. It is built on first use.
func (a *AdminAPI) Handler() http.Handler {
	if a.router == nil {
		a.buildRouter()
	}
	return a.router
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status      string `json:"status"`
	Addr        string `json:"addr,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	RuleCount   int    `json:"rule_count"`
	Subscribers int    `json:"subscribers"`
}

// StartRequest is the body of POST /api/proxy/start.
type StartRequest struct {
	Port int `json:"port"`
}

// ExchangesResponse is returned by GET /api/exchanges.
type ExchangesResponse struct {
	Count     int        `json:"count"`
	Exchanges []Exchange `json:"exchanges"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Count int           `json:"count"`
	Rules []RewriteRule `json:"rules"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "stopped"}
	if c := a.Controller; c != nil && c.Running() {
		resp.Status = "running"
		if addr := c.Addr(); addr != nil {
			resp.Addr = addr.String()
		}
		resp.Uptime = c.Uptime().Truncate(time.Second).String()
	}
	if a.Rules != nil {
		resp.RuleCount = a.Rules.Count()
	}
	if a.Events != nil {
		resp.Subscribers = a.Events.Subscribers()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleAuthority(w http.ResponseWriter, _ *http.Request) {
	if a.Controller == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "controller not configured"})
		return
	}
	pem, err := a.Controller.AuthorityCertificate()
	if err != nil {
		a.logger().Error("export authority", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+AuthorityCertFile+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pem))
}

func (a *AdminAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	if a.Controller == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "controller not configured"})
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "port out of range"})
		return
	}

	msg, err := a.Controller.Start(req.Port)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		a.logger().Error("start proxy", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (a *AdminAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	if a.Controller == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "controller not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.Controller.Stop(ctx); err != nil {
		a.logger().Warn("stop proxy", "error", err)
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "proxy stopped"})
}

func (a *AdminAPI) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	limit := DefaultExchangeLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	exs, err := a.Store.RecentExchanges(r.Context(), limit)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if exs == nil {
		exs = []Exchange{}
	}
	a.writeJSON(w, http.StatusOK, ExchangesResponse{Count: len(exs), Exchanges: exs})
}

func (a *AdminAPI) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	ex, err := a.Store.GetExchange(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrNotFound):
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "request not found"})
		return
	case err != nil:
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, ex)
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	rules, err := a.Store.ListRules(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if rules == nil {
		rules = []RewriteRule{}
	}
	a.writeJSON(w, http.StatusOK, RulesResponse{Count: len(rules), Rules: rules})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}

	var rule RewriteRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := rule.Validate(); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := a.Store.CreateRule(r.Context(), &rule); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.logger().Info("rule added via admin API", "id", rule.ID, "type", rule.RuleType, "location", rule.Location)
	a.reloadRules(r.Context())
	a.writeJSON(w, http.StatusCreated, rule)
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")
	err := a.Store.DeleteRule(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	case err != nil:
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.logger().Info("rule removed via admin API", "id", id)
	a.reloadRules(r.Context())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}
	if err := a.Rules.Load(r.Context()); err != nil {
		a.logger().Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}
	a.logger().Info("rewrite rules reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleListProtos(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	files, err := a.Store.ListProtoFiles(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if files == nil {
		files = []ProtoFile{}
	}
	a.writeJSON(w, http.StatusOK, files)
}

func (a *AdminAPI) handleAddProto(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	var p ProtoFile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if p.Name == "" || p.Content == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name and content are required"})
		return
	}
	if err := a.Store.CreateProtoFile(r.Context(), &p); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusCreated, p)
}

// handleEvents streams bus events to a WebSocket client as JSON text
// frames until the client goes away or the bus closes.
func (a *AdminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		http.Error(w, "event stream not configured", http.StatusNotImplemented)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger().Debug("websocket upgrade", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := a.Events.Subscribe(a.EventBuffer)
	defer sub.Close()

	// The client never sends; reading surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				a.logger().Debug("websocket write", "error", err)
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) requireStore(w http.ResponseWriter) bool {
	if a.Store == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "store not configured"})
		return false
	}
	return true
}

func (a *AdminAPI) reloadRules(ctx context.Context) {
	if a.Rules == nil {
		return
	}
	if err := a.Rules.Load(ctx); err != nil {
		a.logger().Error("rule reload after mutation failed", "error", err)
	}
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger().Error("admin API write error", "error", err)
	}
}

func (a *AdminAPI) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
