package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/zhaobenny/callcost/internal/analytics"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
	"github.com/zhaobenny/callcost/server/internal/auth"
	"github.com/zhaobenny/callcost/server/internal/database"
	"github.com/zhaobenny/callcost/server/internal/metrics"
)

const (
	maxIngestBody   = 10 << 20
	recentCallLimit = 50
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db         *database.DB
	sessionMgr *scs.SessionManager
	templates  *template.Template
	prices     model.PriceTable
	metrics    *metrics.Metrics
	debouncer  *SummaryDebouncer
	retention  RetentionStatus
	now        func() time.Time
}

// RetentionStatus reports the state of scheduled pruning
type RetentionStatus interface {
	IsRunning() bool
	NextRun() *time.Time
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Retention *RetentionHealth `json:"retention,omitempty"`
}

// RetentionHealth describes the pruning schedule in the health check
type RetentionHealth struct {
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// New creates a new Handler
func New(db *database.DB, sessionMgr *scs.SessionManager, templates *template.Template, prices model.PriceTable, m *metrics.Metrics, debouncer *SummaryDebouncer) *Handler {
	return &Handler{
		db:         db,
		sessionMgr: sessionMgr,
		templates:  templates,
		prices:     prices,
		metrics:    m,
		debouncer:  debouncer,
		now:        time.Now,
	}
}

// SetRetention exposes the pruning schedule in the health check
func (h *Handler) SetRetention(r RetentionStatus) {
	h.retention = r
}

// Index handles the main page
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	user := h.sessionUser(r)
	if user == nil {
		h.render(w, "index.html", map[string]any{"Content": "auth"})
		return
	}

	data, err := h.dashboardData(user)
	if err != nil {
		slog.Error("failed to load dashboard", "user_id", user.ID, "error", err)
		http.Error(w, "Failed to load dashboard", http.StatusInternalServerError)
		return
	}
	data["Content"] = "dashboard"
	h.render(w, "index.html", data)
}

func (h *Handler) sessionUser(r *http.Request) *database.User {
	userID := h.sessionMgr.GetString(r.Context(), auth.SessionUserKey)
	if userID == "" {
		return nil
	}
	user, err := h.db.GetUserByID(userID)
	if err != nil || user == nil {
		_ = h.sessionMgr.Destroy(r.Context())
		return nil
	}
	return user
}

// PartialAuth returns the auth form fragment
func (h *Handler) PartialAuth(w http.ResponseWriter, r *http.Request) {
	h.render(w, "auth.html", nil)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := h.credentials(w, r)
	if !ok {
		return
	}

	user, err := h.db.GetUserByUsername(username)
	if err != nil {
		slog.Error("login lookup failed", "error", err)
		h.renderError(w, "An error occurred")
		return
	}

	if user == nil || !auth.CheckPassword(password, user.PasswordHash) {
		h.renderError(w, "Invalid username or password")
		return
	}

	if err := h.sessionMgr.RenewToken(r.Context()); err != nil {
		h.renderError(w, "An error occurred")
		return
	}
	h.sessionMgr.Put(r.Context(), auth.SessionUserKey, user.ID)

	h.renderDashboard(w, user)
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	username, password, ok := h.credentials(w, r)
	if !ok {
		return
	}

	if len(username) < 3 {
		h.renderError(w, "Username must be at least 3 characters")
		return
	}

	if len(password) < 8 {
		h.renderError(w, "Password must be at least 8 characters")
		return
	}

	existing, err := h.db.GetUserByUsername(username)
	if err != nil {
		h.renderError(w, "An error occurred")
		return
	}
	if existing != nil {
		h.renderError(w, "Username already taken")
		return
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		h.renderError(w, "An error occurred")
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.renderError(w, "An error occurred")
		return
	}

	user := &database.User{
		ID:           auth.GenerateID(),
		Username:     username,
		PasswordHash: passwordHash,
		APIKey:       apiKey,
		CreatedAt:    h.now().UTC(),
	}

	if err := h.db.CreateUser(user); err != nil {
		slog.Error("failed to create user", "error", err)
		h.renderError(w, "Failed to create account")
		return
	}
	slog.Info("user registered", "user_id", user.ID)

	if err := h.sessionMgr.RenewToken(r.Context()); err != nil {
		h.renderError(w, "An error occurred")
		return
	}
	h.sessionMgr.Put(r.Context(), auth.SessionUserKey, user.ID)

	h.renderDashboard(w, user)
}

func (h *Handler) credentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, "Invalid form data")
		return "", "", false
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	if username == "" || password == "" {
		h.renderError(w, "Username and password are required")
		return "", "", false
	}
	return username, password, true
}

// Logout handles user logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	_ = h.sessionMgr.Destroy(r.Context())
	h.render(w, "auth.html", nil)
}

// PartialDashboard returns the dashboard fragment
func (h *Handler) PartialDashboard(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.render(w, "auth.html", nil)
		return
	}
	h.renderDashboard(w, user)
}

// PartialCalls returns the recent calls table fragment
func (h *Handler) PartialCalls(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	calls, err := h.db.ListCalls(user.ID, recentCallLimit)
	if err != nil {
		http.Error(w, "Failed to load calls", http.StatusInternalServerError)
		return
	}
	h.render(w, "calls-table.html", map[string]any{"Calls": callRows(calls)})
}

// CallDetail shows one call with its cost breakdown and summary
func (h *Handler) CallDetail(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	call, err := h.db.GetCall(user.ID, chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load call", http.StatusInternalServerError)
		return
	}

	rec, valid := call.Usage.Normalize()
	h.render(w, "index.html", map[string]any{
		"Content":   "call",
		"Call":      call,
		"Record":    rec,
		"Valid":     valid,
		"Breakdown": pricing.Breakdown(rec, h.prices),
	})
}

// callRow is a stored call prepared for the calls table
type callRow struct {
	ID              string
	StartedAt       *time.Time
	Room            string
	DurationSeconds float64
	Kind            string
	Valid           bool
	Cost            float64
}

func callRows(calls []database.Call) []callRow {
	rows := make([]callRow, 0, len(calls))
	for _, c := range calls {
		rec, valid := c.Usage.Normalize()
		rows = append(rows, callRow{
			ID:              c.ID,
			StartedAt:       c.StartedAt,
			Room:            c.Room,
			DurationSeconds: rec.DurationSeconds,
			Kind:            c.Usage.Kind.String(),
			Valid:           valid,
			Cost:            c.Cost,
		})
	}
	return rows
}

// IngestRequest is the body of POST /api/calls
type IngestRequest struct {
	ClientID   string              `json:"client_id"`
	ClientName string              `json:"client_name"`
	Calls      []model.CallSummary `json:"calls"`
}

// IngestResponse is the reply to POST /api/calls
type IngestResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
}

// APIIngestCalls stores calls pushed by a client
func (h *Handler) APIIngestCalls(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jsonError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ClientID == "" {
		h.jsonError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	if err := validateCalls(req.Calls); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Calls) == 0 {
		h.writeJSON(w, http.StatusOK, IngestResponse{Success: true, Message: "No calls to ingest"})
		return
	}

	clientName := req.ClientName
	if clientName == "" {
		clientName = req.ClientID
	}
	if _, err := h.db.GetOrCreateClient(user.ID, req.ClientID, clientName); err != nil {
		slog.Error("failed to create client", "user_id", user.ID, "client_id", req.ClientID, "error", err)
		h.jsonError(w, "Failed to create client", http.StatusInternalServerError)
		return
	}

	receivedAt := h.now().UTC()
	calls := make([]database.Call, 0, len(req.Calls))
	for _, c := range req.Calls {
		calls = append(calls, database.Call{
			ID:         c.ID,
			UserID:     user.ID,
			ClientID:   req.ClientID,
			Timestamp:  c.Timestamp,
			Room:       c.Room,
			Usage:      c.Usage,
			Summary:    c.Summary,
			ReceivedAt: receivedAt,
		})
	}

	inserted, err := h.db.InsertCalls(calls, h.prices)
	if err != nil {
		slog.Error("failed to insert calls", "user_id", user.ID, "error", err)
		h.jsonError(w, "Failed to insert calls", http.StatusInternalServerError)
		return
	}

	for _, c := range inserted {
		rec, valid := c.Usage.Normalize()
		h.metrics.RecordCall(req.ClientID, c.Cost, rec.DurationSeconds, valid)
	}
	duplicates := len(calls) - len(inserted)
	h.metrics.RecordDuplicates(duplicates)

	if err := h.db.UpdateClientLastSync(user.ID, req.ClientID, receivedAt); err != nil {
		slog.Warn("failed to update last sync", "client_id", req.ClientID, "error", err)
	}
	h.debouncer.Schedule(user.ID, inserted)

	slog.Info("calls ingested", "user_id", user.ID, "client_id", req.ClientID, "inserted", len(inserted), "duplicates", duplicates)
	h.writeJSON(w, http.StatusOK, IngestResponse{
		Success:    true,
		Message:    "Ingest completed",
		Inserted:   len(inserted),
		Duplicates: duplicates,
	})
}

// validateCalls rejects calls that would corrupt stored totals. Unparseable
// usage is accepted and priced at zero.
func validateCalls(calls []model.CallSummary) error {
	for i, c := range calls {
		if c.ID == "" {
			return fmt.Errorf("calls[%d].id is required", i)
		}
		if c.Timestamp == "" {
			return fmt.Errorf("calls[%d].timestamp is required", i)
		}
		if rec, ok := c.Usage.Normalize(); ok && rec.Negative() {
			return fmt.Errorf("calls[%d].usage must not contain negative quantities", i)
		}
	}
	return nil
}

// SyncStatusResponse represents the sync status response
type SyncStatusResponse struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// APISyncStatus returns the sync status for a client
func (h *Handler) APISyncStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		h.jsonError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	lastSync, err := h.db.GetClientSyncStatus(user.ID, clientID)
	if err != nil {
		h.jsonError(w, "Failed to get sync status", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, SyncStatusResponse{LastSyncAt: lastSync})
}

// FeedResponse is the envelope of the analytics endpoints
type FeedResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AnalyticsSummaries returns the user's call summaries, newest first.
// Optional query parameters: since, until (RFC 3339 or YYYY-MM-DD), limit.
func (h *Handler) AnalyticsSummaries(w http.ResponseWriter, r *http.Request) {
	calls, ok := h.feedCalls(w, r)
	if !ok {
		return
	}
	summaries := make([]model.CallSummary, 0, len(calls))
	for _, c := range calls {
		summaries = append(summaries, c.ToSummary())
	}
	h.writeJSON(w, http.StatusOK, FeedResponse{Status: "success", Data: summaries})
}

// AnalyticsTotals folds the user's calls into totals at the current prices
func (h *Handler) AnalyticsTotals(w http.ResponseWriter, r *http.Request) {
	calls, ok := h.feedCalls(w, r)
	if !ok {
		return
	}
	summaries := make([]model.CallSummary, 0, len(calls))
	for _, c := range calls {
		summaries = append(summaries, c.ToSummary())
	}
	h.writeJSON(w, http.StatusOK, FeedResponse{Status: "success", Data: analytics.Aggregate(summaries, h.prices)})
}

func (h *Handler) feedCalls(w http.ResponseWriter, r *http.Request) ([]database.Call, bool) {
	user := auth.GetUser(r.Context())
	if user == nil {
		h.feedError(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	q := r.URL.Query()
	var opts analytics.Options
	for name, dst := range map[string]*time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, ok := model.ParseTimestamp(v, time.UTC)
		if !ok {
			h.feedError(w, "invalid "+name+": "+v, http.StatusBadRequest)
			return nil, false
		}
		*dst = t
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.feedError(w, "invalid limit: "+v, http.StatusBadRequest)
			return nil, false
		}
		limit = n
	}

	calls, err := h.db.ListCalls(user.ID, 0)
	if err != nil {
		slog.Error("failed to list calls", "user_id", user.ID, "error", err)
		h.feedError(w, "Failed to load calls", http.StatusInternalServerError)
		return nil, false
	}

	if !opts.Since.IsZero() || !opts.Until.IsZero() {
		calls = filterStored(calls, opts)
	}
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, true
}

// filterStored applies the analytics time window to stored calls, using the
// start time resolved at ingest
func filterStored(calls []database.Call, opts analytics.Options) []database.Call {
	var kept []database.Call
	for _, c := range calls {
		if c.StartedAt == nil {
			continue
		}
		if !opts.Since.IsZero() && c.StartedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && c.StartedAt.After(opts.Until) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func (h *Handler) dashboardData(user *database.User) (map[string]any, error) {
	calls, err := h.db.ListCalls(user.ID, 0)
	if err != nil {
		return nil, err
	}
	days, err := h.db.GetUsageByDay(user.ID, h.now())
	if err != nil {
		return nil, err
	}
	months, err := h.db.GetUsageByMonth(user.ID, h.now())
	if err != nil {
		return nil, err
	}

	summaries := make([]model.CallSummary, 0, len(calls))
	for _, c := range calls {
		summaries = append(summaries, c.ToSummary())
	}
	recent := calls
	if len(recent) > recentCallLimit {
		recent = recent[:recentCallLimit]
	}

	return map[string]any{
		"User":   user,
		"Totals": analytics.Aggregate(summaries, h.prices),
		"Days":   days,
		"Months": months,
		"Calls":  callRows(recent),
	}, nil
}

func (h *Handler) renderDashboard(w http.ResponseWriter, user *database.User) {
	data, err := h.dashboardData(user)
	if err != nil {
		slog.Error("failed to load dashboard", "user_id", user.ID, "error", err)
		h.renderError(w, "Failed to load dashboard")
		return
	}

	// Retarget to #content for successful auth (forms target error div by default)
	w.Header().Set("HX-Retarget", "#content")
	w.Header().Set("HX-Reswap", "innerHTML")

	h.render(w, "dashboard.html", data)
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("template render failed", "template", name, "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, message string) {
	h.render(w, "error.html", map[string]any{"Error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) feedError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, FeedResponse{Status: "error", Error: message})
}

// Health handles the health check endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: "database unavailable"})
		return
	}

	resp := HealthResponse{Status: "healthy"}
	if h.retention != nil {
		resp.Retention = &RetentionHealth{
			Running: h.retention.IsRunning(),
			NextRun: h.retention.NextRun(),
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}
