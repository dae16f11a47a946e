package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/callcost/internal/pricing"
	"github.com/zhaobenny/callcost/server/internal/auth"
	"github.com/zhaobenny/callcost/server/internal/database"
	"github.com/zhaobenny/callcost/server/internal/metrics"
	"github.com/zhaobenny/callcost/server/internal/templates"
)

type testEnv struct {
	h    *Handler
	db   *database.DB
	user *database.User
	sm   *scs.SessionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	user := &database.User{ID: "u1", Username: "alice", PasswordHash: "x", APIKey: "callcost_key", CreatedAt: time.Now()}
	require.NoError(t, db.CreateUser(user))

	tmpl, err := templates.Parse()
	require.NoError(t, err)

	sm := scs.New()
	d := NewSummaryDebouncer(db, time.Hour)
	t.Cleanup(d.Flush)

	h := New(db, sm, tmpl, pricing.Default(), metrics.New(), d)
	h.now = func() time.Time { return time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC) }
	return &testEnv{h: h, db: db, user: user, sm: sm}
}

func (e *testEnv) apiRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(auth.WithUser(r.Context(), e.user))
}

const ingestBody = `{
	"client_id": "agent-1",
	"client_name": "Agent host",
	"calls": [
		{"id": "c1", "timestamp": "2025-03-01T10:00:00Z", "room": "lobby",
		 "usage": {"duration_seconds": 120, "input_tokens": 1000, "output_tokens": 500, "tts_characters": 2000},
		 "summary": "# Booking\nCaller booked a table."},
		{"id": "c2", "timestamp": "2025-03-02T09:00:00Z", "usage": "{\"duration_seconds\": 60}"},
		{"id": "c3", "timestamp": "2025-03-02T10:00:00Z"}
	]
}`

func (e *testEnv) ingest(t *testing.T, body string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	e.h.APIIngestCalls(w, e.apiRequest(http.MethodPost, "/api/calls", body))
	var resp IngestResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestAPIIngestCalls(t *testing.T) {
	e := newTestEnv(t)

	w, resp := e.ingest(t, ingestBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Inserted)
	assert.Equal(t, 0, resp.Duplicates)

	w, resp = e.ingest(t, ingestBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, resp.Inserted)
	assert.Equal(t, 3, resp.Duplicates)

	status, err := e.db.GetClientSyncStatus("u1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, status)
}

func TestAPIIngestCallsRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"client_id":`, "Invalid request body"},
		{"missing client", `{"calls": []}`, "client_id is required"},
		{"missing id", `{"client_id":"a","calls":[{"timestamp":"2025-03-01T10:00:00Z"}]}`, "calls[0].id is required"},
		{"negative usage", `{"client_id":"a","calls":[{"id":"x","timestamp":"2025-03-01T10:00:00Z","usage":{"duration_seconds":-5}}]}`, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			w, _ := e.ingest(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestAPIIngestAcceptsMalformedUsage(t *testing.T) {
	e := newTestEnv(t)
	w, resp := e.ingest(t, `{"client_id":"a","calls":[{"id":"x","timestamp":"2025-03-01T10:00:00Z","usage":"{invalid json"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.Inserted)

	call, err := e.db.GetCall("u1", "x")
	require.NoError(t, err)
	assert.Equal(t, 0.0, call.Cost)
}

func TestAnalyticsSummaries(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, ingestBody)

	w := httptest.NewRecorder()
	e.h.AnalyticsSummaries(w, e.apiRequest(http.MethodGet, "/analytics/summaries", ""))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Data   []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Data, 3)

	// newest first, usage kept in the shape it was reported in
	var first map[string]any
	require.NoError(t, json.Unmarshal(resp.Data[0], &first))
	assert.Equal(t, "c3", first["id"])
	assert.Nil(t, first["usage"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(resp.Data[1], &second))
	assert.Equal(t, `{"duration_seconds": 60}`, second["usage"])

	w = httptest.NewRecorder()
	e.h.AnalyticsSummaries(w, e.apiRequest(http.MethodGet, "/analytics/summaries?since=2025-03-02&limit=1", ""))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
}

func TestAnalyticsSummariesBadQuery(t *testing.T) {
	e := newTestEnv(t)

	w := httptest.NewRecorder()
	e.h.AnalyticsSummaries(w, e.apiRequest(http.MethodGet, "/analytics/summaries?since=yesterday", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp FeedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "since")
}

func TestAnalyticsTotals(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, ingestBody)

	w := httptest.NewRecorder()
	e.h.AnalyticsTotals(w, e.apiRequest(http.MethodGet, "/analytics/totals", ""))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			TotalCost            float64 `json:"total_cost"`
			TotalDurationSeconds float64 `json:"total_duration_seconds"`
			Count                int     `json:"count"`
			SkippedCount         int     `json:"skipped_count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 3, resp.Data.Count)
	assert.Equal(t, 1, resp.Data.SkippedCount)
	assert.Equal(t, 180.0, resp.Data.TotalDurationSeconds)
	p := pricing.Default()
	assert.InDelta(t, 0.11005+p.ParticipantPerMinute+p.STTPerMinute, resp.Data.TotalCost, 1e-9)
}

func TestAPISyncStatus(t *testing.T) {
	e := newTestEnv(t)

	w := httptest.NewRecorder()
	e.h.APISyncStatus(w, e.apiRequest(http.MethodGet, "/api/sync/status", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	e.h.APISyncStatus(w, e.apiRequest(http.MethodGet, "/api/sync/status?client_id=agent-1", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	e.ingest(t, ingestBody)
	w = httptest.NewRecorder()
	e.h.APISyncStatus(w, e.apiRequest(http.MethodGet, "/api/sync/status?client_id=agent-1", ""))
	assert.Contains(t, w.Body.String(), "last_sync_at")
}

func TestCallDetail(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, ingestBody)

	r := chi.NewRouter()
	r.Get("/calls/{id}", func(w http.ResponseWriter, req *http.Request) {
		e.h.CallDetail(w, req.WithContext(auth.WithUser(req.Context(), e.user)))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/c1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "$0.0210")
	assert.Contains(t, body, "<h1>Booking</h1>")
	assert.Contains(t, body, "2,000")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/c3", nil))
	assert.Contains(t, w.Body.String(), "No usable usage")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPartialCalls(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, ingestBody)

	w := httptest.NewRecorder()
	e.h.PartialCalls(w, e.apiRequest(http.MethodGet, "/partial/calls", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `href="/calls/c1"`)
	assert.Contains(t, w.Body.String(), "lobby")
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestEnv(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/register", e.h.Register)
	mux.HandleFunc("/login", e.h.Login)
	srv := e.sm.LoadAndSave(mux)

	post := func(path string, form url.Values) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, r)
		return w
	}

	w := post("/register", url.Values{"username": {"bob"}, "password": {"short"}})
	assert.Contains(t, w.Body.String(), "at least 8 characters")

	w = post("/register", url.Values{"username": {"alice"}, "password": {"long enough"}})
	assert.Contains(t, w.Body.String(), "Username already taken")

	w = post("/register", url.Values{"username": {"bob"}, "password": {"long enough"}})
	assert.Equal(t, "#content", w.Header().Get("HX-Retarget"))
	assert.Contains(t, w.Body.String(), "bob")
	assert.Contains(t, w.Body.String(), auth.APIKeyPrefix)

	w = post("/login", url.Values{"username": {"bob"}, "password": {"wrong password"}})
	assert.Contains(t, w.Body.String(), "Invalid username or password")

	w = post("/login", url.Values{"username": {"bob"}, "password": {"long enough"}})
	assert.Equal(t, "#content", w.Header().Get("HX-Retarget"))
	assert.NotEmpty(t, w.Result().Cookies())
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := httptest.NewRecorder()
	e.h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

type fakeRetention struct {
	running bool
	next    *time.Time
}

func (f fakeRetention) IsRunning() bool     { return f.running }
func (f fakeRetention) NextRun() *time.Time { return f.next }

func TestHealthReportsRetention(t *testing.T) {
	e := newTestEnv(t)
	next := time.Date(2025, 3, 3, 3, 0, 0, 0, time.UTC)
	e.h.SetRetention(fakeRetention{running: true, next: &next})

	w := httptest.NewRecorder()
	e.h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","retention":{"running":true,"next_run":"2025-03-03T03:00:00Z"}}`, w.Body.String())

	e.h.SetRetention(fakeRetention{})
	w = httptest.NewRecorder()
	e.h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy","retention":{"running":false}}`, w.Body.String())
}

func TestPartialDashboard(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, ingestBody)

	w := httptest.NewRecorder()
	e.h.PartialDashboard(w, e.apiRequest(http.MethodGet, "/partial/dashboard", ""))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "By day")
	assert.Contains(t, body, "<td>2025-03-02</td>")
	assert.Contains(t, body, "By month")
	assert.Contains(t, body, "<td>2025-03</td>")
}
