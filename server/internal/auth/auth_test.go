package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/callcost/server/internal/database"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("wrong", hash))
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, APIKeyPrefix))
	assert.Len(t, a, len(APIKeyPrefix)+64)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, GenerateID(), GenerateID())
}

func TestAPIKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, APIKeyFromRequest(r))

	r.Header.Set("Authorization", "Bearer callcost_abc")
	assert.Equal(t, "callcost_abc", APIKeyFromRequest(r))

	r.Header.Set("X-API-Key", "callcost_xyz")
	assert.Equal(t, "callcost_xyz", APIKeyFromRequest(r))
}

func TestRequireAPIKey(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	require.NoError(t, db.CreateUser(&database.User{
		ID: "u1", Username: "alice", PasswordHash: "x", APIKey: "callcost_good", CreatedAt: time.Now(),
	}))

	m := NewMiddleware(db, scs.New())
	h := m.RequireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUser(r.Context()).Username))
	}))

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "callcost_bad", http.StatusUnauthorized},
		{"valid", "callcost_good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/analytics/totals", nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			}
		})
	}
}

func TestRequireAuthRedirects(t *testing.T) {
	sm := scs.New()
	m := NewMiddleware(nil, sm)
	h := sm.LoadAndSave(m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a session")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/partial/dashboard", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/partial/dashboard", nil)
	r.Header.Set("HX-Request", "true")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "/", w.Header().Get("HX-Redirect"))
}
