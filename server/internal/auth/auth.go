package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/zhaobenny/callcost/server/internal/database"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks keys issued by this server
const APIKeyPrefix = "callcost_"

// SessionUserKey is the session key holding the logged in user's ID
const SessionUserKey = "userID"

type contextKey string

const userKey contextKey = "user"

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateAPIKey generates a random API key
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// GenerateID returns a new user ID
func GenerateID() string {
	return uuid.NewString()
}

// Middleware resolves the calling user from a session or an API key
type Middleware struct {
	db         *database.DB
	sessionMgr *scs.SessionManager
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(db *database.DB, sessionMgr *scs.SessionManager) *Middleware {
	return &Middleware{
		db:         db,
		sessionMgr: sessionMgr,
	}
}

// RequireAuth middleware requires a valid session
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.sessionMgr.GetString(r.Context(), SessionUserKey)
		if userID == "" {
			unauthorized(w, r)
			return
		}

		user, err := m.db.GetUserByID(userID)
		if err != nil || user == nil {
			if err != nil {
				slog.Error("session user lookup failed", "error", err)
			}
			_ = m.sessionMgr.Destroy(r.Context())
			unauthorized(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	// HTMX follows HX-Redirect instead of a 303
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAPIKey middleware requires a valid API key in X-API-Key or an
// Authorization bearer token
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := APIKeyFromRequest(r)
		if apiKey == "" {
			writeUnauthorized(w, "API key required")
			return
		}

		user, err := m.db.GetUserByAPIKey(apiKey)
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
		}
		if err != nil || user == nil {
			writeUnauthorized(w, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// APIKeyFromRequest extracts the API key, empty if none was sent
func APIKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithUser returns a context carrying user
func WithUser(ctx context.Context, user *database.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// GetUser returns the user from context
func GetUser(ctx context.Context) *database.User {
	if user, ok := ctx.Value(userKey).(*database.User); ok {
		return user
	}
	return nil
}
