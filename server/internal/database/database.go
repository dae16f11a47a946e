package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// unknownDay groups calls whose timestamp could not be parsed
const unknownDay = "unknown"

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// User represents a user account
type User struct {
	ID           string
	Username     string
	PasswordHash string
	APIKey       string
	CreatedAt    time.Time
}

// Client represents an agent host pushing calls
type Client struct {
	ID         string
	UserID     string
	Name       string
	LastSyncAt *time.Time
	CreatedAt  time.Time
}

// Call is a stored call. Usage keeps the shape it was reported in.
type Call struct {
	ID         string
	UserID     string
	ClientID   string
	Timestamp  string
	StartedAt  *time.Time
	Room       string
	Usage      model.Usage
	Summary    string
	Cost       float64
	ReceivedAt time.Time
}

// ToSummary converts the stored call to its feed representation
func (c Call) ToSummary() model.CallSummary {
	return model.CallSummary{
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Room:      c.Room,
		Usage:     c.Usage,
		Summary:   c.Summary,
	}
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		// Avoid "database is locked" under concurrent ingest
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		api_key TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		last_sync_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS calls (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		started_at TIMESTAMP,
		day TEXT NOT NULL,
		room TEXT,
		usage_kind INTEGER NOT NULL DEFAULT 0,
		usage TEXT,
		usage_valid INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		tts_characters INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		summary TEXT,
		received_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_calls_user_started ON calls(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_calls_user_day ON calls(user_id, day);
	CREATE INDEX IF NOT EXISTS idx_clients_user ON clients(user_id);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expiry REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry);

	CREATE TABLE IF NOT EXISTS usage_summary (
		user_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		call_count INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tts_characters INTEGER NOT NULL,
		cost REAL DEFAULT 0,
		PRIMARY KEY (user_id, period_type, period_key),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_summary_user_type ON usage_summary(user_id, period_type);
	`

	_, err := db.Exec(schema)
	return err
}

const userColumns = `id, username, password_hash, api_key, created_at`

func (db *DB) getUser(where string, arg any) (*User, error) {
	user := &User{}
	err := db.QueryRow(`SELECT `+userColumns+` FROM users WHERE `+where+` = ?`, arg).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.APIKey, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser creates a new user
func (db *DB) CreateUser(user *User) error {
	_, err := db.Exec(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.APIKey, user.CreatedAt,
	)
	return err
}

// GetUserByUsername retrieves a user by username, nil if there is none
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.getUser("username", username)
}

// GetUserByID retrieves a user by ID, nil if there is none
func (db *DB) GetUserByID(id string) (*User, error) {
	return db.getUser("id", id)
}

// GetUserByAPIKey retrieves a user by API key, nil if there is none
func (db *DB) GetUserByAPIKey(apiKey string) (*User, error) {
	return db.getUser("api_key", apiKey)
}

// GetOrCreateClient gets an existing client or creates a new one
func (db *DB) GetOrCreateClient(userID, clientID, clientName string) (*Client, error) {
	client := &Client{}
	var lastSyncAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, user_id, name, last_sync_at, created_at FROM clients WHERE id = ? AND user_id = ?`,
		clientID, userID,
	).Scan(&client.ID, &client.UserID, &client.Name, &lastSyncAt, &client.CreatedAt)

	if err == nil {
		if lastSyncAt.Valid {
			client.LastSyncAt = &lastSyncAt.Time
		}
		return client, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = db.Exec(
		`INSERT INTO clients (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		clientID, userID, clientName, now,
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		ID:        clientID,
		UserID:    userID,
		Name:      clientName,
		CreatedAt: now,
	}, nil
}

// UpdateClientLastSync updates the last sync time for a client
func (db *DB) UpdateClientLastSync(userID, clientID string, lastSyncAt time.Time) error {
	_, err := db.Exec(`UPDATE clients SET last_sync_at = ? WHERE id = ? AND user_id = ?`, lastSyncAt.UTC(), clientID, userID)
	return err
}

// GetClientSyncStatus returns the last sync time for a client
func (db *DB) GetClientSyncStatus(userID, clientID string) (*time.Time, error) {
	var lastSyncAt sql.NullTime
	err := db.QueryRow(
		`SELECT last_sync_at FROM clients WHERE id = ? AND user_id = ?`,
		clientID, userID,
	).Scan(&lastSyncAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !lastSyncAt.Valid {
		return nil, nil
	}
	return &lastSyncAt.Time, nil
}

// InsertCalls stores calls, ignoring ones already stored for the user.
// Each call is priced with prices at insert time. It returns the calls that
// were actually inserted.
func (db *DB) InsertCalls(calls []Call, prices model.PriceTable) ([]Call, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO calls
		(id, user_id, client_id, timestamp, started_at, day, room, usage_kind, usage, usage_valid,
		 duration_seconds, input_tokens, output_tokens, tts_characters, cost, summary, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var inserted []Call
	for _, c := range calls {
		rec, valid := c.Usage.Normalize()
		c.Cost = pricing.CalculateCost(rec, prices)
		if c.StartedAt == nil {
			if ts, ok := model.ParseTimestamp(c.Timestamp, time.UTC); ok {
				ts = ts.UTC()
				c.StartedAt = &ts
			}
		}
		if c.ReceivedAt.IsZero() {
			c.ReceivedAt = time.Now().UTC()
		}

		result, err := stmt.Exec(
			c.ID, c.UserID, c.ClientID, c.Timestamp, nullTime(c.StartedAt), dayKey(c.StartedAt), nullString(c.Room),
			int(c.Usage.Kind), usageText(c.Usage), valid,
			rec.DurationSeconds, rec.InputTokens, rec.OutputTokens, rec.TTSCharacters, c.Cost,
			nullString(c.Summary), c.ReceivedAt,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted = append(inserted, c)
		}
	}

	return inserted, tx.Commit()
}

const callColumns = `id, user_id, client_id, timestamp, started_at, room, usage_kind, usage, summary, cost, received_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c         Call
		startedAt sql.NullTime
		room      sql.NullString
		kind      int
		usage     sql.NullString
		summary   sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.ClientID, &c.Timestamp, &startedAt, &room, &kind, &usage, &summary, &c.Cost, &c.ReceivedAt); err != nil {
		return c, err
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	c.Room = room.String
	c.Summary = summary.String
	c.Usage = usageFromColumns(model.UsageKind(kind), usage)
	return c, nil
}

// ListCalls returns a user's calls, newest first. limit <= 0 returns all.
func (db *DB) ListCalls(userID string, limit int) ([]Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE user_id = ?
		ORDER BY started_at DESC NULLS LAST, received_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GetCall returns one call of a user, ErrNotFound if there is none
func (db *DB) GetCall(userID, callID string) (*Call, error) {
	c, err := scanCall(db.QueryRow(`SELECT `+callColumns+` FROM calls WHERE user_id = ? AND id = ?`, userID, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PruneCallsBefore deletes calls that started before cutoff. Rollups are
// kept. Calls without a parseable start time are never pruned.
func (db *DB) PruneCallsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM calls WHERE started_at IS NOT NULL AND started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dayKey(t *time.Time) string {
	if t == nil {
		return unknownDay
	}
	return t.UTC().Format("2006-01-02")
}
