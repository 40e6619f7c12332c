package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO
)

// authStatusData is the JSON payload stored under antigravityAuthStatus
type authStatusData struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Extractor reads the logged-in IDE credential out of the Antigravity
// state database for database-source accounts. It implements
// account.TokenExtractor. Extractions are cached briefly since the IDE
// rewrites the row on its own refresh cycle.
type Extractor struct {
	mu          sync.Mutex
	dbPath      string
	cachedToken string
	extractedAt time.Time
}

// NewExtractor creates an extractor for the given database path. An
// empty path uses the platform default.
func NewExtractor(dbPath string) *Extractor {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}
	return &Extractor{dbPath: dbPath}
}

// ExtractToken returns the IDE's current access token
func (e *Extractor) ExtractToken(email string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cachedToken != "" && time.Since(e.extractedAt) < time.Duration(config.TokenCacheTTLMs)*time.Millisecond {
		return e.cachedToken, nil
	}

	data, err := e.readAuthStatus()
	if err != nil {
		return "", err
	}
	if email != "" && data.Email != "" && data.Email != email {
		return "", fmt.Errorf("database is logged in as %s, not %s", data.Email, email)
	}

	e.cachedToken = data.APIKey
	e.extractedAt = time.Now()
	return data.APIKey, nil
}

func (e *Extractor) readAuthStatus() (*authStatusData, error) {
	if _, err := os.Stat(e.dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", e.dbPath)
	}

	db, err := sql.Open("sqlite", e.dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query database: %w", err)
	}

	var data authStatusData
	if err := json.Unmarshal([]byte(value), &data); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}
	if data.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}
	return &data, nil
}

// IsDatabaseAccessible reports whether the state database can be opened
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()
	return db.Ping() == nil
}
