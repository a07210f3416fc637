package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
)

// Store persists constraints and incidents in SQLite.
type Store struct {
	db            *sql.DB
	mu            sync.Mutex
	experimentTTL time.Duration
	minPatternLen int
	now           func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow injects a clock for expiry tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens (or creates) the store at path.
func NewStore(path string, experimentTTL time.Duration, minPatternLen int, opts ...StoreOption) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "NewStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("memory: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryMemory).Warn("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryMemory).Warn("set journal_mode: %v", err)
	}

	s := &Store{
		db:            db,
		experimentTTL: experimentTTL,
		minPatternLen: minPatternLen,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.experimentTTL <= 0 {
		s.experimentTTL = 30 * 24 * time.Hour
	}
	if s.minPatternLen <= 0 {
		s.minPatternLen = 3
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS constraints (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			pattern     TEXT NOT NULL,
			tier        TEXT NOT NULL,
			language    TEXT NOT NULL DEFAULT '',
			domain      TEXT NOT NULL DEFAULT 'general',
			source      TEXT NOT NULL DEFAULT 'system',
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER,
			active      INTEGER NOT NULL DEFAULT 1,
			warning     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_constraints_active ON constraints(active, tier)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id   TEXT NOT NULL,
			decision   TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_round ON incidents(round_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w", err)
		}
	}
	return nil
}

// Append stores a constraint. Overly broad patterns are a poisoning vector
// and are stored deactivated with a warning; experimental constraints get the
// configured trial expiry when none is set.
func (s *Store) Append(c Constraint) error {
	if !c.Tier.Valid() {
		return fmt.Errorf("memory: invalid tier %q", c.Tier)
	}
	if c.ID == "" {
		return fmt.Errorf("memory: constraint id required")
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.Active = true
	if len(c.Pattern) < s.minPatternLen {
		c.Active = false
		c.Warning = "overly broad pattern detected"
	}
	if c.Tier == TierExperimental && c.ExpiresAt == nil {
		exp := now.Add(s.experimentTTL)
		c.ExpiresAt = &exp
	}
	if c.Domain == "" {
		c.Domain = "general"
	}

	var expires interface{}
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO constraints (id, description, pattern, tier, language, domain, source, created_at, expires_at, active, warning)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Description, c.Pattern, string(c.Tier), c.Language, c.Domain, c.Source,
		c.CreatedAt.Unix(), expires, boolInt(c.Active), c.Warning,
	)
	if err != nil {
		return fmt.Errorf("memory: append constraint: %w", err)
	}
	logging.Get(logging.CategoryMemory).Info("constraint %s appended (tier=%s active=%v)", c.ID, c.Tier, c.Active)
	return nil
}

// Query returns active, unexpired constraints matching the language/domain
// scope, ordered by tier severity then creation time.
func (s *Store) Query(language, domain string) ([]Constraint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, description, pattern, tier, language, domain, source, created_at, expires_at, active, warning
		 FROM constraints WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("memory: query constraints: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []Constraint
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, err
		}
		if c.Expired(now) {
			continue
		}
		if !c.Matches(language, domain) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns one constraint by ID.
func (s *Store) Get(id string) (Constraint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, description, pattern, tier, language, domain, source, created_at, expires_at, active, warning
		 FROM constraints WHERE id = ?`, id)
	return scanConstraint(row)
}

// Deactivate retires a constraint without deleting its history.
func (s *Store) Deactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE constraints SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: deactivate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory: constraint %s not found", id)
	}
	return nil
}

// RecordIncident appends one outcome record.
func (s *Store) RecordIncident(inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO incidents (round_id, decision, outcome, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		inc.RoundID, inc.Decision, inc.Outcome, inc.Details, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("memory: record incident: %w", err)
	}
	return nil
}

// Incidents returns the most recent incidents, newest first.
func (s *Store) Incidents(limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, round_id, decision, outcome, details, created_at
		 FROM incidents ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var created int64
		if err := rows.Scan(&inc.ID, &inc.RoundID, &inc.Decision, &inc.Outcome, &inc.Details, &created); err != nil {
			return nil, err
		}
		inc.CreatedAt = time.Unix(created, 0)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConstraint(row rowScanner) (Constraint, error) {
	var c Constraint
	var tier string
	var created int64
	var expires sql.NullInt64
	var active int
	if err := row.Scan(&c.ID, &c.Description, &c.Pattern, &tier, &c.Language, &c.Domain,
		&c.Source, &created, &expires, &active, &c.Warning); err != nil {
		if err == sql.ErrNoRows {
			return Constraint{}, fmt.Errorf("memory: constraint not found")
		}
		return Constraint{}, fmt.Errorf("memory: scan constraint: %w", err)
	}
	c.Tier = Tier(tier)
	c.CreatedAt = time.Unix(created, 0)
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		c.ExpiresAt = &t
	}
	c.Active = active == 1
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
