// Package shadow runs advisory shadow executions alongside primary task
// runs, scores the outputs against each other, and learns per-model trust
// scores that feed back into model selection.
package shadow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meircohen/openclaw/internal/task"
)

// Store persists shadow results and trust scores in SQLite.
// Migrations run automatically on initialization.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the shadow database at dir/shadow-bench.db.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "shadow-bench.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate shadow database: %w", err)
	}
	return s, nil
}

// NewStoreInMemory opens an in-memory shadow database for tests.
func NewStoreInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, path: ":memory:"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS shadow_results (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			description TEXT,
			timestamp DATETIME NOT NULL,
			primary_backend TEXT NOT NULL,
			primary_model TEXT,
			primary_duration_ms INTEGER,
			primary_tokens INTEGER,
			primary_cost REAL,
			primary_output_length INTEGER,
			primary_output_hash TEXT,
			primary_success BOOLEAN,
			shadow_backend TEXT NOT NULL,
			shadow_model TEXT,
			shadow_duration_ms INTEGER,
			shadow_tokens INTEGER,
			shadow_cost REAL,
			shadow_output_length INTEGER,
			shadow_output_hash TEXT,
			shadow_success BOOLEAN,
			auto_score REAL,
			user_score REAL,
			length_similarity REAL,
			structure_similarity REAL,
			key_term_overlap REAL,
			code_parses BOOLEAN,
			difficulty_band TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_results_task_type ON shadow_results(task_type)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_results_shadow_model ON shadow_results(shadow_model)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_results_timestamp ON shadow_results(timestamp)`,
		`CREATE TABLE IF NOT EXISTS trust_scores (
			model TEXT NOT NULL,
			task_type TEXT NOT NULL,
			score REAL NOT NULL,
			samples INTEGER NOT NULL,
			trend TEXT,
			backends TEXT,
			last_updated DATETIME,
			difficulty_band TEXT,
			PRIMARY KEY (model, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS user_feedback (
			shadow_id TEXT PRIMARY KEY,
			score REAL NOT NULL,
			comment TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scorer_calibration (
			model TEXT PRIMARY KEY,
			factor REAL NOT NULL DEFAULT 1.0,
			sample_count INTEGER NOT NULL DEFAULT 0,
			last_calibrated DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS promotions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			task_type TEXT NOT NULL,
			difficulty_band TEXT,
			trust_score REAL,
			projected_monthly_savings REAL,
			status TEXT NOT NULL,
			promoted_at DATETIME,
			reverted_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Execution captures one side (primary or shadow) of a comparison.
type Execution struct {
	Backend      task.Backend
	Model        string
	Duration     time.Duration
	Tokens       int64
	CostUSD      float64
	OutputLength int
	OutputHash   string
	Success      bool
}

// Result is one stored shadow comparison row.
type Result struct {
	ID            string
	PrimaryTaskID string
	TaskType      task.Type
	Description   string
	Timestamp     time.Time
	Primary       Execution
	Shadow        Execution
	AutoScore     float64
	UserScore     *float64
	SubScores     SubScores
	Band          Band
}

// SaveResult inserts one comparison row.
func (s *Store) SaveResult(r *Result) error {
	var userScore any
	if r.UserScore != nil {
		userScore = *r.UserScore
	}

	_, err := s.db.Exec(`INSERT INTO shadow_results (
		id, task_id, task_type, description, timestamp,
		primary_backend, primary_model, primary_duration_ms, primary_tokens,
		primary_cost, primary_output_length, primary_output_hash, primary_success,
		shadow_backend, shadow_model, shadow_duration_ms, shadow_tokens,
		shadow_cost, shadow_output_length, shadow_output_hash, shadow_success,
		auto_score, user_score, length_similarity, structure_similarity,
		key_term_overlap, code_parses, difficulty_band
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PrimaryTaskID, string(r.TaskType), r.Description, r.Timestamp,
		string(r.Primary.Backend), r.Primary.Model, r.Primary.Duration.Milliseconds(), r.Primary.Tokens,
		r.Primary.CostUSD, r.Primary.OutputLength, r.Primary.OutputHash, r.Primary.Success,
		string(r.Shadow.Backend), r.Shadow.Model, r.Shadow.Duration.Milliseconds(), r.Shadow.Tokens,
		r.Shadow.CostUSD, r.Shadow.OutputLength, r.Shadow.OutputHash, r.Shadow.Success,
		r.AutoScore, userScore, r.SubScores.Length, r.SubScores.Structure,
		r.SubScores.KeyTerm, r.SubScores.CodeParses, string(r.Band),
	)
	if err != nil {
		return fmt.Errorf("failed to save shadow result: %w", err)
	}
	return nil
}

// RecordUserFeedback stores a user score for a shadow result and mirrors it
// onto the result row.
func (s *Store) RecordUserFeedback(shadowID string, score float64, comment string) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO user_feedback (shadow_id, score, comment) VALUES (?, ?, ?)`,
		shadowID, score, comment,
	); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	if _, err := s.db.Exec(
		`UPDATE shadow_results SET user_score = ? WHERE id = ?`,
		score, shadowID,
	); err != nil {
		return fmt.Errorf("failed to mirror feedback: %w", err)
	}
	return nil
}

// scoredRow is the slice of a result row the trust computation needs.
type scoredRow struct {
	autoScore float64
	userScore *float64
	band      Band
	backend   task.Backend
}

// loadScores returns the scored rows for one model and task type.
func (s *Store) loadScores(model string, taskType task.Type) ([]scoredRow, error) {
	rows, err := s.db.Query(
		`SELECT auto_score, user_score, difficulty_band, shadow_backend
		 FROM shadow_results WHERE shadow_model = ? AND task_type = ?`,
		model, string(taskType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load scores: %w", err)
	}
	defer rows.Close()

	var out []scoredRow
	for rows.Next() {
		var r scoredRow
		var band, backend string
		var user sql.NullFloat64
		if err := rows.Scan(&r.autoScore, &user, &band, &backend); err != nil {
			return nil, err
		}
		if user.Valid {
			v := user.Float64
			r.userScore = &v
		}
		r.band = Band(band)
		r.backend = task.Backend(backend)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveTrustScore upserts a trust score row.
func (s *Store) SaveTrustScore(ts *TrustScore) error {
	backends, err := json.Marshal(ts.Backends)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO trust_scores
		(model, task_type, score, samples, trend, backends, last_updated, difficulty_band)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, task_type) DO UPDATE SET
			score = excluded.score,
			samples = excluded.samples,
			trend = excluded.trend,
			backends = excluded.backends,
			last_updated = excluded.last_updated,
			difficulty_band = excluded.difficulty_band`,
		ts.Model, string(ts.TaskType), ts.Score, ts.Samples, ts.Trend,
		string(backends), ts.LastUpdated, string(ts.Band),
	)
	if err != nil {
		return fmt.Errorf("failed to save trust score: %w", err)
	}
	return nil
}

// GetTrustScore loads the trust score for a model and task type.
func (s *Store) GetTrustScore(model string, taskType task.Type) (*TrustScore, error) {
	row := s.db.QueryRow(
		`SELECT model, task_type, score, samples, trend, backends, last_updated, difficulty_band
		 FROM trust_scores WHERE model = ? AND task_type = ?`,
		model, string(taskType),
	)

	ts := &TrustScore{}
	var taskTypeStr, backendsJSON, band string
	var trend sql.NullString
	var lastUpdated sql.NullTime
	err := row.Scan(&ts.Model, &taskTypeStr, &ts.Score, &ts.Samples, &trend, &backendsJSON, &lastUpdated, &band)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trust score: %w", err)
	}

	ts.TaskType = task.Type(taskTypeStr)
	ts.Band = Band(band)
	if trend.Valid {
		ts.Trend = trend.String
	}
	if lastUpdated.Valid {
		ts.LastUpdated = lastUpdated.Time
	}
	if backendsJSON != "" {
		if err := json.Unmarshal([]byte(backendsJSON), &ts.Backends); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// SavePromotion records a promotion or demotion event.
func (s *Store) SavePromotion(p *Promotion) error {
	_, err := s.db.Exec(`INSERT INTO promotions
		(id, model, task_type, difficulty_band, trust_score, projected_monthly_savings, status, promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Model, string(p.TaskType), string(p.Band), p.TrustScore,
		p.ProjectedMonthlySavings, p.Status, p.PromotedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save promotion: %w", err)
	}
	return nil
}

// PruneResults deletes rows older than the retention window.
func (s *Store) PruneResults(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	_, err := s.db.Exec(`DELETE FROM shadow_results WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune shadow results: %w", err)
	}
	return nil
}

// CountResults returns the number of stored comparison rows.
func (s *Store) CountResults() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM shadow_results`).Scan(&n)
	return n, err
}

// trimModelPrefix strips a provider prefix from a model id.
func trimModelPrefix(model string) string {
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		return model[idx+1:]
	}
	return model
}
