package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/voxedit/internal/config"
	_ "modernc.org/sqlite"
)

// Generation is one journalled synthesis round.
type Generation struct {
	ID              int64         `json:"id"`
	SessionID       string        `json:"session_id"`
	VoiceID         string        `json:"voice_id"`
	InputText       string        `json:"input_text"`
	CleanedSequence string        `json:"cleaned_sequence"`
	Fresh           bool          `json:"fresh"`
	RequestPitch    []float64     `json:"request_pitch"`
	RequestDuration []float64     `json:"request_duration"`
	ResultPitch     []float64     `json:"result_pitch"`
	ResultDuration  []float64     `json:"result_duration"`
	Outfile         string        `json:"outfile"`
	AudioDuration   time.Duration `json:"audio_duration_ns"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Store is a SQLite-backed journal of generation rounds grouped by utterance
// session.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    session_id TEXT PRIMARY KEY,
    voice_id TEXT NOT NULL,
    input_text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS generations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    input_text TEXT NOT NULL,
    cleaned_sequence TEXT,
    fresh INTEGER NOT NULL,
    request_pitch TEXT,
    request_duration TEXT,
    result_pitch TEXT,
    result_duration TEXT,
    outfile TEXT,
    audio_duration_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES utterances(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_generations_session_created ON generations(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginUtterance records a new utterance session, created on every fresh
// regeneration.
func (s *Store) BeginUtterance(ctx context.Context, sessionID, voiceID, text string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, voice_id, input_text, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET voice_id=excluded.voice_id, input_text=excluded.input_text`,
		sessionID, voiceID, text, s.clock().UTC())
	return err
}

// AppendGeneration writes one round into the journal.
func (s *Store) AppendGeneration(ctx context.Context, g Generation) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.clock().UTC()
	}
	arrays := make([]string, 0, 4)
	for _, values := range [][]float64{g.RequestPitch, g.RequestDuration, g.ResultPitch, g.ResultDuration} {
		encoded, err := encodeFloats(values)
		if err != nil {
			return err
		}
		arrays = append(arrays, encoded)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations(session_id, voice_id, input_text, cleaned_sequence, fresh,
		   request_pitch, request_duration, result_pitch, result_duration, outfile, audio_duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.SessionID, g.VoiceID, g.InputText, g.CleanedSequence, g.Fresh,
		arrays[0], arrays[1], arrays[2], arrays[3], g.Outfile, g.AudioDuration.Milliseconds(), g.CreatedAt)
	return err
}

// ListSessionGenerations retrieves up to limit rounds for a session ordered
// ascending by time.
func (s *Store) ListSessionGenerations(ctx context.Context, sessionID string, limit int) ([]Generation, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, voice_id, input_text, cleaned_sequence, fresh,
		        request_pitch, request_duration, result_pitch, result_duration,
		        outfile, audio_duration_ms, created_at
		 FROM generations WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var (
			g          Generation
			arrays     [4]sql.NullString
			durationMS sql.NullInt64
			created    time.Time
		)
		if err := rows.Scan(&g.ID, &g.SessionID, &g.VoiceID, &g.InputText, &g.CleanedSequence, &g.Fresh,
			&arrays[0], &arrays[1], &arrays[2], &arrays[3], &g.Outfile, &durationMS, &created); err != nil {
			return nil, err
		}
		targets := []*[]float64{&g.RequestPitch, &g.RequestDuration, &g.ResultPitch, &g.ResultDuration}
		for i, raw := range arrays {
			if *targets[i], err = decodeFloats(raw.String); err != nil {
				return nil, err
			}
		}
		g.AudioDuration = time.Duration(durationMS.Int64) * time.Millisecond
		g.CreatedAt = created
		out = append(out, g)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE session_id IN (
			SELECT session_id FROM utterances ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func encodeFloats(values []float64) (string, error) {
	if values == nil {
		values = []float64{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode values: %w", err)
	}
	return string(data), nil
}

func decodeFloats(raw string) ([]float64, error) {
	if raw == "" {
		return nil, nil
	}
	var out []float64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return out, nil
}
