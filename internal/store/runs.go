// internal/store/runs.go
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/lumix-ai/lact/internal/learning"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRunNotFound = errors.New("run not found")

// RunStatus - outcome of one learning run
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run - ledger entry for one document learning pass. Fast weights are never
// persisted; they live only as long as the document.
type Run struct {
	ID         string                   `json:"id"`
	DocumentID string                   `json:"document_id"`
	Filename   string                   `json:"filename"`
	Status     RunStatus                `json:"status"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Metrics    learning.LearningMetrics `json:"metrics"`
}

type Config struct {
	// Path of the SQLite file; ":memory:" keeps the ledger in RAM.
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

func DefaultConfig() Config {
	return Config{Path: "data/runs.db", CacheSize: 256}
}

// RunStore - SQLite ledger of learning runs with an LRU in front of reads
type RunStore struct {
	db      *sql.DB
	cache   *lru.Cache[string, Run]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	initial_loss REAL NOT NULL,
	final_loss REAL NOT NULL,
	chunks_processed INTEGER NOT NULL,
	tokens_processed INTEGER NOT NULL,
	learning_time_seconds REAL NOT NULL,
	weight_delta_norm REAL NOT NULL,
	cancelled INTEGER NOT NULL,
	loss_history BLOB
);
CREATE INDEX IF NOT EXISTS runs_document ON runs(document_id, started_at);
`

func Open(config Config) (*RunStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}

	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Path, err)
	}
	// one connection: sqlite has a single writer, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	cache, err := lru.New[string, Run](config.CacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, err
	}

	return &RunStore{
		db:      db,
		cache:   cache,
		encoder: encoder,
		decoder: decoder,
		logger:  log.With().Str("component", "store").Str("path", config.Path).Logger(),
	}, nil
}

func (s *RunStore) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Save inserts or replaces run. A missing ID is generated and written back.
func (s *RunStore) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = run.StartedAt
	}

	var history []byte
	if len(run.Metrics.LossHistory) > 0 {
		history = s.encoder.EncodeAll(encodeFloats(run.Metrics.LossHistory), nil)
	}
	m := run.Metrics
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs(
			id, document_id, filename, status, error, started_at, finished_at,
			initial_loss, final_loss, chunks_processed, tokens_processed,
			learning_time_seconds, weight_delta_norm, cancelled, loss_history
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.DocumentID, run.Filename, string(run.Status), run.Error,
		run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		m.InitialLoss, m.FinalLoss, m.ChunksProcessed, m.TokensProcessed,
		m.LearningTimeSeconds, m.WeightDeltaNorm, m.Cancelled, history)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	s.cache.Add(run.ID, cloneRun(*run))
	s.logger.Debug().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("history_bytes", len(history)).
		Msg("run saved")
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (Run, error) {
	if run, ok := s.cache.Get(id); ok {
		return cloneRun(run), nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	run, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	s.cache.Add(id, run)
	return cloneRun(run), nil
}

// List returns the most recent runs first. An empty documentID lists every
// document; limit <= 0 means no limit.
func (s *RunStore) List(ctx context.Context, documentID string, limit int) ([]Run, error) {
	query := `SELECT ` + columns + ` FROM runs`
	var args []any
	if documentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const columns = `id, document_id, filename, status, error, started_at, finished_at,
	initial_loss, final_loss, chunks_processed, tokens_processed,
	learning_time_seconds, weight_delta_norm, cancelled, loss_history`

type scanner interface {
	Scan(dest ...any) error
}

func (s *RunStore) scan(row scanner) (Run, error) {
	var (
		run               Run
		status            string
		started, finished int64
		history           []byte
	)
	m := &run.Metrics
	err := row.Scan(&run.ID, &run.DocumentID, &run.Filename, &status, &run.Error, &started, &finished,
		&m.InitialLoss, &m.FinalLoss, &m.ChunksProcessed, &m.TokensProcessed,
		&m.LearningTimeSeconds, &m.WeightDeltaNorm, &m.Cancelled, &history)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = time.Unix(0, started)
	run.FinishedAt = time.Unix(0, finished)

	if len(history) > 0 {
		raw, err := s.decoder.DecodeAll(history, nil)
		if err != nil {
			return Run{}, fmt.Errorf("run %s: decode loss history: %w", run.ID, err)
		}
		if m.LossHistory, err = decodeFloats(raw); err != nil {
			return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// little-endian float64 bits
func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("loss history has %d bytes, not a multiple of 8", len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}

func cloneRun(run Run) Run {
	if run.Metrics.LossHistory != nil {
		run.Metrics.LossHistory = append([]float64{}, run.Metrics.LossHistory...)
	}
	return run
}
