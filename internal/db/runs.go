package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// PrecomputeRun is one precompute invocation over a set of sequences.
// Timestamps are stored as unix seconds.
type PrecomputeRun struct {
	ID            string
	ConfigHash    string
	ConfigJSON    string
	Sequences     int
	PairsTotal    int
	PairsCached   int
	PairsComputed int
	PairsFailed   int
	Status        string
	Error         *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// RunCounters aggregates pair outcomes for a finished run.
type RunCounters struct {
	PairsTotal    int
	PairsCached   int
	PairsComputed int
	PairsFailed   int
}

// PairStat records the outcome of one frame pair within a run.
type PairStat struct {
	RunID       string
	SequenceID  string
	PairIndex   int
	FrameI      int
	FrameJ      int
	Overlap     float64
	Candidates  int
	Valid       int
	Inliers     int
	MeanBadness float64
	Cached      bool
	ElapsedMs   float64
}

// StartRun inserts a new run row in the running state and returns its ID.
// configJSON is the full serialized configuration, kept so the hash can be
// traced back to concrete option values later.
func (db *DB) StartRun(configHash, configJSON string, sequences int) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec(
		`INSERT INTO precompute_runs (id, config_hash, config_json, sequences, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, configHash, configJSON, sequences, RunStatusRunning, db.clock.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// CompleteRun finalizes a run with its aggregate counters and status.
// errText is stored for failed runs; pass "" for a clean completion.
func (db *DB) CompleteRun(id string, counters RunCounters, status, errText string) error {
	var errCol *string
	if errText != "" {
		errCol = &errText
	}
	res, err := db.Exec(
		`UPDATE precompute_runs
		 SET pairs_total = ?, pairs_cached = ?, pairs_computed = ?, pairs_failed = ?,
		     status = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		counters.PairsTotal, counters.PairsCached, counters.PairsComputed, counters.PairsFailed,
		status, errCol, db.clock.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("complete run %s: no such run", id)
	}
	return nil
}

// RecordPairStat inserts or replaces the outcome of a pair within a run.
func (db *DB) RecordPairStat(stat PairStat) error {
	cachedInt := 0
	if stat.Cached {
		cachedInt = 1
	}
	_, err := db.Exec(
		`INSERT OR REPLACE INTO pair_stats (
			run_id, sequence_id, pair_index, frame_i, frame_j,
			overlap, candidates, valid, inliers, mean_badness, cached, elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stat.RunID, stat.SequenceID, stat.PairIndex, stat.FrameI, stat.FrameJ,
		stat.Overlap, stat.Candidates, stat.Valid, stat.Inliers, stat.MeanBadness,
		cachedInt, stat.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("record pair stat %s/%d: %w", stat.SequenceID, stat.PairIndex, err)
	}
	return nil
}

const runColumns = `id, config_hash, config_json, sequences, pairs_total, pairs_cached,
	pairs_computed, pairs_failed, status, error, started_at, finished_at`

// Run fetches one run by ID.
func (db *DB) Run(id string) (*PrecomputeRun, error) {
	row := db.QueryRow(
		`SELECT `+runColumns+` FROM precompute_runs WHERE id = ?`, id)
	return scanRun(row, id)
}

// LatestRun fetches the most recently started run for the given config hash.
func (db *DB) LatestRun(configHash string) (*PrecomputeRun, error) {
	row := db.QueryRow(
		`SELECT `+runColumns+` FROM precompute_runs WHERE config_hash = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`, configHash)
	return scanRun(row, configHash)
}

func scanRun(row *sql.Row, key string) (*PrecomputeRun, error) {
	var run PrecomputeRun
	var startedAtUnix int64
	var finishedAtUnix sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.ConfigHash,
		&run.ConfigJSON,
		&run.Sequences,
		&run.PairsTotal,
		&run.PairsCached,
		&run.PairsComputed,
		&run.PairsFailed,
		&run.Status,
		&run.Error,
		&startedAtUnix,
		&finishedAtUnix,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", key, err)
	}

	run.StartedAt = time.Unix(startedAtUnix, 0)
	if finishedAtUnix.Valid {
		finished := time.Unix(finishedAtUnix.Int64, 0)
		run.FinishedAt = &finished
	}

	return &run, nil
}

// PairStats returns the pair outcomes recorded for a run, ordered by
// sequence and pair index.
func (db *DB) PairStats(runID string) ([]PairStat, error) {
	rows, err := db.Query(
		`SELECT run_id, sequence_id, pair_index, frame_i, frame_j,
		        overlap, candidates, valid, inliers, mean_badness, cached, elapsed_ms
		 FROM pair_stats WHERE run_id = ?
		 ORDER BY sequence_id, pair_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []PairStat
	for rows.Next() {
		var stat PairStat
		var cachedInt int
		if err := rows.Scan(
			&stat.RunID,
			&stat.SequenceID,
			&stat.PairIndex,
			&stat.FrameI,
			&stat.FrameJ,
			&stat.Overlap,
			&stat.Candidates,
			&stat.Valid,
			&stat.Inliers,
			&stat.MeanBadness,
			&cachedInt,
			&stat.ElapsedMs,
		); err != nil {
			return nil, err
		}
		stat.Cached = cachedInt != 0
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}
