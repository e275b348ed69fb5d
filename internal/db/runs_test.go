package db

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sightline-vision/densecorr/internal/timeutil"
)

func TestStartRunAndFetch(t *testing.T) {
	database := setupTestDB(t)
	started := time.Date(2026, time.February, 10, 9, 30, 0, 0, time.UTC)
	database.clock = timeutil.NewMockClock(started)

	id, err := database.StartRun("deadbeef00112233", `{"adjacent_min":1}`, 3)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if id == "" {
		t.Fatal("StartRun returned empty ID")
	}

	run, err := database.Run(id)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.ConfigHash != "deadbeef00112233" {
		t.Errorf("ConfigHash = %q, want deadbeef00112233", run.ConfigHash)
	}
	if run.ConfigJSON != `{"adjacent_min":1}` {
		t.Errorf("ConfigJSON = %q, want the inserted JSON", run.ConfigJSON)
	}
	if run.Sequences != 3 {
		t.Errorf("Sequences = %d, want 3", run.Sequences)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Status = %q, want %q", run.Status, RunStatusRunning)
	}
	if run.StartedAt.Unix() != started.Unix() {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.FinishedAt != nil {
		t.Errorf("FinishedAt = %v on a running run, want nil", run.FinishedAt)
	}
	if run.Error != nil {
		t.Errorf("Error = %q on a running run, want nil", *run.Error)
	}
}

func TestRunNotFound(t *testing.T) {
	database := setupTestDB(t)

	if _, err := database.Run("no-such-run"); err == nil {
		t.Fatal("Run on unknown ID succeeded, want error")
	}
}

func TestCompleteRun(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartRun("cafe", "{}", 1)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	counters := RunCounters{PairsTotal: 10, PairsCached: 4, PairsComputed: 5, PairsFailed: 1}
	if err := database.CompleteRun(id, counters, RunStatusCompleted, ""); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	run, err := database.Run(id)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Errorf("Status = %q, want %q", run.Status, RunStatusCompleted)
	}
	if run.PairsTotal != 10 || run.PairsCached != 4 || run.PairsComputed != 5 || run.PairsFailed != 1 {
		t.Errorf("counters = %d/%d/%d/%d, want 10/4/5/1",
			run.PairsTotal, run.PairsCached, run.PairsComputed, run.PairsFailed)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt is nil on a completed run")
	}
	if run.Error != nil {
		t.Errorf("Error = %q on a clean run, want nil", *run.Error)
	}
}

func TestCompleteRunRecordsFailure(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartRun("dead", "{}", 1)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := database.CompleteRun(id, RunCounters{}, RunStatusFailed, "every sequence failed"); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	run, err := database.Run(id)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Status = %q, want %q", run.Status, RunStatusFailed)
	}
	if run.Error == nil || *run.Error != "every sequence failed" {
		t.Errorf("Error = %v, want the failure text", run.Error)
	}
}

func TestCompleteRunUnknownID(t *testing.T) {
	database := setupTestDB(t)

	err := database.CompleteRun("missing", RunCounters{}, RunStatusFailed, "")
	if err == nil {
		t.Fatal("CompleteRun on unknown ID succeeded, want error")
	}
	if !strings.Contains(err.Error(), "no such run") {
		t.Errorf("error = %v, want mention of missing run", err)
	}
}

func TestRecordAndListPairStats(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartRun("beef", "{}", 2)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	// Insert out of order to exercise the query ordering.
	stats := []PairStat{
		{RunID: id, SequenceID: "seq-b", PairIndex: 0, FrameI: 0, FrameJ: 1, Overlap: 0.8, Candidates: 100, Valid: 95, Inliers: 90, MeanBadness: 0.01, Cached: true, ElapsedMs: 1.5},
		{RunID: id, SequenceID: "seq-a", PairIndex: 1, FrameI: 1, FrameJ: 2, Overlap: 0.6, Candidates: 100, Valid: 80, Inliers: 70, MeanBadness: 0.03, ElapsedMs: 12.0},
		{RunID: id, SequenceID: "seq-a", PairIndex: 0, FrameI: 0, FrameJ: 1, Overlap: 0.7, Candidates: 100, Valid: 85, Inliers: 80, MeanBadness: 0.02, ElapsedMs: 10.0},
	}
	for _, stat := range stats {
		if err := database.RecordPairStat(stat); err != nil {
			t.Fatalf("RecordPairStat(%s/%d) failed: %v", stat.SequenceID, stat.PairIndex, err)
		}
	}

	got, err := database.PairStats(id)
	if err != nil {
		t.Fatalf("PairStats failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("PairStats returned %d rows, want 3", len(got))
	}
	wantOrder := []string{"seq-a/0", "seq-a/1", "seq-b/0"}
	for i, stat := range got {
		key := fmt.Sprintf("%s/%d", stat.SequenceID, stat.PairIndex)
		if key != wantOrder[i] {
			t.Errorf("row %d = %s, want %s", i, key, wantOrder[i])
		}
	}
	if !got[2].Cached {
		t.Error("seq-b/0 lost its cached flag")
	}
	if got[0].Inliers != 80 || got[0].Valid != 85 {
		t.Errorf("seq-a/0 valid/inliers = %d/%d, want 85/80", got[0].Valid, got[0].Inliers)
	}
	if got[0].MeanBadness != 0.02 {
		t.Errorf("seq-a/0 mean badness = %g, want 0.02", got[0].MeanBadness)
	}

	// Re-recording the same pair replaces the row.
	updated := stats[2]
	updated.Inliers = 85
	if err := database.RecordPairStat(updated); err != nil {
		t.Fatalf("RecordPairStat replace failed: %v", err)
	}
	got, err = database.PairStats(id)
	if err != nil {
		t.Fatalf("PairStats failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("replace grew the table to %d rows, want 3", len(got))
	}
	if got[0].Inliers != 85 {
		t.Errorf("replaced seq-a/0 inliers = %d, want 85", got[0].Inliers)
	}
}

func TestRecordPairStatRequiresRun(t *testing.T) {
	database := setupTestDB(t)

	err := database.RecordPairStat(PairStat{
		RunID: "orphan", SequenceID: "seq", PairIndex: 0,
	})
	if err == nil {
		t.Fatal("RecordPairStat with unknown run succeeded, want foreign key error")
	}
}

func TestLatestRun(t *testing.T) {
	database := setupTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC))
	database.clock = clock

	if _, err := database.StartRun("aaaa", "{}", 1); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := database.StartRun("aaaa", "{}", 1)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	latest, err := database.LatestRun("aaaa")
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != second {
		t.Errorf("LatestRun = %s, want %s", latest.ID, second)
	}

	if _, err := database.LatestRun("bbbb"); err == nil {
		t.Error("LatestRun for unused hash succeeded, want error")
	}
}
