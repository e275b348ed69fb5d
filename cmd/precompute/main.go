// Command precompute fills the correspondence cache for a dataset: it loads
// every sequence under the data root, selects frame pairs, projects and
// filters correspondences with a worker pool, and records the run in the
// bookkeeping database next to the cache.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/schollz/progressbar/v3"

	"github.com/sightline-vision/densecorr/internal/cache"
	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/dataset"
	"github.com/sightline-vision/densecorr/internal/db"
	"github.com/sightline-vision/densecorr/internal/fsutil"
	"github.com/sightline-vision/densecorr/internal/sfm"
	"github.com/sightline-vision/densecorr/internal/version"
)

func main() {
	var dataRoot string
	var cacheDir string
	var configPath string
	var dbPath string
	var workers int
	var noProgress bool
	var showVersion bool

	flag.StringVar(&dataRoot, "data", "", "dataset root with one directory per sequence")
	flag.StringVar(&cacheDir, "cache", "", "correspondence cache directory")
	flag.StringVar(&configPath, "config", "", "optional JSON config overlay")
	flag.StringVar(&dbPath, "db", "", "run bookkeeping database (default <cache>/precompute.db)")
	flag.IntVar(&workers, "workers", 0, "override num_workers from the config")
	flag.BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return
	}
	if dataRoot == "" || cacheDir == "" {
		log.Fatalf("data and cache must be provided")
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if workers > 0 {
		cfg.NumWorkers = workers
	}
	if dbPath == "" {
		dbPath = filepath.Join(cacheDir, "precompute.db")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		log.Fatalf("create cache dir: %v", err)
	}

	// One precompute per cache tree. The cache itself stays consistent
	// without the lock (staged writes, deterministic bytes), so this only
	// stops two runs from doing the same work twice.
	lock := flock.New(filepath.Join(cacheDir, ".precompute.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("acquire cache lock: %v", err)
	}
	if !locked {
		log.Fatalf("another precompute is already running against %s", cacheDir)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids, err := sfm.ListSequences(dataRoot)
	if err != nil {
		log.Fatalf("list sequences: %v", err)
	}
	if len(ids) == 0 {
		log.Fatalf("no sequences under %s", dataRoot)
	}

	seqs := make([]*sfm.Sequence, 0, len(ids))
	for _, id := range ids {
		seq, err := sfm.LoadSequence(dataRoot, id, cfg)
		if err != nil {
			log.Fatalf("load sequence: %v", err)
		}
		seqs = append(seqs, seq)
	}

	store := cache.NewStore(fsutil.OSFileSystem{}, cacheDir, cfg)
	d, err := dataset.New(cfg, seqs, store)
	if err != nil {
		log.Fatalf("build dataset: %v", err)
	}

	dbConn, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("open run database: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.MigrateUp(); err != nil {
		log.Fatalf("migrate run database: %v", err)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		log.Fatalf("marshal config: %v", err)
	}
	runID, err := dbConn.StartRun(d.ConfigHash(), string(cfgJSON), d.SequenceCount())
	if err != nil {
		log.Fatalf("start run: %v", err)
	}
	log.Printf("run %s: %d sequences, %d pairs, config hash %s",
		runID, d.SequenceCount(), d.PairTotal(), d.ConfigHash())

	if !noProgress {
		bar := progressbar.NewOptions(d.PairTotal(),
			progressbar.OptionSetDescription("Precomputing pairs"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("pairs"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		d.OnPairDone = func() { bar.Add(1) }
	}

	summary, runErr := d.Precompute(ctx, runID, dbConn)
	if !noProgress {
		fmt.Println()
	}

	status := db.RunStatusCompleted
	errText := ""
	if runErr != nil {
		status = db.RunStatusFailed
		errText = runErr.Error()
	}
	if err := dbConn.CompleteRun(runID, summary.Counters(), status, errText); err != nil {
		log.Printf("complete run %s: %v", runID, err)
	}

	if runErr != nil {
		log.Fatalf("precompute: %v", runErr)
	}

	fmt.Printf("precompute complete: %d pairs (%d computed, %d cached, %d failed) across %d sequences\n",
		summary.Pairs, summary.Computed, summary.Cached, summary.Failed, summary.Sequences)
	if summary.SkippedSequences > 0 {
		fmt.Printf("skipped %d sequences with no admissible pairs\n", summary.SkippedSequences)
	}
}
