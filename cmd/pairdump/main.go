// Command pairdump inspects the correspondence cache: it decodes one cached
// pair and prints its counts, badness distribution, and a sample of inlier
// rows, or summarizes the latest recorded precompute run for a config hash.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/sightline-vision/densecorr/internal/cache"
	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/db"
	"github.com/sightline-vision/densecorr/internal/fsutil"
	"github.com/sightline-vision/densecorr/internal/version"
)

func main() {
	var cacheDir string
	var sequenceID string
	var pairIndex int
	var configPath string
	var hashOverride string
	var sampleRows int
	var latestRun bool
	var dbPath string
	var showVersion bool

	flag.StringVar(&cacheDir, "cache", "", "correspondence cache directory")
	flag.StringVar(&sequenceID, "sequence", "", "sequence id of the entry to dump")
	flag.IntVar(&pairIndex, "pair", 0, "pair index of the entry to dump")
	flag.StringVar(&configPath, "config", "", "optional JSON config overlay, used to derive the hash")
	flag.StringVar(&hashOverride, "hash", "", "explicit config hash (skips derivation)")
	flag.IntVar(&sampleRows, "corrs", 8, "number of inlier rows to print")
	flag.BoolVar(&latestRun, "latest-run", false, "print the latest recorded run for the hash instead of an entry")
	flag.StringVar(&dbPath, "db", "", "run bookkeeping database (default <cache>/precompute.db)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return
	}
	if cacheDir == "" {
		log.Fatalf("cache must be provided")
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	hash := cfg.GeometryHash()
	if hashOverride != "" {
		hash = hashOverride
	}

	if latestRun {
		if dbPath == "" {
			dbPath = filepath.Join(cacheDir, "precompute.db")
		}
		dumpLatestRun(dbPath, hash)
		return
	}

	if sequenceID == "" {
		log.Fatalf("sequence must be provided")
	}

	store := cache.NewStore(fsutil.OSFileSystem{}, cacheDir, cfg)
	key := cache.Key{SequenceID: sequenceID, PairIndex: pairIndex, ConfigHash: hash}
	entry, err := store.Get(key)
	if err != nil {
		if errors.Is(err, cache.ErrNotCached) {
			log.Fatalf("no entry at %s (run precompute first?)", store.EntryPath(key))
		}
		log.Fatalf("read entry: %v", err)
	}

	dumpEntry(store.EntryPath(key), entry, sampleRows)
}

func dumpEntry(path string, entry *cache.Entry, sampleRows int) {
	inliers := entry.Inliers()

	fmt.Printf("entry   %s\n", path)
	fmt.Printf("pair    frames %d -> %d at %dx%d\n", entry.PairI, entry.PairJ, entry.Width, entry.Height)

	valid := 0
	for _, c := range entry.Correspondences {
		if c.Valid {
			valid++
		}
	}
	fmt.Printf("counts  %d candidates, %d valid, %d inliers, %d patches\n",
		len(entry.Correspondences), valid, len(inliers), len(entry.Patches))

	printBadnessHistogram(entry)

	if sampleRows > len(inliers) {
		sampleRows = len(inliers)
	}
	if sampleRows > 0 {
		fmt.Printf("\n%-14s %-22s %10s %12s\n", "source", "target", "depth", "badness")
		for _, c := range inliers[:sampleRows] {
			fmt.Printf("(%4d,%4d)    (%8.2f,%8.2f)    %10.4f %12.6f\n",
				c.SourceX, c.SourceY, c.TargetX, c.TargetY, c.TargetDepth, c.Badness)
		}
		if len(inliers) > sampleRows {
			fmt.Printf("... %d more inliers\n", len(inliers)-sampleRows)
		}
	}

	if len(entry.Patches) > 0 {
		px, py, pv := entry.Patches[0].Peak()
		fmt.Printf("\npatch 0 %dx%d at (%d,%d), peak %.4f at (%d,%d)\n",
			entry.Patches[0].Width, entry.Patches[0].Height,
			entry.Patches[0].OriginX, entry.Patches[0].OriginY, pv, px, py)
	}
}

// printBadnessHistogram buckets the correspondences by relative depth
// residual. +Inf records projections that failed before the depth comparison
// and is counted separately.
func printBadnessHistogram(entry *cache.Entry) {
	edges := []float64{0.001, 0.01, 0.05, 0.1, 1.0, math.Inf(1)}
	labels := []string{"<=0.001", "<=0.01", "<=0.05", "<=0.1", "<=1.0", ">1.0"}
	counts := make([]int, len(edges))
	unprojected := 0

	for _, c := range entry.Correspondences {
		if math.IsInf(c.Badness, 1) {
			unprojected++
			continue
		}
		for i, edge := range edges {
			if c.Badness <= edge {
				counts[i]++
				break
			}
		}
	}

	fmt.Printf("\nbadness distribution (%d projected, %d unprojected):\n",
		len(entry.Correspondences)-unprojected, unprojected)
	for i, label := range labels {
		fmt.Printf("  %-14s %6d\n", label, counts[i])
	}
}

func dumpLatestRun(dbPath, hash string) {
	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("no run database at %s", dbPath)
	}
	dbConn, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("open run database: %v", err)
	}
	defer dbConn.Close()

	run, err := dbConn.LatestRun(hash)
	if err != nil {
		log.Fatalf("latest run: %v", err)
	}

	fmt.Printf("run      %s (%s)\n", run.ID, run.Status)
	fmt.Printf("config   %s\n", run.ConfigHash)
	fmt.Printf("started  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Printf("finished %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("pairs    %d total, %d computed, %d cached, %d failed across %d sequences\n",
		run.PairsTotal, run.PairsComputed, run.PairsCached, run.PairsFailed, run.Sequences)
	if run.Error != nil {
		fmt.Printf("error    %s\n", *run.Error)
	}

	stats, err := dbConn.PairStats(run.ID)
	if err != nil {
		log.Fatalf("pair stats: %v", err)
	}
	if len(stats) == 0 {
		return
	}

	fmt.Printf("\n%-20s %5s %11s %8s %6s %6s %8s %10s %7s %9s\n",
		"sequence", "pair", "frames", "overlap", "cand", "valid", "inliers", "mean bad", "cached", "ms")
	for _, st := range stats {
		cached := ""
		if st.Cached {
			cached = "yes"
		}
		fmt.Printf("%-20s %5d %5d->%-5d %8.3f %6d %6d %8d %10.6f %7s %9.1f\n",
			st.SequenceID, st.PairIndex, st.FrameI, st.FrameJ, st.Overlap,
			st.Candidates, st.Valid, st.Inliers, st.MeanBadness, cached, st.ElapsedMs)
	}
}
