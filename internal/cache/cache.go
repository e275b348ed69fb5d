// Package cache persists computed correspondence sets and their heatmap
// targets, keyed by (sequence, pair index, configuration hash). Entries are
// immutable once written: a configuration change moves the whole tree to a
// fresh hash directory instead of mutating files in place.
package cache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/corr"
	"github.com/sightline-vision/densecorr/internal/fsutil"
	"github.com/sightline-vision/densecorr/internal/heatmap"
	"github.com/sightline-vision/densecorr/internal/monitoring"
	"github.com/sightline-vision/densecorr/internal/security"
)

// ErrNotCached reports a lookup for a pair that has no persisted entry.
var ErrNotCached = errors.New("pair not in cache")

// Key identifies one cached pair. The configuration hash covers every
// geometry-shaping option, so retuning the training side never reuses stale
// geometry by accident.
type Key struct {
	SequenceID string
	PairIndex  int
	ConfigHash string
}

// validate rejects keys whose fields cannot safely become path elements.
// Sequence IDs can arrive from the command line, so this runs before any
// path under the store root is formed.
func (k Key) validate() error {
	if err := security.ValidatePathComponent(k.SequenceID); err != nil {
		return fmt.Errorf("sequence id: %w", err)
	}
	if err := security.ValidatePathComponent(k.ConfigHash); err != nil {
		return fmt.Errorf("config hash: %w", err)
	}
	if k.PairIndex < 0 {
		return fmt.Errorf("negative pair index %d", k.PairIndex)
	}
	return nil
}

// Seed derives the pair's sampling seed from the run's base seed. The same
// key always draws the same candidate pixels, which is what makes recomputed
// entries byte-identical.
func (k Key) Seed(base int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", k.SequenceID, k.PairIndex, k.ConfigHash)
	return base ^ int64(h.Sum64())
}

// Entry is the full cached product for one frame pair.
type Entry struct {
	Key   Key
	PairI int // source frame index
	PairJ int // target frame index

	// Working resolution of the pair's frames, needed to interpret source
	// pixel indices and heatmap coordinates.
	Width  int
	Height int

	// All sampled correspondences, inlier flags set. Invalid and non-inlier
	// records are retained as the hard-negative pool.
	Correspondences []corr.Correspondence

	// Patches aligned 1:1 with the inlier subset in ascending
	// (badness, source pixel index) order, the order Inliers returns.
	Patches []heatmap.Patch
}

// Inliers returns the correspondences the patches align with.
func (e *Entry) Inliers() []corr.Correspondence {
	return corr.Inliers(e.Correspondences, e.Width)
}

// Store reads and writes entries beneath a root directory, laid out as
// <root>/<sequence>/<confighash>/pair_<index>.bin. Writes are staged to a
// temp file and renamed into place so readers never observe a partial entry.
type Store struct {
	fs    fsutil.FileSystem
	root  string
	reuse bool
	logf  func(format string, v ...interface{})

	flight singleflight.Group

	mu  sync.Mutex
	mem map[Key][]byte // fallback for entries whose persist failed
}

// NewStore builds a store rooted at dir.
func NewStore(filesystem fsutil.FileSystem, dir string, cfg config.Config) *Store {
	return &Store{
		fs:    filesystem,
		root:  dir,
		reuse: cfg.ReuseCache,
		logf:  monitoring.Scope("CorrespondenceCache"),
		mem:   make(map[Key][]byte),
	}
}

// EntryPath returns where the key's entry lives on disk.
func (s *Store) EntryPath(key Key) string {
	return filepath.Join(s.root, key.SequenceID, key.ConfigHash,
		fmt.Sprintf("pair_%06d.bin", key.PairIndex))
}

// Get returns the cached entry or ErrNotCached. Unreadable entries surface
// their decode error rather than ErrNotCached, so callers can tell a miss
// from corruption.
func (s *Store) Get(key Key) (*Entry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	blob, ok := s.mem[key]
	s.mu.Unlock()
	if ok {
		return s.decodeVerified(key, blob, "memory")
	}

	path := s.EntryPath(key)
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotCached)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return s.decodeVerified(key, data, path)
}

func (s *Store) decodeVerified(key Key, data []byte, src string) (*Entry, error) {
	e, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	if e.Key != key {
		return nil, fmt.Errorf("%s: entry keyed %+v, want %+v", src, e.Key, key)
	}
	return e, nil
}

// GetOrCompute returns the entry for key, computing and persisting it on a
// miss. Concurrent callers for the same key share one computation and all
// observe the complete entry. A failed persist is logged and the entry kept
// in memory, so one bad disk never aborts a run.
func (s *Store) GetOrCompute(key Key, compute func() (*Entry, error)) (*Entry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	v, err, _ := s.flight.Do(s.EntryPath(key), func() (interface{}, error) {
		if s.reuse {
			e, err := s.Get(key)
			if err == nil {
				return e, nil
			}
			if !errors.Is(err, ErrNotCached) {
				s.logf("recomputing %s/%s pair %d: %v",
					key.SequenceID, key.ConfigHash, key.PairIndex, err)
			}
		}

		e, err := compute()
		if err != nil {
			return nil, err
		}
		if e.Key != key {
			return nil, fmt.Errorf("computed entry keyed %+v, want %+v", e.Key, key)
		}

		blob, err := Encode(e)
		if err != nil {
			return nil, err
		}
		if err := s.persist(key, blob); err != nil {
			s.logf("persist %s: %v; keeping entry in memory", s.EntryPath(key), err)
			s.mu.Lock()
			s.mem[key] = blob
			s.mu.Unlock()
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// persist stages the blob next to its final path and renames it into place.
func (s *Store) persist(key Key, blob []byte) error {
	path := s.EntryPath(key)
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := s.fs.CreateTemp(dir, fmt.Sprintf(".tmp-pair_%06d-*", key.PairIndex))
	if err != nil {
		return fmt.Errorf("staging entry: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := s.fs.Rename(tmp.Name(), path); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}
