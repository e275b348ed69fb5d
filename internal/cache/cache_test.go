package cache

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/corr"
	"github.com/sightline-vision/densecorr/internal/fsutil"
	"github.com/sightline-vision/densecorr/internal/heatmap"
)

func testKey() Key {
	return Key{SequenceID: "seq7", PairIndex: 12, ConfigHash: "abcdef0123456789"}
}

// makeEntry fabricates a deterministic entry; marker varies the payload so
// tests can tell entries apart.
func makeEntry(key Key, marker float64) *Entry {
	return &Entry{
		Key:    key,
		PairI:  3,
		PairJ:  5,
		Width:  8,
		Height: 6,
		Correspondences: []corr.Correspondence{
			{SourceX: 1, SourceY: 2, TargetX: 1.5, TargetY: 2.5, TargetDepth: 4, Badness: 0.01 * marker, Valid: true, Inlier: true},
			{SourceX: 4, SourceY: 1, TargetX: 4.5, TargetY: 1.5, TargetDepth: 4, Badness: 0.02 * marker, Valid: true, Inlier: true},
			{SourceX: 6, SourceY: 5, Badness: math.Inf(1)},
		},
		Patches: []heatmap.Patch{
			{OriginX: 0, OriginY: 1, Width: 2, Height: 2, Values: []float32{0.1, 0.9, float32(marker), 0.2}},
			{OriginX: 3, OriginY: 0, Width: 2, Height: 2, Values: []float32{0.3, 0.8, 0.7, 0.1}},
		},
	}
}

func TestEntryPath_Layout(t *testing.T) {
	t.Parallel()

	s := NewStore(fsutil.NewMemoryFileSystem(), "/cache", config.Default())
	got := s.EntryPath(testKey())
	require.Equal(t, "/cache/seq7/abcdef0123456789/pair_000012.bin", got)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	want := makeEntry(testKey(), 1)
	blob, err := Encode(want)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded entry mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_RejectsDamage(t *testing.T) {
	t.Parallel()

	blob, err := Encode(makeEntry(testKey(), 1))
	require.NoError(t, err)

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", blob[:3]},
		{"bad magic", append([]byte("XXXX"), blob[4:]...)},
		{"future version", append([]byte("DCCE\x09"), blob[5:]...)},
		{"clipped payload", blob[:len(blob)-7]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			assert.Error(t, err)
		})
	}
}

func TestGetOrCompute_ComputesOnceThenHits(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	s := NewStore(fs, "/cache", config.Default())
	key := testKey()

	var calls atomic.Int32
	compute := func() (*Entry, error) {
		calls.Add(1)
		return makeEntry(key, 1), nil
	}

	first, err := s.GetOrCompute(key, compute)
	require.NoError(t, err)
	require.True(t, fs.Exists(s.EntryPath(key)), "entry not persisted")

	second, err := s.GetOrCompute(key, compute)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "second call should hit the cache")
	require.Equal(t, first, second)
}

func TestGetOrCompute_RecomputeIsByteIdentical(t *testing.T) {
	t.Parallel()

	key := testKey()
	compute := func() (*Entry, error) { return makeEntry(key, 2), nil }

	readBack := func() []byte {
		fs := fsutil.NewMemoryFileSystem()
		s := NewStore(fs, "/cache", config.Default())
		_, err := s.GetOrCompute(key, compute)
		require.NoError(t, err)
		blob, err := fs.ReadFile(s.EntryPath(key))
		require.NoError(t, err)
		return blob
	}

	// Two independent runs over empty caches must write the same bytes.
	require.Equal(t, readBack(), readBack())
}

func TestGetOrCompute_ConcurrentCallersSeeCompleteEntry(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	s := NewStore(fs, "/cache", config.Default())
	key := testKey()
	want := makeEntry(key, 3)

	var calls atomic.Int32
	start := make(chan struct{})
	results := make([]*Entry, 16)
	errs := make([]error, 16)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.GetOrCompute(key, func() (*Entry, error) {
				calls.Add(1)
				return makeEntry(key, 3), nil
			})
		}(i)
	}
	close(start)
	wg.Wait()

	// Overlapping callers share one flight; late callers hit the persisted
	// entry. Either way the computation ran exactly once.
	require.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, want, results[i], "caller %d saw a different entry", i)
	}

	persisted, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, want, persisted)
}

func TestGetOrCompute_RecomputesCorruptEntry(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	s := NewStore(fs, "/cache", config.Default())
	key := testKey()
	path := s.EntryPath(key)

	require.NoError(t, fs.MkdirAll("/cache/seq7/abcdef0123456789", 0o755))
	require.NoError(t, fs.WriteFile(path, []byte("not an entry"), 0o644))

	want := makeEntry(key, 4)
	got, err := s.GetOrCompute(key, func() (*Entry, error) { return makeEntry(key, 4), nil })
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The damaged file was replaced by the recomputed entry.
	persisted, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, want, persisted)
}

func TestGetOrCompute_ReuseDisabledOverwrites(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	key := testKey()

	warm := NewStore(fs, "/cache", config.Default())
	_, err := warm.GetOrCompute(key, func() (*Entry, error) { return makeEntry(key, 1), nil })
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ReuseCache = false
	cold := NewStore(fs, "/cache", cfg)

	var calls atomic.Int32
	got, err := cold.GetOrCompute(key, func() (*Entry, error) {
		calls.Add(1)
		return makeEntry(key, 9), nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "reuse disabled must recompute")
	require.Equal(t, makeEntry(key, 9), got)

	persisted, err := cold.Get(key)
	require.NoError(t, err)
	require.Equal(t, makeEntry(key, 9), persisted)
}

// renameFailFS simulates a full or read-only disk at the commit step.
type renameFailFS struct {
	fsutil.FileSystem
}

func (f *renameFailFS) Rename(oldpath, newpath string) error {
	return errors.New("disk full")
}

func TestGetOrCompute_PersistFailureKeepsEntryInMemory(t *testing.T) {
	t.Parallel()

	mem := fsutil.NewMemoryFileSystem()
	s := NewStore(&renameFailFS{FileSystem: mem}, "/cache", config.Default())
	key := testKey()

	var calls atomic.Int32
	compute := func() (*Entry, error) {
		calls.Add(1)
		return makeEntry(key, 5), nil
	}

	first, err := s.GetOrCompute(key, compute)
	require.NoError(t, err, "a failed persist must not fail the computation")
	require.Equal(t, makeEntry(key, 5), first)
	require.False(t, mem.Exists(s.EntryPath(key)))

	// The in-memory fallback serves later lookups without recomputing.
	second, err := s.GetOrCompute(key, compute)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, first, second)
}

func TestGet_MissIsErrNotCached(t *testing.T) {
	t.Parallel()

	s := NewStore(fsutil.NewMemoryFileSystem(), "/cache", config.Default())
	_, err := s.Get(testKey())
	require.ErrorIs(t, err, ErrNotCached)
}

func TestGet_RejectsTraversalKey(t *testing.T) {
	t.Parallel()

	s := NewStore(fsutil.NewMemoryFileSystem(), "/cache", config.Default())
	_, err := s.Get(Key{SequenceID: "../../escape", PairIndex: 0, ConfigHash: "abc"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotCached)
}

func TestGetOrCompute_RejectsTraversalKeyWithoutComputing(t *testing.T) {
	t.Parallel()

	s := NewStore(fsutil.NewMemoryFileSystem(), "/cache", config.Default())
	key := Key{SequenceID: "seq", PairIndex: 0, ConfigHash: "bad/hash"}

	called := false
	_, err := s.GetOrCompute(key, func() (*Entry, error) {
		called = true
		return makeEntry(key, 1), nil
	})
	require.Error(t, err)
	require.False(t, called)
}

func TestKeySeed(t *testing.T) {
	t.Parallel()

	k := testKey()
	require.Equal(t, k.Seed(10086), k.Seed(10086))

	other := k
	other.PairIndex = 13
	require.NotEqual(t, k.Seed(10086), other.Seed(10086))

	hash := k
	hash.ConfigHash = "ffffffffffffffff"
	require.NotEqual(t, k.Seed(10086), hash.Seed(10086))
}
