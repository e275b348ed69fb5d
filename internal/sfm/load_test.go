package sfm

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sightline-vision/densecorr/internal/config"
)

const (
	testRawW = 64
	testRawH = 48
)

// writeTestSequence lays a minimal sequence on disk: flat 2m depth, identity
// poses shifted along X, uniform gray frames.
func writeTestSequence(t *testing.T, root, id string, frameCount int, withMask bool) {
	t.Helper()
	seqDir := filepath.Join(root, id)
	for _, d := range []string{"color", "depth"} {
		if err := os.MkdirAll(filepath.Join(seqDir, d), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	intr := map[string]interface{}{
		"fx": 40.0, "fy": 40.0, "cx": 31.5, "cy": 23.5,
		"width": testRawW, "height": testRawH,
	}
	writeJSON(t, filepath.Join(seqDir, "intrinsics.json"), intr)

	poses := make([]map[string]interface{}, frameCount)
	for i := range poses {
		m := [16]float64{
			1, 0, 0, 0.01 * float64(i),
			0, 1, 0, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}
		poses[i] = map[string]interface{}{"frame": i, "matrix": m[:]}
	}
	writeJSON(t, filepath.Join(seqDir, "poses.json"), poses)

	for i := 0; i < frameCount; i++ {
		img := image.NewRGBA(image.Rect(0, 0, testRawW, testRawH))
		for p := range img.Pix {
			img.Pix[p] = 128
		}
		writePNG(t, filepath.Join(seqDir, "color", fmt.Sprintf("%06d.png", i)), img)

		d := NewDepthMap(testRawW, testRawH)
		for j := range d.Data {
			d.Data[j] = 2.0
		}
		if err := os.WriteFile(filepath.Join(seqDir, "depth", fmt.Sprintf("%06d.dpt", i)), EncodeDepth(d), 0644); err != nil {
			t.Fatalf("write depth: %v", err)
		}
	}

	if withMask {
		// Left half white, right half black.
		m := image.NewRGBA(image.Rect(0, 0, testRawW, testRawH))
		for y := 0; y < testRawH; y++ {
			for x := 0; x < testRawW; x++ {
				c := color.RGBA{A: 255}
				if x < testRawW/2 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				}
				m.Set(x, y, c)
			}
		}
		writePNG(t, filepath.Join(seqDir, "mask.png"), m)
	}
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func loaderConfig() config.Config {
	cfg := config.Default()
	cfg.ImageDownsampling = 2.0
	cfg.NetworkDownsampling = 8
	return cfg
}

func TestLoadSequenceWorkingResolution(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_a", 3, false)

	seq, err := LoadSequence(root, "seq_a", loaderConfig())
	if err != nil {
		t.Fatalf("LoadSequence failed: %v", err)
	}

	if seq.FrameCount() != 3 {
		t.Fatalf("frame count = %d, want 3", seq.FrameCount())
	}

	f := seq.Frames[0]
	// 64x48 / 2 = 32x24, already multiples of 8.
	if f.Width() != 32 || f.Height() != 24 {
		t.Fatalf("working dims %dx%d, want 32x24", f.Width(), f.Height())
	}
	if f.Depth.Width != 32 || f.Depth.Height != 24 {
		t.Fatalf("depth dims %dx%d, want 32x24", f.Depth.Width, f.Depth.Height)
	}
	if b := f.Color.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("color dims %dx%d, want 32x24", b.Dx(), b.Dy())
	}

	// Intrinsics follow the resampling.
	if f.Intrinsics.Fx != 20 || f.Intrinsics.Fy != 20 {
		t.Fatalf("rescaled focal (%v,%v), want (20,20)", f.Intrinsics.Fx, f.Intrinsics.Fy)
	}

	// Flat depth with no mask: every working pixel is valid.
	if got := f.Valid.GetCardinality(); got != 32*24 {
		t.Fatalf("valid count = %d, want %d", got, 32*24)
	}

	// Poses came through per frame.
	if seq.Frames[2].Pose[3] != 0.02 {
		t.Fatalf("frame 2 tx = %v, want 0.02", seq.Frames[2].Pose[3])
	}
}

func TestLoadSequenceFloorsToNetworkMultiple(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_floor", 1, false)

	cfg := config.Default()
	cfg.ImageDownsampling = 1.5 // 64/1.5 = 42.67 -> 42 -> floor to 40 with multiple 8
	cfg.NetworkDownsampling = 8

	seq, err := LoadSequence(root, "seq_floor", cfg)
	if err != nil {
		t.Fatalf("LoadSequence failed: %v", err)
	}

	f := seq.Frames[0]
	if f.Width()%8 != 0 || f.Height()%8 != 0 {
		t.Fatalf("working dims %dx%d not multiples of 8", f.Width(), f.Height())
	}
	if f.Width() != 40 || f.Height() != 32 {
		t.Fatalf("working dims %dx%d, want 40x32", f.Width(), f.Height())
	}
}

func TestLoadSequenceCollapsedResolution(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_tiny", 1, false)

	cfg := config.Default()
	cfg.ImageDownsampling = 2.0
	cfg.NetworkDownsampling = 64 // 32x24 floors to 0x0

	if _, err := LoadSequence(root, "seq_tiny", cfg); err == nil {
		t.Fatal("expected error for collapsed working resolution")
	}
}

func TestLoadSequenceMask(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_mask", 1, true)

	seq, err := LoadSequence(root, "seq_mask", loaderConfig())
	if err != nil {
		t.Fatalf("LoadSequence failed: %v", err)
	}

	f := seq.Frames[0]
	// Left half in mask, right half out.
	if !f.InMask(2, 5) {
		t.Error("left-half pixel should be in mask")
	}
	if f.InMask(30, 5) {
		t.Error("right-half pixel should be masked out")
	}
	if got := f.Valid.GetCardinality(); got != uint64(16*24) {
		t.Fatalf("valid count = %d, want %d", got, 16*24)
	}
}

func TestLoadSequenceMissingPose(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_nopose", 2, false)

	// Truncate poses.json to only frame 0.
	seqDir := filepath.Join(root, "seq_nopose")
	identity := []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	writeJSON(t, filepath.Join(seqDir, "poses.json"), []map[string]interface{}{
		{"frame": 0, "matrix": identity},
	})

	_, err := LoadSequence(root, "seq_nopose", loaderConfig())
	if err == nil {
		t.Fatal("expected error for missing pose")
	}
	if !strings.Contains(err.Error(), "frame 1") {
		t.Errorf("error should name the poseless frame: %v", err)
	}
}

func TestLoadSequenceRejectsBadPoseLength(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "seq_badpose", 1, false)

	seqDir := filepath.Join(root, "seq_badpose")
	writeJSON(t, filepath.Join(seqDir, "poses.json"), []map[string]interface{}{
		{"frame": 0, "matrix": []float64{1, 2, 3}},
	})

	if _, err := LoadSequence(root, "seq_badpose", loaderConfig()); err == nil {
		t.Fatal("expected error for short pose matrix")
	}
}

func TestLoadSequenceRejectsTraversalID(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"..", "../other", "nested/seq"} {
		if _, err := LoadSequence(root, id, loaderConfig()); err == nil {
			t.Errorf("LoadSequence admitted id %q, want error", id)
		}
	}
}

func TestListSequences(t *testing.T) {
	root := t.TempDir()
	writeTestSequence(t, root, "b_seq", 1, false)
	writeTestSequence(t, root, "a_seq", 1, false)
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	ids, err := ListSequences(root)
	if err != nil {
		t.Fatalf("ListSequences failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a_seq" || ids[1] != "b_seq" {
		t.Fatalf("ids = %v, want [a_seq b_seq]", ids)
	}
}
