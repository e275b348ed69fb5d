package sfm

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"github.com/sightline-vision/densecorr/internal/config"
	"github.com/sightline-vision/densecorr/internal/geom"
	"github.com/sightline-vision/densecorr/internal/monitoring"
	"github.com/sightline-vision/densecorr/internal/security"
)

var logf = monitoring.Scope("SequenceLoader")

// On-disk layout per sequence:
//
//	<root>/<id>/color/000000.png   (or .jpg/.jpeg)
//	<root>/<id>/depth/000000.dpt
//	<root>/<id>/poses.json          [{"frame":N,"matrix":[16 floats row-major]}], camera-to-world
//	<root>/<id>/intrinsics.json     {"fx","fy","cx","cy","width","height"}
//	<root>/<id>/mask.png            optional FOV mask; absent means all pixels valid

type poseRecord struct {
	Frame  int       `json:"frame"`
	Matrix []float64 `json:"matrix"`
}

type intrinsicsRecord struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// ListSequences returns the sequence ids under root in sorted order.
func ListSequences(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read data root %s: %w", root, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadSequence loads one sequence and resamples it to working resolution:
// raw dims divided by cfg.ImageDownsampling, then floored to a multiple of
// cfg.NetworkDownsampling on each axis. Color is scaled bilinearly; depth
// and mask are sampled nearest so holes stay holes instead of bleeding into
// neighbors.
func LoadSequence(root, id string, cfg config.Config) (*Sequence, error) {
	if err := security.ValidatePathComponent(id); err != nil {
		return nil, fmt.Errorf("sequence id: %w", err)
	}
	seqDir := filepath.Join(root, id)

	rawIntr, err := loadIntrinsics(filepath.Join(seqDir, "intrinsics.json"))
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", id, err)
	}

	workW := int(float64(rawIntr.Width) / cfg.ImageDownsampling)
	workH := int(float64(rawIntr.Height) / cfg.ImageDownsampling)
	workW -= workW % cfg.NetworkDownsampling
	workH -= workH % cfg.NetworkDownsampling
	if workW <= 0 || workH <= 0 {
		return nil, fmt.Errorf("sequence %s: raw %dx%d collapses to %dx%d under downsampling %g/%d",
			id, rawIntr.Width, rawIntr.Height, workW, workH, cfg.ImageDownsampling, cfg.NetworkDownsampling)
	}
	workIntr := rawIntr.Rescaled(workW, workH)

	poses, err := loadPoses(filepath.Join(seqDir, "poses.json"))
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", id, err)
	}

	mask, err := loadMask(filepath.Join(seqDir, "mask.png"), workW, workH)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", id, err)
	}

	indices, colorPaths, err := listColorFrames(filepath.Join(seqDir, "color"))
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", id, err)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("sequence %s: no color frames", id)
	}

	seq := &Sequence{ID: id, Frames: make([]*Frame, 0, len(indices))}
	for i, idx := range indices {
		pose, ok := poses[idx]
		if !ok {
			return nil, fmt.Errorf("sequence %s: frame %d has no pose", id, idx)
		}

		color, err := loadColor(colorPaths[i], rawIntr.Width, rawIntr.Height, workW, workH)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: frame %d: %w", id, idx, err)
		}

		depthPath := filepath.Join(seqDir, "depth", fmt.Sprintf("%06d.dpt", idx))
		depth, err := loadDepth(depthPath, rawIntr.Width, rawIntr.Height, workW, workH)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: frame %d: %w", id, idx, err)
		}

		f, err := NewFrame(id, idx, color, depth, mask, pose, workIntr)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", id, err)
		}
		seq.Frames = append(seq.Frames, f)
	}

	logf("loaded sequence %s: %d frames at %dx%d (raw %dx%d)",
		id, len(seq.Frames), workW, workH, rawIntr.Width, rawIntr.Height)
	return seq, nil
}

func loadIntrinsics(path string) (geom.Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return geom.Intrinsics{}, fmt.Errorf("failed to read intrinsics: %w", err)
	}
	var rec intrinsicsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return geom.Intrinsics{}, fmt.Errorf("failed to parse intrinsics: %w", err)
	}
	if rec.Width <= 0 || rec.Height <= 0 || rec.Fx <= 0 || rec.Fy <= 0 {
		return geom.Intrinsics{}, fmt.Errorf("implausible intrinsics %+v", rec)
	}
	return geom.Intrinsics{
		Fx: rec.Fx, Fy: rec.Fy,
		Cx: rec.Cx, Cy: rec.Cy,
		Width: rec.Width, Height: rec.Height,
	}, nil
}

func loadPoses(path string) (map[int]geom.Mat4, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read poses: %w", err)
	}
	var records []poseRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse poses: %w", err)
	}

	poses := make(map[int]geom.Mat4, len(records))
	for _, rec := range records {
		if len(rec.Matrix) != 16 {
			return nil, fmt.Errorf("pose for frame %d has %d elements, want 16", rec.Frame, len(rec.Matrix))
		}
		var m geom.Mat4
		copy(m[:], rec.Matrix)
		poses[rec.Frame] = m
	}
	return poses, nil
}

// listColorFrames returns frame indices and file paths sorted by index.
// Names are the numeric frame index plus an image extension.
func listColorFrames(dir string) ([]int, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read color dir: %w", err)
	}

	type frameFile struct {
		index int
		path  string
	}
	var files []frameFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			return nil, nil, fmt.Errorf("color frame %q has a non-numeric name", name)
		}
		files = append(files, frameFile{index: idx, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	indices := make([]int, len(files))
	paths := make([]string, len(files))
	for i, f := range files {
		indices[i] = f.index
		paths[i] = f.path
	}
	return indices, paths, nil
}

func loadColor(path string, rawW, rawH, workW, workH int) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open color frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode color frame: %w", err)
	}
	b := img.Bounds()
	if b.Dx() != rawW || b.Dy() != rawH {
		return nil, fmt.Errorf("color frame is %dx%d, intrinsics say %dx%d", b.Dx(), b.Dy(), rawW, rawH)
	}

	dst := image.NewRGBA(image.Rect(0, 0, workW, workH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, nil
}

func loadDepth(path string, rawW, rawH, workW, workH int) (*DepthMap, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read depth: %w", err)
	}
	raw, err := DecodeDepth(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode depth: %w", err)
	}
	if raw.Width != rawW || raw.Height != rawH {
		return nil, fmt.Errorf("depth grid is %dx%d, intrinsics say %dx%d", raw.Width, raw.Height, rawW, rawH)
	}
	return resampleDepthNearest(raw, workW, workH), nil
}

// resampleDepthNearest picks the source pixel nearest each working pixel's
// center. Bilinear here would average across hole boundaries and invent
// depths that exist in neither neighbor.
func resampleDepthNearest(src *DepthMap, workW, workH int) *DepthMap {
	dst := NewDepthMap(workW, workH)
	sx := float64(src.Width) / float64(workW)
	sy := float64(src.Height) / float64(workH)
	for y := 0; y < workH; y++ {
		srcY := int((float64(y) + 0.5) * sy)
		if srcY > src.Height-1 {
			srcY = src.Height - 1
		}
		for x := 0; x < workW; x++ {
			srcX := int((float64(x) + 0.5) * sx)
			if srcX > src.Width-1 {
				srcX = src.Width - 1
			}
			dst.Data[y*workW+x] = src.Data[srcY*src.Width+srcX]
		}
	}
	return dst
}

// loadMask reads an optional FOV mask and resamples it nearest to working
// resolution. A missing file yields an all-true mask.
func loadMask(path string, workW, workH int) ([]bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		mask := make([]bool, workW*workH)
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	b := img.Bounds()

	mask := make([]bool, workW*workH)
	sx := float64(b.Dx()) / float64(workW)
	sy := float64(b.Dy()) / float64(workH)
	for y := 0; y < workH; y++ {
		srcY := b.Min.Y + int((float64(y)+0.5)*sy)
		if srcY > b.Max.Y-1 {
			srcY = b.Max.Y - 1
		}
		for x := 0; x < workW; x++ {
			srcX := b.Min.X + int((float64(x)+0.5)*sx)
			if srcX > b.Max.X-1 {
				srcX = b.Max.X - 1
			}
			r, g, bl, _ := img.At(srcX, srcY).RGBA()
			// Luma over half scale counts as inside the FOV.
			mask[y*workW+x] = (r+g+bl)/3 > 0x7fff
		}
	}
	return mask, nil
}
