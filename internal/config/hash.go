package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// geometryHashVersion tags the hash layout. Bump it whenever the field set,
// ordering, or cached payload encoding changes, so stale cache directories
// are bypassed instead of misread.
const geometryHashVersion = 1

// GeometryHash identifies the subset of options that shape cached
// correspondence payloads: any field whose change alters the bytes a
// precompute run would produce, plus the pair-window and sampling fields
// that define which entries exist. Training-only knobs (matching loss
// weights, worker counts) are deliberately excluded so retuning the loss
// never invalidates a cache.
//
// Fields are written into the digest in a fixed order under stable labels,
// so renaming or reordering Config struct fields does not change the hash.
// The result is the first 8 digest bytes in hex: 16 characters, short
// enough for a directory name and long enough that collisions are not a
// practical concern.
func (c Config) GeometryHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d", geometryHashVersion)
	fmt.Fprintf(h, "|image_downsampling=%g", c.ImageDownsampling)
	fmt.Fprintf(h, "|network_downsampling=%d", c.NetworkDownsampling)
	fmt.Fprintf(h, "|adjacent_min=%d", c.AdjacentMin)
	fmt.Fprintf(h, "|adjacent_max=%d", c.AdjacentMax)
	fmt.Fprintf(h, "|visibility_overlap=%g", c.VisibilityOverlap)
	fmt.Fprintf(h, "|candidate_budget=%d", c.CandidateBudget)
	fmt.Fprintf(h, "|sampling_size=%d", c.SamplingSize)
	fmt.Fprintf(h, "|inlier_percentage=%g", c.InlierPercentage)
	fmt.Fprintf(h, "|heatmap_sigma=%g", c.HeatmapSigma)
	fmt.Fprintf(h, "|occlusion_tolerance=%g", c.OcclusionTolerance)
	fmt.Fprintf(h, "|max_sample_retries=%d", c.MaxSampleRetries)

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
