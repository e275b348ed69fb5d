// Package config defines the correspondence pipeline configuration: a single
// immutable record constructed at startup (defaults, optional JSON overlay,
// validation) and passed explicitly to every component. No component reads
// parameters from globals or the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds every tunable of the correspondence pipeline. Values are plain
// fields rather than optional pointers: the record is built once by Default or
// Load and never mutated afterwards.
type Config struct {
	// Pair selection
	AdjacentMin       int     `json:"adjacent_min"`       // min frame index gap for a candidate pair
	AdjacentMax       int     `json:"adjacent_max"`       // max frame index gap for a candidate pair
	VisibilityOverlap float64 `json:"visibility_overlap"` // min fraction of co-visible probe points

	// Working resolution
	ImageDownsampling   float64 `json:"image_downsampling"`   // raw -> working scale divisor
	NetworkDownsampling int     `json:"network_downsampling"` // working dims floored to this multiple

	// Correspondence generation
	CandidateBudget    int     `json:"candidate_budget"`    // candidates projected per pair at precompute
	InlierPercentage   float64 `json:"inlier_percentage"`   // fraction of valid candidates kept as inliers
	OcclusionTolerance float64 `json:"occlusion_tolerance"` // relative depth residual admitted as visible
	MaxSampleRetries   int     `json:"max_sample_retries"`  // resample bound for degenerate source pixels
	HeatmapSigma       float64 `json:"heatmap_sigma"`       // Gaussian sigma of target heatmaps, working-res px

	// Training-time sampling
	SamplingSize int   `json:"sampling_size"` // positives drawn per pair per iteration
	BaseSeed     int64 `json:"base_seed"`     // epoch sampling seed base

	// Matching loss
	MatchingScale      float64 `json:"matching_scale"`       // similarity temperature
	MatchingThreshold  float64 `json:"matching_threshold"`   // min peak probability for a confident match
	CrossCheckDistance float64 `json:"cross_check_distance"` // max round-trip px for reciprocity
	RRWeight           float64 `json:"rr_weight"`            // ranking-loss weight
	ConsistencyWeight  float64 `json:"consistency_weight"`   // non-reciprocal penalty weight, 0 disables
	SampledNegatives   int     `json:"sampled_negatives"`    // distractor locations per ranking evaluation
	AccuracyThreshold  float64 `json:"accuracy_threshold"`   // base px threshold of the accuracy metric
	FeatureLength      int     `json:"feature_length"`       // descriptor channels

	// Execution
	NumWorkers int  `json:"num_workers"` // precompute pool size
	ReuseCache bool `json:"reuse_cache"` // load committed entries instead of recomputing
}

// Default returns the canonical configuration. The values mirror the original
// training setup for fields that existed there.
func Default() Config {
	return Config{
		AdjacentMin:       1,
		AdjacentMax:       10,
		VisibilityOverlap: 0.2,

		ImageDownsampling:   4.0,
		NetworkDownsampling: 64,

		CandidateBudget:    1024,
		InlierPercentage:   0.998,
		OcclusionTolerance: 0.05,
		MaxSampleRetries:   16,
		HeatmapSigma:       5.0,

		SamplingSize: 10,
		BaseSeed:     10086,

		MatchingScale:      20.0,
		MatchingThreshold:  0.9,
		CrossCheckDistance: 5.0,
		RRWeight:           1.0,
		ConsistencyWeight:  0.0,
		SampledNegatives:   64,
		AccuracyThreshold:  5.0,
		FeatureLength:      128,

		NumWorkers: 8,
		ReuseCache: true,
	}
}

// Load reads a JSON overlay from path on top of Default and validates the
// result. Fields omitted from the file keep their default values, so partial
// configs are safe.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Size cap guards against accidentally pointing at a data file.
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FieldError reports a configuration value that fails validation, naming the
// JSON field so the message is actionable without a stack trace.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %s %s", e.Field, e.Reason)
}

func fieldErrf(field, format string, v ...interface{}) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, v...)}
}

// Validate checks every field against its admissible range. It returns the
// first violation found as a *FieldError.
func (c Config) Validate() error {
	if c.AdjacentMin < 1 {
		return fieldErrf("adjacent_min", "must be >= 1, got %d", c.AdjacentMin)
	}
	if c.AdjacentMax < c.AdjacentMin {
		return fieldErrf("adjacent_max", "must be >= adjacent_min (%d), got %d", c.AdjacentMin, c.AdjacentMax)
	}
	if c.VisibilityOverlap < 0 || c.VisibilityOverlap > 1 {
		return fieldErrf("visibility_overlap", "must be in [0,1], got %g", c.VisibilityOverlap)
	}
	if c.ImageDownsampling < 1 {
		return fieldErrf("image_downsampling", "must be >= 1, got %g", c.ImageDownsampling)
	}
	if c.NetworkDownsampling < 1 {
		return fieldErrf("network_downsampling", "must be >= 1, got %d", c.NetworkDownsampling)
	}
	if c.CandidateBudget < 1 {
		return fieldErrf("candidate_budget", "must be >= 1, got %d", c.CandidateBudget)
	}
	if c.SamplingSize < 1 {
		return fieldErrf("sampling_size", "must be >= 1, got %d", c.SamplingSize)
	}
	if c.CandidateBudget < c.SamplingSize {
		return fieldErrf("candidate_budget", "must be >= sampling_size (%d), got %d", c.SamplingSize, c.CandidateBudget)
	}
	if c.InlierPercentage <= 0 || c.InlierPercentage > 1 {
		return fieldErrf("inlier_percentage", "must be in (0,1], got %g", c.InlierPercentage)
	}
	if c.OcclusionTolerance < 0 {
		return fieldErrf("occlusion_tolerance", "must be >= 0, got %g", c.OcclusionTolerance)
	}
	if c.MaxSampleRetries < 0 {
		return fieldErrf("max_sample_retries", "must be >= 0, got %d", c.MaxSampleRetries)
	}
	if c.HeatmapSigma <= 0 {
		return fieldErrf("heatmap_sigma", "must be > 0, got %g", c.HeatmapSigma)
	}
	if c.MatchingScale <= 0 {
		return fieldErrf("matching_scale", "must be > 0, got %g", c.MatchingScale)
	}
	if c.MatchingThreshold <= 0 || c.MatchingThreshold > 1 {
		return fieldErrf("matching_threshold", "must be in (0,1], got %g", c.MatchingThreshold)
	}
	if c.CrossCheckDistance < 0 {
		return fieldErrf("cross_check_distance", "must be >= 0, got %g", c.CrossCheckDistance)
	}
	if c.RRWeight < 0 {
		return fieldErrf("rr_weight", "must be >= 0, got %g", c.RRWeight)
	}
	if c.ConsistencyWeight < 0 {
		return fieldErrf("consistency_weight", "must be >= 0, got %g", c.ConsistencyWeight)
	}
	if c.SampledNegatives < 1 {
		return fieldErrf("sampled_negatives", "must be >= 1, got %d", c.SampledNegatives)
	}
	if c.AccuracyThreshold <= 0 {
		return fieldErrf("accuracy_threshold", "must be > 0, got %g", c.AccuracyThreshold)
	}
	if c.FeatureLength < 1 {
		return fieldErrf("feature_length", "must be >= 1, got %d", c.FeatureLength)
	}
	if c.NumWorkers < 1 {
		return fieldErrf("num_workers", "must be >= 1, got %d", c.NumWorkers)
	}
	return nil
}
