// Package sfm owns the reconstruction inputs of the correspondence pipeline.
//
// Responsibilities: loading sequences from the on-disk reconstruction layout
// (color frames, z-depth grids, camera-to-world poses, intrinsics, optional
// FOV mask), resampling everything to working resolution, and building the
// per-frame valid-pixel bitmap.
// Key types: Sequence, Frame, DepthMap.
//
// Everything downstream (pairs, corr, heatmap, match) operates on working
// resolution only; raw-resolution data never leaves this package.
package sfm
