// readpipe: a streaming pipeline for sequencing reads.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/readpipe/blob/master/LICENSE.txt>.

package alignment

import (
	"fmt"
	"log"
)

// IndexOptions are the options that determine the structure of a built
// index. Two option sets are index-equivalent when their IndexOptions
// are equal. Every field added here forces a rebuild when it changes;
// fields that only affect mapping belong in MappingOptions.
type IndexOptions struct {
	// KmerSize is the minimizer k-mer length.
	KmerSize int
	// WindowSize is the number of consecutive k-mers per minimizer window.
	WindowSize int
	// IndexBatchSize is the maximum number of reference bases per index.
	// Larger references would need a split index.
	IndexBatchSize int64
}

// MappingOptions only affect how reads are mapped against a built
// index, and can change without a rebuild.
type MappingOptions struct {
	// BestNSecondary is the maximum number of secondary alignments.
	BestNSecondary int
	// Bandwidth is the diagonal band, in bases, within which seed hits
	// are chained.
	Bandwidth int
	// BandwidthLong is the band used for long reads; it cannot be
	// narrower than Bandwidth.
	BandwidthLong int
	// SoftClipping keeps unaligned read ends as soft clips instead of
	// hard clips in secondary alignments.
	SoftClipping bool
	// PrintSecondary enables secondary alignment output.
	PrintSecondary bool
	// MinSeedHits is the minimum number of seed hits for a mapping.
	MinSeedHits int
}

// Options are the full set of options of an aligner.
type Options struct {
	IndexOptions
	MappingOptions
}

// Defaults.
const (
	DefaultKmerSize       = 15
	DefaultWindowSize     = 10
	DefaultIndexBatchSize = int64(16) << 30
	DefaultBestNSecondary = 5
	DefaultBandwidth      = 500
	DefaultBandwidthLong  = 20000
	DefaultMinSeedHits    = 3

	// reads at least this long are chained with BandwidthLong
	longReadLength = 10000
)

// DefaultOptions returns the default aligner options.
func DefaultOptions() Options {
	return Options{
		IndexOptions: IndexOptions{
			KmerSize:       DefaultKmerSize,
			WindowSize:     DefaultWindowSize,
			IndexBatchSize: DefaultIndexBatchSize,
		},
		MappingOptions: MappingOptions{
			BestNSecondary: DefaultBestNSecondary,
			Bandwidth:      DefaultBandwidth,
			BandwidthLong:  DefaultBandwidthLong,
			SoftClipping:   false,
			PrintSecondary: true,
			MinSeedHits:    DefaultMinSeedHits,
		},
	}
}

// Validate checks the index options for consistency.
func (opts IndexOptions) Validate() error {
	switch {
	case opts.KmerSize < 1 || opts.KmerSize > 28:
		return fmt.Errorf("k-mer size %v out of range [1, 28]", opts.KmerSize)
	case opts.WindowSize < 1 || opts.WindowSize >= 256:
		return fmt.Errorf("window size %v out of range [1, 256)", opts.WindowSize)
	case opts.KmerSize+opts.WindowSize >= 256:
		return fmt.Errorf("k-mer size %v plus window size %v must be smaller than 256", opts.KmerSize, opts.WindowSize)
	case opts.IndexBatchSize <= 0:
		return fmt.Errorf("index batch size %v must be positive", opts.IndexBatchSize)
	}
	return nil
}

// Validate checks the mapping options for consistency.
func (opts MappingOptions) Validate() error {
	switch {
	case opts.BestNSecondary < 0:
		return fmt.Errorf("number of secondary alignments %v must not be negative", opts.BestNSecondary)
	case opts.Bandwidth <= 0:
		return fmt.Errorf("bandwidth %v must be positive", opts.Bandwidth)
	case opts.BandwidthLong < opts.Bandwidth:
		return fmt.Errorf("long-read bandwidth %v smaller than bandwidth %v", opts.BandwidthLong, opts.Bandwidth)
	case opts.MinSeedHits < 1:
		return fmt.Errorf("minimum number of seed hits %v must be positive", opts.MinSeedHits)
	}
	return nil
}

// Validate checks all options for consistency.
func (opts Options) Validate() error {
	if err := opts.IndexOptions.Validate(); err != nil {
		return err
	}
	return opts.MappingOptions.Validate()
}

// ValidateOptions reports whether the options are consistent, and logs
// the reason when they are not.
func ValidateOptions(opts Options) bool {
	if err := opts.Validate(); err != nil {
		log.Printf("invalid aligner options: %v", err)
		return false
	}
	return true
}

// bandwidthFor selects the chaining band for a read of the given length.
func (opts MappingOptions) bandwidthFor(readLength int) int {
	if readLength >= longReadLength {
		return opts.BandwidthLong
	}
	return opts.Bandwidth
}
