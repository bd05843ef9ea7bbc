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
	"context"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"

	"github.com/exascience/readpipe/fasta"
)

// ErrSplitIndex is returned for references that do not fit into a
// single index batch.
var ErrSplitIndex = errors.New("reference requires a split index")

// IndexBuilder builds seed indices for reference files.
type IndexBuilder interface {
	Build(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error)
}

// IndexBuilderFunc adapts a function to the IndexBuilder interface.
type IndexBuilderFunc func(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error)

// Build implements IndexBuilder.
func (f IndexBuilderFunc) Build(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error) {
	return f(ctx, path, opts, threads)
}

// MinimizerIndexBuilder builds minimizer indices. Sequences are
// indexed in parallel.
type MinimizerIndexBuilder struct{}

// Build implements IndexBuilder.
func (MinimizerIndexBuilder) Build(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error) {
	sequences, err := fasta.ReadReference(path)
	if err != nil {
		return nil, errors.Wrapf(err, "building index for %v", path)
	}
	if total := fasta.TotalLength(sequences); total > opts.IndexBatchSize {
		return nil, errors.Wrapf(ErrSplitIndex, "%v has %v bases, index batch size is %v", path, total, opts.IndexBatchSize)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	seeds := newSeedIndex(path, opts, len(sequences))
	indices := make([]int, len(sequences))
	for i := range indices {
		indices[i] = i
	}

	var p pipeline.Pipeline
	p.Source(indices)
	p.SetVariableBatchSize(1, 16)
	p.Add(
		pipeline.LimitedPar(threads, pipeline.Receive(func(_ int, data interface{}) interface{} {
			if err := ctx.Err(); err != nil {
				p.SetErr(err)
				return nil
			}
			batch := data.([]int)
			result := make([]sequenceMinimizers, 0, len(batch))
			for _, seq := range batch {
				result = append(result, indexSequence(seq, sequences[seq], opts))
			}
			return result
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			if data == nil {
				return nil
			}
			for _, sm := range data.([]sequenceMinimizers) {
				seeds.add(sm)
			}
			return nil
		})),
	)
	p.Run()
	if err = p.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(err, "building index for %v", path)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return seeds, nil
}
