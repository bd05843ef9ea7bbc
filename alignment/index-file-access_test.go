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
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/readpipe/sam"
)

func randomBases(rng *rand.Rand, n int) string {
	const bases = "ACGT"
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(bases[rng.Intn(4)])
	}
	return sb.String()
}

type testReference struct {
	path  string
	names []string
	seqs  map[string]string
}

// writeReference writes a FASTA file with the given sequences, in order.
func writeReference(t *testing.T, dir string, names []string, seqs map[string]string) testReference {
	t.Helper()
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(">" + name + " test sequence\n")
		seq := seqs[name]
		for len(seq) > 60 {
			sb.WriteString(seq[:60] + "\n")
			seq = seq[60:]
		}
		sb.WriteString(seq + "\n")
	}
	path := filepath.Join(dir, "ref.fa")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return testReference{path: path, names: names, seqs: seqs}
}

func newTestReference(t *testing.T) testReference {
	rng := rand.New(rand.NewSource(42))
	return writeReference(t, t.TempDir(), []string{"chr1", "chr2"}, map[string]string{
		"chr1": randomBases(rng, 5000),
		"chr2": randomBases(rng, 3000),
	})
}

func TestLoadIndex(t *testing.T) {
	ref := newTestReference(t)
	access := NewIndexFileAccess(nil)
	opts := DefaultOptions()

	assert.False(t, access.IsIndexLoaded(ref.path, opts))
	assert.Nil(t, access.GetIndex(ref.path, opts))

	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))
	assert.True(t, access.IsIndexLoaded(ref.path, opts))
	assert.EqualValues(t, 1, access.Builds())
	assert.Equal(t, 1, access.LoadedKeys())

	index := access.GetIndex(ref.path, opts)
	require.NotNil(t, index)
	assert.Equal(t, opts, index.Options())
	assert.Equal(t, []SequenceRecord{{Name: "chr1", Length: 5000}, {Name: "chr2", Length: 3000}}, index.SequenceRecords())
	assert.Greater(t, index.SeedIndex().NumMinimizers(), 0)

	// loading again is a no-op
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))
	assert.EqualValues(t, 1, access.Builds())
}

func TestMappingOptionsShareIndex(t *testing.T) {
	ref := newTestReference(t)
	access := NewIndexFileAccess(nil)
	opts := DefaultOptions()
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))

	other := opts
	other.Bandwidth = 1000
	other.BandwidthLong = 30000
	other.BestNSecondary = 1
	other.SoftClipping = true

	assert.True(t, access.IsIndexLoaded(ref.path, other))
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, other, 2))
	assert.EqualValues(t, 1, access.Builds())
	assert.Equal(t, 1, access.LoadedKeys())

	first, second := access.GetIndex(ref.path, opts), access.GetIndex(ref.path, other)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Same(t, first.SeedIndex(), second.SeedIndex())
	assert.Equal(t, DefaultBandwidth, first.MappingOptions().Bandwidth)
	assert.Equal(t, 1000, second.MappingOptions().Bandwidth)

	current, found := access.CurrentOptions(ref.path, opts)
	require.True(t, found)
	assert.Equal(t, other, current)

	unseen := opts
	unseen.MinSeedHits = 7
	view := access.GetIndex(ref.path, unseen)
	require.NotNil(t, view)
	assert.Same(t, first.SeedIndex(), view.SeedIndex())
	assert.Equal(t, 7, view.MappingOptions().MinSeedHits)
}

func TestIndexOptionsRebuild(t *testing.T) {
	ref := newTestReference(t)
	access := NewIndexFileAccess(nil)
	opts := DefaultOptions()
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))

	other := opts
	other.KmerSize = 17
	assert.False(t, access.IsIndexLoaded(ref.path, other))
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, other, 2))
	assert.EqualValues(t, 2, access.Builds())
	assert.Equal(t, 2, access.LoadedKeys())
	assert.NotSame(t, access.GetIndex(ref.path, opts).SeedIndex(), access.GetIndex(ref.path, other).SeedIndex())

	access.UnloadIndex(ref.path, opts)
	assert.False(t, access.IsIndexLoaded(ref.path, opts))
	assert.True(t, access.IsIndexLoaded(ref.path, other))
	assert.Equal(t, 1, access.LoadedKeys())

	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))
	assert.EqualValues(t, 3, access.Builds())
}

func TestCanonicalReferencePath(t *testing.T) {
	ref := newTestReference(t)
	link := filepath.Join(t.TempDir(), "link.fa")
	require.NoError(t, os.Symlink(ref.path, link))

	access := NewIndexFileAccess(nil)
	opts := DefaultOptions()
	require.Equal(t, Success, access.LoadIndex(context.Background(), link, opts, 1))
	assert.True(t, access.IsIndexLoaded(ref.path, opts))
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 1))
	assert.EqualValues(t, 1, access.Builds())
}

func TestLoadIndexErrors(t *testing.T) {
	ref := newTestReference(t)
	access := NewIndexFileAccess(nil)
	ctx := context.Background()

	assert.Equal(t, ReferenceFileNotFound, access.LoadIndex(ctx, filepath.Join(t.TempDir(), "missing.fa"), DefaultOptions(), 1))
	assert.Equal(t, ReferenceFileNotFound, access.LoadIndex(ctx, t.TempDir(), DefaultOptions(), 1))

	invalid := DefaultOptions()
	invalid.KmerSize = 0
	assert.Equal(t, ValidationError, access.LoadIndex(ctx, ref.path, invalid, 1))

	split := DefaultOptions()
	split.IndexBatchSize = 1000
	assert.Equal(t, SplitIndexNotSupported, access.LoadIndex(ctx, ref.path, split, 1))
	assert.False(t, access.IsIndexLoaded(ref.path, split))

	empty := filepath.Join(t.TempDir(), "empty.fa")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.Equal(t, BuildFailed, access.LoadIndex(ctx, empty, DefaultOptions(), 1))
	assert.False(t, access.IsIndexLoaded(empty, DefaultOptions()))

	assert.Equal(t, 0, access.LoadedKeys())
	assert.EqualValues(t, 2, access.Builds())
}

func TestConcurrentLoadsBuildOnce(t *testing.T) {
	ref := newTestReference(t)
	var builds atomic.Int32
	access := NewIndexFileAccess(IndexBuilderFunc(func(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error) {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return MinimizerIndexBuilder{}.Build(ctx, path, opts, threads)
	}))

	const loaders = 8
	results := make([]IndexLoadResult, loaders)
	var wg sync.WaitGroup
	for i := 0; i < loaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opts := DefaultOptions()
			opts.Bandwidth += i
			opts.BandwidthLong += i
			results[i] = access.LoadIndex(context.Background(), ref.path, opts, 1)
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, Success, result)
	}
	assert.EqualValues(t, 1, builds.Load())
	assert.Equal(t, 1, access.LoadedKeys())
}

func TestQueriesDoNotWaitForBuilds(t *testing.T) {
	ref := newTestReference(t)
	started, release := make(chan struct{}), make(chan struct{})
	access := NewIndexFileAccess(IndexBuilderFunc(func(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error) {
		close(started)
		<-release
		return MinimizerIndexBuilder{}.Build(ctx, path, opts, threads)
	}))

	done := make(chan IndexLoadResult)
	go func() {
		done <- access.LoadIndex(context.Background(), ref.path, DefaultOptions(), 1)
	}()
	<-started
	assert.False(t, access.IsIndexLoaded(ref.path, DefaultOptions()))
	assert.Nil(t, access.GetIndex(ref.path, DefaultOptions()))
	assert.Equal(t, 0, access.LoadedKeys())
	close(release)
	assert.Equal(t, Success, <-done)
	assert.True(t, access.IsIndexLoaded(ref.path, DefaultOptions()))
}

func TestCancelledLoad(t *testing.T) {
	ref := newTestReference(t)
	var calls atomic.Int32
	access := NewIndexFileAccess(IndexBuilderFunc(func(ctx context.Context, path string, opts IndexOptions, threads int) (*SeedIndex, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return MinimizerIndexBuilder{}.Build(ctx, path, opts, threads)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, Cancelled, access.LoadIndex(ctx, ref.path, DefaultOptions(), 1))
	assert.False(t, access.IsIndexLoaded(ref.path, DefaultOptions()))

	assert.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, DefaultOptions(), 1))
	assert.EqualValues(t, 2, access.Builds())
}

func TestMinimizerIndexBuilderCancelled(t *testing.T) {
	ref := newTestReference(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MinimizerIndexBuilder{}.Build(ctx, ref.path, DefaultOptions().IndexOptions, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, buildResult(err))
}

func TestGenerateSequenceRecordsHeader(t *testing.T) {
	ref := newTestReference(t)
	access := NewIndexFileAccess(nil)
	opts := DefaultOptions()

	_, err := access.GenerateSequenceRecordsHeader(ref.path, opts)
	assert.ErrorIs(t, err, ErrIndexNotLoaded)

	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 1))
	header, err := access.GenerateSequenceRecordsHeader(ref.path, opts)
	require.NoError(t, err)
	assert.Equal(t, "@SQ\tSN:chr1\tLN:5000\n@SQ\tSN:chr2\tLN:3000", header)

	hdr := sam.NewHeader()
	require.NoError(t, access.AddSequenceRecordsToHeader(hdr, ref.path, opts))
	assert.Equal(t, map[string]int32{"chr1": 0, "chr2": 1}, hdr.DictTable())
	assert.Equal(t, "3000", hdr.SQ[1]["LN"])
}

func TestValidateOptions(t *testing.T) {
	assert.True(t, ValidateOptions(DefaultOptions()))

	opts := DefaultOptions()
	opts.KmerSize = 29
	assert.False(t, ValidateOptions(opts))

	opts = DefaultOptions()
	opts.WindowSize = 0
	assert.False(t, ValidateOptions(opts))

	opts = DefaultOptions()
	opts.BandwidthLong = opts.Bandwidth - 1
	assert.False(t, ValidateOptions(opts))

	opts = DefaultOptions()
	opts.MinSeedHits = 0
	assert.False(t, ValidateOptions(opts))

	assert.Equal(t, DefaultBandwidth, DefaultOptions().bandwidthFor(100))
	assert.Equal(t, DefaultBandwidthLong, DefaultOptions().bandwidthFor(20000))
}
