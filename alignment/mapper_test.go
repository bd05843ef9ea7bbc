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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/readpipe/pipeline"
	"github.com/exascience/readpipe/sam"
)

func loadTestIndex(t *testing.T, ref testReference, opts Options) (*IndexFileAccess, *Index) {
	t.Helper()
	access := NewIndexFileAccess(nil)
	require.Equal(t, Success, access.LoadIndex(context.Background(), ref.path, opts, 2))
	index := access.GetIndex(ref.path, opts)
	require.NotNil(t, index)
	return access, index
}

func qualities(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('!' + 30 + i%10)
	}
	return string(b)
}

func TestMapForwardRead(t *testing.T) {
	ref := newTestReference(t)
	_, index := loadTestIndex(t, ref, DefaultOptions())

	seq := ref.seqs["chr1"][1000:1500]
	read := sam.NewUnmappedAlignment("read1", seq, qualities(len(seq)))
	read.SetBarcode("barcode01")

	alignments, mapped := index.Map(read)
	require.True(t, mapped)
	require.NotEmpty(t, alignments)
	primary := alignments[0]
	assert.Equal(t, "read1", primary.QNAME)
	assert.EqualValues(t, 0, primary.FLAG)
	assert.Equal(t, "chr1", primary.RNAME)
	assert.EqualValues(t, 1001, primary.POS)
	assert.Equal(t, "500M", primary.CIGAR)
	assert.Equal(t, seq, primary.SEQ)
	assert.Equal(t, read.QUAL, primary.QUAL)
	assert.EqualValues(t, 60, primary.MAPQ)
	assert.Equal(t, "barcode01", primary.Barcode())
	tp, _ := primary.TAGS.Get(typeTag)
	assert.Equal(t, byte('P'), tp)

	// the input read is not modified
	assert.True(t, read.IsUnmapped())
	assert.Equal(t, "*", read.RNAME)
}

func TestMapReverseRead(t *testing.T) {
	ref := newTestReference(t)
	_, index := loadTestIndex(t, ref, DefaultOptions())

	seq := ref.seqs["chr2"][200:800]
	qual := qualities(len(seq))
	read := sam.NewUnmappedAlignment("read2", sam.ReverseComplement(seq), sam.ReverseString(qual))

	alignments, mapped := index.Map(read)
	require.True(t, mapped)
	primary := alignments[0]
	assert.True(t, primary.IsReversed())
	assert.Equal(t, "chr2", primary.RNAME)
	assert.EqualValues(t, 201, primary.POS)
	assert.Equal(t, "600M", primary.CIGAR)
	assert.Equal(t, seq, primary.SEQ)
	assert.Equal(t, qual, primary.QUAL)
}

func TestMapClippedRead(t *testing.T) {
	ref := newTestReference(t)
	_, index := loadTestIndex(t, ref, DefaultOptions())

	rng := rand.New(rand.NewSource(7))
	seq := ref.seqs["chr1"][4700:] + randomBases(rng, 100)
	read := sam.NewUnmappedAlignment("read3", seq, "*")

	alignments, mapped := index.Map(read)
	require.True(t, mapped)
	assert.Equal(t, "chr1", alignments[0].RNAME)
	assert.EqualValues(t, 4701, alignments[0].POS)
	assert.Equal(t, "300M100S", alignments[0].CIGAR)
	assert.Equal(t, "*", alignments[0].QUAL)
}

func TestMapUnmappedRead(t *testing.T) {
	ref := newTestReference(t)
	_, index := loadTestIndex(t, ref, DefaultOptions())

	short := sam.NewUnmappedAlignment("short", "ACGTACGT", "IIIIIIII")
	alignments, mapped := index.Map(short)
	assert.False(t, mapped)
	require.Len(t, alignments, 1)
	assert.True(t, alignments[0].IsUnmapped())
	assert.Equal(t, "ACGTACGT", alignments[0].SEQ)
	assert.Equal(t, "*", alignments[0].CIGAR)

	rng := rand.New(rand.NewSource(99))
	random := sam.NewUnmappedAlignment("random", randomBases(rng, 400), "*")
	alignments, mapped = index.Map(random)
	assert.False(t, mapped)
	require.Len(t, alignments, 1)
	assert.True(t, alignments[0].IsUnmapped())
}

func duplicatedReference(t *testing.T) testReference {
	rng := rand.New(rand.NewSource(3))
	repeat := randomBases(rng, 400)
	return writeReference(t, t.TempDir(), []string{"chrA", "chrB"}, map[string]string{
		"chrA": randomBases(rng, 1000) + repeat + randomBases(rng, 1000),
		"chrB": randomBases(rng, 500) + repeat + randomBases(rng, 500),
	})
}

func TestMapSecondaryAlignments(t *testing.T) {
	ref := duplicatedReference(t)
	seq := ref.seqs["chrA"][1000:1400]
	read := sam.NewUnmappedAlignment("repeat", seq, qualities(len(seq)))

	_, index := loadTestIndex(t, ref, DefaultOptions())
	alignments, mapped := index.Map(read)
	require.True(t, mapped)
	require.Len(t, alignments, 2)
	assert.False(t, alignments[0].IsSecondary())
	assert.Less(t, alignments[0].MAPQ, byte(60))
	secondary := alignments[1]
	assert.True(t, secondary.IsSecondary())
	assert.Equal(t, "*", secondary.SEQ)
	assert.Equal(t, "*", secondary.QUAL)
	tp, _ := secondary.TAGS.Get(typeTag)
	assert.Equal(t, byte('S'), tp)
	assert.ElementsMatch(t, []string{"chrA", "chrB"}, []string{alignments[0].RNAME, secondary.RNAME})

	opts := DefaultOptions()
	opts.SoftClipping = true
	_, index = loadTestIndex(t, ref, opts)
	alignments, _ = index.Map(read)
	require.Len(t, alignments, 2)
	assert.Equal(t, seq, alignments[1].SEQ)

	opts = DefaultOptions()
	opts.PrintSecondary = false
	_, index = loadTestIndex(t, ref, opts)
	alignments, _ = index.Map(read)
	assert.Len(t, alignments, 1)

	opts = DefaultOptions()
	opts.BestNSecondary = 0
	_, index = loadTestIndex(t, ref, opts)
	alignments, _ = index.Map(read)
	assert.Len(t, alignments, 1)
}

func TestAlignerNode(t *testing.T) {
	ref := newTestReference(t)
	access, _ := loadTestIndex(t, ref, DefaultOptions())

	_, err := NewAlignerNode(access, ref.path+".missing", DefaultOptions(), 1)
	assert.ErrorIs(t, err, ErrIndexNotLoaded)

	node, err := NewAlignerNode(access, ref.path, DefaultOptions(), 2)
	require.NoError(t, err)

	var (
		mutex    sync.Mutex
		received []*sam.Alignment
	)
	collector := pipeline.NewMessageSink("collector", 16, 1, func(msg interface{}) error {
		mutex.Lock()
		defer mutex.Unlock()
		received = append(received, msg.(*sam.Alignment))
		return nil
	})
	node.AddSink(collector)

	node.Push(sam.NewUnmappedAlignment("mapped", ref.seqs["chr1"][2000:2300], "*"))
	node.Push(sam.NewUnmappedAlignment("unmapped", "ACGT", "*"))
	node.Push("not a read")
	node.Terminate(pipeline.FlushOptions{PreserveCaches: true})
	assert.NotNil(t, node.Index())
	node.Restart()
	node.Push(sam.NewUnmappedAlignment("again", ref.seqs["chr2"][0:300], "*"))
	node.Terminate(pipeline.DefaultFlushOptions())
	assert.Nil(t, node.Index())
	collector.Terminate(pipeline.DefaultFlushOptions())

	names := make([]string, 0, len(received))
	for _, aln := range received {
		names = append(names, aln.QNAME)
	}
	assert.ElementsMatch(t, []string{"mapped", "unmapped", "again"}, names)

	stats := node.SampleStats()
	assert.EqualValues(t, 4, stats["messages_pushed"])
	assert.EqualValues(t, 3, stats["messages_processed"])
	assert.EqualValues(t, 1, stats["messages_failed"])
	assert.EqualValues(t, 2, stats["reads_aligned"])
	assert.EqualValues(t, 1, stats["reads_unmapped"])

	node.Restart()
	assert.NotNil(t, node.Index())
	node.Terminate(pipeline.DefaultFlushOptions())
}
