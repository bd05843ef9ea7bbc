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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmbiguityMask(t *testing.T) {
	mask := ambiguityMask([]byte("ACGTNNACGT"))
	assert.EqualValues(t, 2, mask.Count())
	assert.True(t, mask.Test(4))
	assert.True(t, mask.Test(5))
	assert.False(t, mask.Test(6))
}

func TestKmerHashes(t *testing.T) {
	bases := []byte("ACGTTNACGTT")
	hashes, _, valid := kmerHashes(bases, 5, ambiguityMask(bases))
	assert.Len(t, hashes, 7)
	assert.Equal(t, []bool{true, false, false, false, false, false, true}, valid)

	// a k-mer and its reverse complement share their canonical hash
	forward := []byte("AACCG")
	backward := []byte("CGGTT")
	fh, fr, _ := kmerHashes(forward, 5, ambiguityMask(forward))
	bh, br, _ := kmerHashes(backward, 5, ambiguityMask(backward))
	assert.Equal(t, fh[0], bh[0])
	assert.NotEqual(t, fr[0], br[0])

	// palindromic k-mers have no strand
	palindrome := []byte("ACGT")
	_, _, valid = kmerHashes(palindrome, 4, ambiguityMask(palindrome))
	assert.Equal(t, []bool{false}, valid)
}

func TestComputeMinimizers(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	bases := []byte(randomBases(rng, 1000))
	k, w := 15, 10
	minimizers := computeMinimizers(bases, k, w, ambiguityMask(bases))
	assert.NotEmpty(t, minimizers)
	// every window of w k-mers contains at least one minimizer
	for i := 1; i < len(minimizers); i++ {
		assert.Greater(t, minimizers[i].pos, minimizers[i-1].pos)
		assert.LessOrEqual(t, minimizers[i].pos-minimizers[i-1].pos, int32(w))
	}

	assert.Nil(t, computeMinimizers([]byte("ACGT"), k, w, ambiguityMask([]byte("ACGT"))))
}

func TestSeedIndexAmbiguousBases(t *testing.T) {
	ref := writeReference(t, t.TempDir(), []string{"chrN"}, map[string]string{
		"chrN": "ACGTRYACGTNNNNACGTAGGCTTAGCAGATCGATCGGATCCGA",
	})
	seeds, err := MinimizerIndexBuilder{}.Build(context.Background(), ref.path, DefaultOptions().IndexOptions, 1)
	if err != nil {
		t.Fatal(err)
	}
	assert.EqualValues(t, 6, seeds.AmbiguousBases(0))
	assert.Equal(t, ref.path, seeds.Path())
	assert.Equal(t, DefaultOptions().IndexOptions, seeds.Options())
}
