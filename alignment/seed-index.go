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
	"github.com/cespare/xxhash"
	"github.com/willf/bitset"

	"github.com/exascience/readpipe/fasta"
)

// SequenceRecord describes one reference sequence of an index.
type SequenceRecord struct {
	Name   string
	Length int32
}

// seedHit is a minimizer occurrence in the reference.
type seedHit struct {
	seq     int32
	pos     int32
	reverse bool
}

type minimizer struct {
	hash    uint64
	pos     int32
	reverse bool
}

// SeedIndex is an immutable minimizer index of a reference. It is
// shared by all Index views derived from the same IndexKey.
type SeedIndex struct {
	path      string
	options   IndexOptions
	records   []SequenceRecord
	ambiguous []*bitset.BitSet
	table     map[uint64][]seedHit
}

// Path returns the canonical path of the indexed reference.
func (si *SeedIndex) Path() string { return si.path }

// Options returns the options the index was built with.
func (si *SeedIndex) Options() IndexOptions { return si.options }

// SequenceRecords returns the reference sequences in file order.
func (si *SeedIndex) SequenceRecords() []SequenceRecord {
	return append([]SequenceRecord(nil), si.records...)
}

// NumMinimizers returns the number of distinct minimizers in the index.
func (si *SeedIndex) NumMinimizers() int { return len(si.table) }

// AmbiguousBases returns the number of N bases in a reference sequence.
func (si *SeedIndex) AmbiguousBases(seq int) uint {
	return si.ambiguous[seq].Count()
}

var complement = [256]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}

// ambiguityMask marks every base that is not A, C, G or T.
func ambiguityMask(bases []byte) *bitset.BitSet {
	mask := bitset.New(uint(len(bases)))
	for i, base := range bases {
		if complement[base] == 0 {
			mask.Set(uint(i))
		}
	}
	return mask
}

// kmerHashes returns the canonical hash and strand of every k-mer.
// K-mers that cover an ambiguous base, and palindromic k-mers, are
// marked as invalid.
func kmerHashes(bases []byte, k int, mask *bitset.BitSet) (hashes []uint64, reverse, valid []bool) {
	n := len(bases) - k + 1
	if n <= 0 {
		return nil, nil, nil
	}
	hashes = make([]uint64, n)
	reverse = make([]bool, n)
	valid = make([]bool, n)
	rc := make([]byte, k)
	lastAmbiguous := -1
	for i := 0; i < k-1; i++ {
		if mask.Test(uint(i)) {
			lastAmbiguous = i
		}
	}
	for i := 0; i < n; i++ {
		end := i + k - 1
		if mask.Test(uint(end)) {
			lastAmbiguous = end
		}
		if lastAmbiguous >= i {
			continue
		}
		kmer := bases[i : i+k]
		for j := 0; j < k; j++ {
			rc[k-1-j] = complement[kmer[j]]
		}
		forward, backward := xxhash.Sum64(kmer), xxhash.Sum64(rc)
		switch {
		case forward < backward:
			hashes[i] = forward
		case backward < forward:
			hashes[i], reverse[i] = backward, true
		default:
			continue
		}
		valid[i] = true
	}
	return
}

// computeMinimizers returns the (w,k)-minimizers of a base sequence in
// order of position. Each window of w consecutive valid k-mers
// contributes its smallest hash; consecutive windows that share their
// minimizer contribute it once.
func computeMinimizers(bases []byte, k, w int, mask *bitset.BitSet) []minimizer {
	hashes, reverse, valid := kmerHashes(bases, k, mask)
	if len(hashes) == 0 {
		return nil
	}
	if len(hashes) < w {
		w = len(hashes)
	}
	var result []minimizer
	last := -1
	for start := 0; start+w <= len(hashes); start++ {
		best := -1
		for i := start; i < start+w; i++ {
			if valid[i] && (best < 0 || hashes[i] < hashes[best]) {
				best = i
			}
		}
		if best >= 0 && best != last {
			result = append(result, minimizer{hash: hashes[best], pos: int32(best), reverse: reverse[best]})
			last = best
		}
	}
	return result
}

// sequenceMinimizers is the result of indexing one reference sequence.
type sequenceMinimizers struct {
	seq        int32
	record     SequenceRecord
	mask       *bitset.BitSet
	minimizers []minimizer
}

func indexSequence(seq int, sequence fasta.Sequence, opts IndexOptions) sequenceMinimizers {
	mask := ambiguityMask(sequence.Bases)
	return sequenceMinimizers{
		seq:        int32(seq),
		record:     SequenceRecord{Name: sequence.Name, Length: int32(len(sequence.Bases))},
		mask:       mask,
		minimizers: computeMinimizers(sequence.Bases, opts.KmerSize, opts.WindowSize, mask),
	}
}

func newSeedIndex(path string, opts IndexOptions, n int) *SeedIndex {
	return &SeedIndex{
		path:      path,
		options:   opts,
		records:   make([]SequenceRecord, n),
		ambiguous: make([]*bitset.BitSet, n),
		table:     make(map[uint64][]seedHit),
	}
}

func (si *SeedIndex) add(sm sequenceMinimizers) {
	si.records[sm.seq] = sm.record
	si.ambiguous[sm.seq] = sm.mask
	for _, m := range sm.minimizers {
		si.table[m.hash] = append(si.table[m.hash], seedHit{seq: sm.seq, pos: m.pos, reverse: m.reverse})
	}
}
