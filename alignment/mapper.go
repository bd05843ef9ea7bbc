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
	"sort"
	"strconv"

	"github.com/exascience/readpipe/fasta"
	"github.com/exascience/readpipe/sam"
	"github.com/exascience/readpipe/utils"
)

// maxSeedOccurrences skips minimizers that occur too often in the
// reference to be informative.
const maxSeedOccurrences = 1000

var (
	chainScoreTag = utils.Intern("s1")
	typeTag       = utils.Intern("tp")
)

type anchor struct {
	seq     int32
	reverse bool
	diag    int32
}

type candidate struct {
	seq     int32
	reverse bool
	diag    int32
	hits    int
}

// collectAnchors looks up the minimizers of a read and returns their
// reference hits as (sequence, strand, diagonal) triples, sorted.
func (index *Index) collectAnchors(bases []byte) []anchor {
	seeds := index.seedIndex
	k, w := seeds.options.KmerSize, seeds.options.WindowSize
	readLength := int32(len(bases))
	var anchors []anchor
	for _, m := range computeMinimizers(bases, k, w, ambiguityMask(bases)) {
		hits := seeds.table[m.hash]
		if len(hits) > maxSeedOccurrences {
			continue
		}
		for _, hit := range hits {
			reverse := m.reverse != hit.reverse
			readPos := m.pos
			if reverse {
				readPos = readLength - m.pos - int32(k)
			}
			anchors = append(anchors, anchor{seq: hit.seq, reverse: reverse, diag: hit.pos - readPos})
		}
	}
	sort.Slice(anchors, func(i, j int) bool {
		a, b := anchors[i], anchors[j]
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		if a.reverse != b.reverse {
			return !a.reverse
		}
		return a.diag < b.diag
	})
	return anchors
}

// chainAnchors groups sorted anchors on the same sequence and strand
// whose diagonals are within bandwidth of their neighbours.
func chainAnchors(anchors []anchor, bandwidth int32, minHits int) (candidates []candidate) {
	for start := 0; start < len(anchors); {
		end := start + 1
		for end < len(anchors) &&
			anchors[end].seq == anchors[start].seq &&
			anchors[end].reverse == anchors[start].reverse &&
			anchors[end].diag-anchors[end-1].diag <= bandwidth {
			end++
		}
		if hits := end - start; hits >= minHits {
			candidates = append(candidates, candidate{
				seq:     anchors[start].seq,
				reverse: anchors[start].reverse,
				diag:    anchors[start+hits/2].diag,
				hits:    hits,
			})
		}
		start = end
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].hits > candidates[j].hits
	})
	return candidates
}

func mappingQuality(best, second int) byte {
	if best == 0 {
		return 0
	}
	q := 60 * (best - second) / best
	if q < 0 {
		q = 0
	}
	return byte(q)
}

func appendCigar(cigar []byte, length int32, op byte) []byte {
	if length <= 0 {
		return cigar
	}
	cigar = strconv.AppendInt(cigar, int64(length), 10)
	return append(cigar, op)
}

// Map aligns a read against the index. It returns the primary and
// secondary alignments, or the read itself marked as unmapped.
func (index *Index) Map(read *sam.Alignment) (alignments []*sam.Alignment, mapped bool) {
	seq, qual := read.SEQ, read.QUAL
	if seq == "*" {
		seq = ""
	}
	if read.IsReversed() && !read.IsUnmapped() {
		seq = sam.ReverseComplement(seq)
		if qual != "*" {
			qual = sam.ReverseString(qual)
		}
	}
	bases := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		bases[i] = fasta.ToUpperAndN(seq[i])
	}

	opts := index.options.MappingOptions
	var candidates []candidate
	if len(bases) >= index.seedIndex.options.KmerSize {
		candidates = chainAnchors(index.collectAnchors(bases), int32(opts.bandwidthFor(len(bases))), opts.MinSeedHits)
	}

	records := index.seedIndex.records
	readLength := int32(len(bases))
	for i, c := range candidates {
		secondary := i > 0
		if secondary && (!opts.PrintSecondary || i > opts.BestNSecondary) {
			break
		}
		refLength := records[c.seq].Length
		lead, trail := int32(0), int32(0)
		if c.diag < 0 {
			lead = -c.diag
		}
		if over := c.diag + readLength - refLength; over > 0 {
			trail = over
		}
		matched := readLength - lead - trail
		if matched <= 0 {
			continue
		}

		aln := read.Clone()
		aln.FLAG = 0
		if c.reverse {
			aln.FLAG |= sam.Reversed
			aln.SEQ = sam.ReverseComplement(seq)
			if qual != "*" {
				aln.QUAL = sam.ReverseString(qual)
			}
		} else {
			aln.SEQ, aln.QUAL = seq, qual
		}
		clip := byte('S')
		if secondary {
			aln.FLAG |= sam.Secondary
			if !opts.SoftClipping {
				clip = 'H'
				aln.SEQ, aln.QUAL = "*", "*"
			}
		}
		aln.RNAME = records[c.seq].Name
		aln.POS = max(c.diag, 0) + 1
		cigar := appendCigar(nil, lead, clip)
		cigar = appendCigar(cigar, matched, 'M')
		aln.CIGAR = string(appendCigar(cigar, trail, clip))
		aln.RNEXT, aln.PNEXT, aln.TLEN = "*", 0, 0
		if secondary {
			aln.MAPQ = 0
			aln.TAGS.Set(typeTag, byte('S'))
		} else {
			second := 0
			if len(candidates) > 1 {
				second = candidates[1].hits
			}
			aln.MAPQ = mappingQuality(c.hits, second)
			aln.TAGS.Set(typeTag, byte('P'))
		}
		aln.TAGS.Set(chainScoreTag, int64(c.hits))
		alignments = append(alignments, aln)
	}
	if len(alignments) > 0 {
		return alignments, true
	}

	unmapped := read.Clone()
	unmapped.FLAG = sam.Unmapped
	unmapped.RNAME, unmapped.POS, unmapped.MAPQ, unmapped.CIGAR = "*", 0, 0, "*"
	unmapped.RNEXT, unmapped.PNEXT, unmapped.TLEN = "*", 0, 0
	unmapped.SEQ, unmapped.QUAL = read.SEQ, read.QUAL
	if read.IsReversed() && !read.IsUnmapped() {
		unmapped.SEQ = seq
		if unmapped.SEQ == "" {
			unmapped.SEQ = "*"
		}
		unmapped.QUAL = qual
	}
	return []*sam.Alignment{unmapped}, false
}
