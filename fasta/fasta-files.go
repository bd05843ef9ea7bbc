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

// Package fasta reads reference sequences for index construction.
package fasta

import (
	"errors"
	"fmt"
	"io"

	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
)

// Sequence is a named reference sequence with normalized bases.
type Sequence struct {
	Name  string
	Bases []byte
}

// ErrNoSequences is returned for reference files without sequences.
var ErrNoSequences = errors.New("no sequences in reference file")

var iupacTable = map[byte]byte{
	'A': 'A', 'a': 'a',
	'C': 'C', 'c': 'c',
	'G': 'G', 'g': 'g',
	'T': 'T', 't': 't',
	'N': 'N', 'n': 'N',
	'R': 'N', 'r': 'N',
	'Y': 'N', 'y': 'N',
	'M': 'N', 'm': 'N',
	'K': 'N', 'k': 'N',
	'W': 'N', 'w': 'N',
	'S': 'N', 's': 'N',
	'B': 'N', 'b': 'N',
	'D': 'N', 'd': 'N',
	'H': 'N', 'h': 'N',
	'V': 'N', 'v': 'N',
}

// ToN can be used to normalize ambiguity codes in FASTA references.
func ToN(base byte) byte {
	if n, ok := iupacTable[base]; ok {
		return n
	}
	return base
}

var iupacUpperTable [256]byte

func init() {
	for i := range iupacUpperTable {
		iupacUpperTable[i] = 'N'
	}
	for _, base := range []byte("ACGT") {
		iupacUpperTable[base] = base
		iupacUpperTable[base+'a'-'A'] = base
	}
}

// ToUpperAndN converts bases to upper case and maps everything except
// A, C, G and T to N.
func ToUpperAndN(base byte) byte {
	return iupacUpperTable[base]
}

// ReadReference reads all sequences of a FASTA or FASTQ file, which may
// be compressed. Sequence names are the first word of each header line.
func ReadReference(filename string) (sequences []Sequence, err error) {
	reader, err := fastx.NewReader(seq.DNAredundant, filename, fastx.DefaultIDRegexp)
	if err != nil {
		return nil, fmt.Errorf("%v, while opening reference %v", err, filename)
	}
	defer reader.Close()
	names := make(map[string]bool)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%v, while reading reference %v", err, filename)
		}
		name := string(record.ID)
		if names[name] {
			return nil, fmt.Errorf("duplicate sequence %v in reference %v", name, filename)
		}
		names[name] = true
		bases := make([]byte, len(record.Seq.Seq))
		for i, base := range record.Seq.Seq {
			bases[i] = ToUpperAndN(base)
		}
		sequences = append(sequences, Sequence{Name: name, Bases: bases})
	}
	if len(sequences) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSequences, filename)
	}
	return sequences, nil
}

// TotalLength returns the sum of the lengths of the given sequences.
func TotalLength(sequences []Sequence) (total int64) {
	for _, s := range sequences {
		total += int64(len(s.Bases))
	}
	return
}
