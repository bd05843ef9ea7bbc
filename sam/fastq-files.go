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

package sam

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
)

// ParseFastqDescription extracts SAM-style TAG:TYPE:VALUE fields from a
// FASTQ description line. Other words are ignored.
func ParseFastqDescription(aln *Alignment, description string) error {
	var sc StringScanner
	for _, word := range strings.Fields(description) {
		if len(word) < 5 || word[2] != ':' || word[4] != ':' {
			continue
		}
		sc.Reset(word)
		tag, value := sc.ParseOptionalField()
		if err := sc.Err(); err != nil {
			return fmt.Errorf("%v, while parsing description of read %v", err, aln.QNAME)
		}
		aln.TAGS.Set(tag, value)
	}
	return nil
}

// ReadFastq reads a FASTQ or FASTA file, optionally compressed, and
// passes every read as an unmapped alignment to consume.
func ReadFastq(name string, consume func(*Alignment) error) error {
	reader, err := fastx.NewReader(seq.DNAredundant, name, fastx.DefaultIDRegexp)
	if err != nil {
		return fmt.Errorf("%v, while opening %v", err, name)
	}
	defer reader.Close()
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%v, while reading %v", err, name)
		}
		aln := NewUnmappedAlignment(string(record.ID), string(record.Seq.Seq), string(record.Seq.Qual))
		description := bytes.TrimPrefix(record.Name, record.ID)
		if err := ParseFastqDescription(aln, string(description)); err != nil {
			return err
		}
		if err := consume(aln); err != nil {
			return err
		}
	}
}
