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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/exascience/pargo/pipeline"

	"github.com/exascience/readpipe/utils/bgzf"
)

const (
	minBatchSize = 1024
	maxBatchSize = 65536
)

// InputFile is a SAM file opened for reading, optionally gzip or BGZF
// compressed. The name "-" denotes standard input.
type InputFile struct {
	rc     io.ReadCloser
	gz     io.Closer
	reader *bufio.Reader
}

// Open opens a SAM file for reading.
func Open(name string) (*InputFile, error) {
	var rc io.ReadCloser
	if name == "-" {
		rc = os.Stdin
	} else {
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		rc = file
	}
	input := &InputFile{rc: rc, reader: bufio.NewReader(rc)}
	isGzip, err := bgzf.IsGzip(input.reader)
	if err != nil && err != io.EOF {
		_ = input.Close()
		return nil, fmt.Errorf("%v, while opening %v", err, name)
	}
	if isGzip {
		gz, err := bgzf.NewReader(input.reader)
		if err != nil {
			_ = input.Close()
			return nil, fmt.Errorf("%v, while opening %v", err, name)
		}
		input.gz = gz
		input.reader = bufio.NewReader(gz)
	}
	return input, nil
}

// Close closes the input file.
func (input *InputFile) Close() (err error) {
	if input.gz != nil {
		err = input.gz.Close()
	}
	if input.rc != os.Stdin {
		if nerr := input.rc.Close(); err == nil {
			err = nerr
		}
	}
	return err
}

// ParseHeader parses the header section of the input file.
func (input *InputFile) ParseHeader() (*Header, error) {
	hdr, _, err := ParseHeader(input.reader)
	return hdr, err
}

// Source returns a pargo pipeline source that produces batches of
// alignment lines. The header must have been parsed before.
func (input *InputFile) Source() pipeline.Source {
	return pipeline.NewScanner(input.reader)
}

// BytesToAlignment returns a pargo pipeline.Filter that parses slices
// of SAM alignment lines into slices of freshly allocated alignments.
func BytesToAlignment(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (receiver pipeline.Receiver, _ pipeline.Finalizer) {
	receiver = func(_ int, data interface{}) interface{} {
		lines := data.([]string)
		alns := make([]*Alignment, 0, len(lines))
		var sc StringScanner
		for _, line := range lines {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			sc.Reset(line)
			aln := sc.ParseAlignment()
			if err := sc.Err(); err != nil {
				p.SetErr(fmt.Errorf("%v, while parsing SAM alignment %v", err, line))
				return alns
			}
			alns = append(alns, aln)
		}
		return alns
	}
	return
}

// ReadAlignments parses the remaining alignments of the input file in
// parallel and passes them in input order to consume.
func (input *InputFile) ReadAlignments(threads int, consume func(*Alignment) error) error {
	var p pipeline.Pipeline
	p.Source(input.Source())
	p.SetVariableBatchSize(minBatchSize, maxBatchSize)
	p.Add(
		pipeline.LimitedPar(threads, BytesToAlignment),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for _, aln := range data.([]*Alignment) {
				if err := consume(aln); err != nil {
					p.SetErr(err)
					return nil
				}
			}
			return nil
		})),
	)
	p.Run()
	return p.Err()
}
