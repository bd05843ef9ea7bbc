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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shenwei356/xopen"

	"github.com/exascience/readpipe/utils/bgzf"
)

// HtsFileMode selects the container format of an HtsFile.
type HtsFileMode int

// Container formats.
const (
	BAM HtsFileMode = iota
	SAM
	FASTQ
)

// Extension returns the file name extension for the mode.
func (mode HtsFileMode) Extension() string {
	switch mode {
	case SAM:
		return "sam"
	case FASTQ:
		return "fastq"
	default:
		return "bam"
	}
}

func (mode HtsFileMode) String() string { return mode.Extension() }

// IndexExtension is the file name extension of BAM index files.
const IndexExtension = "bai"

// ProgressCallback receives completion percentages between 0 and 100.
type ProgressCallback func(percent int)

// ErrHtsFileFinalised is returned when writing to a finalised file.
var ErrHtsFileFinalised = errors.New("output file already finalised")

// HtsFile is an output file for alignments in one of the supported
// container formats. It is not safe for concurrent use.
type HtsFile struct {
	name      string
	mode      HtsFileMode
	threads   int
	file      io.WriteCloser
	bgzf      *bgzf.Writer
	out       io.Writer
	header    *Header
	dictTable map[string]int32
	buf       []byte
	records   int64
	finalised bool
}

// CreateHtsFile creates an output file. The threads argument bounds
// the number of goroutines used for BGZF compression.
func CreateHtsFile(name string, mode HtsFileMode, threads int) (*HtsFile, error) {
	if threads < 1 {
		threads = 1
	}
	f := &HtsFile{name: name, mode: mode, threads: threads}
	switch mode {
	case FASTQ:
		writer, err := xopen.Wopen(name)
		if err != nil {
			return nil, fmt.Errorf("%v, while creating %v", err, name)
		}
		f.file, f.out = writer, writer
	case SAM:
		file, err := os.Create(name)
		if err != nil {
			return nil, fmt.Errorf("%v, while creating %v", err, name)
		}
		f.file, f.out = file, bufio.NewWriter(file)
	case BAM:
		file, err := os.Create(name)
		if err != nil {
			return nil, fmt.Errorf("%v, while creating %v", err, name)
		}
		f.file = file
		f.bgzf = bgzf.NewWriter(file, bgzf.DefaultCompression, threads)
		f.out = f.bgzf
	default:
		return nil, fmt.Errorf("unknown output mode %v", int(mode))
	}
	return f, nil
}

// Name returns the file name.
func (f *HtsFile) Name() string { return f.name }

// Mode returns the container format.
func (f *HtsFile) Mode() HtsFileMode { return f.mode }

// Records returns the number of alignments written so far.
func (f *HtsFile) Records() int64 { return f.records }

// Header returns the header of the file, or nil.
func (f *HtsFile) Header() *Header { return f.header }

// SetHeader writes the header. It must be called once, before the
// first alignment is written. FASTQ files ignore the header.
func (f *HtsFile) SetHeader(hdr *Header) error {
	if f.finalised {
		return ErrHtsFileFinalised
	}
	if f.header != nil {
		return fmt.Errorf("header of %v already set", f.name)
	}
	f.header = hdr.Clone()
	f.dictTable = f.header.DictTable()
	var err error
	switch f.mode {
	case BAM:
		if f.buf, err = f.header.FormatBam(f.buf[:0]); err != nil {
			return fmt.Errorf("%v, while writing header of %v", err, f.name)
		}
	case SAM:
		f.buf = f.header.AppendSam(f.buf[:0])
	default:
		return nil
	}
	if _, err = f.out.Write(f.buf); err != nil {
		return fmt.Errorf("%v, while writing header of %v", err, f.name)
	}
	return nil
}

// Write appends an alignment to the file.
func (f *HtsFile) Write(aln *Alignment) (err error) {
	if f.finalised {
		return ErrHtsFileFinalised
	}
	switch f.mode {
	case BAM:
		if f.header == nil {
			return fmt.Errorf("no header set for %v", f.name)
		}
		f.buf, err = formatBamAlignment(aln, f.buf[:0], f.dictTable)
	case SAM:
		if f.header == nil {
			return fmt.Errorf("no header set for %v", f.name)
		}
		f.buf, err = aln.Format(f.buf[:0])
	case FASTQ:
		f.buf, err = aln.FormatFastq(f.buf[:0])
	}
	if err != nil {
		return fmt.Errorf("%v, while writing to %v", err, f.name)
	}
	if _, err = f.out.Write(f.buf); err != nil {
		return fmt.Errorf("%v, while writing to %v", err, f.name)
	}
	f.records++
	return nil
}

// Close flushes and closes the file without sorting or indexing.
func (f *HtsFile) Close() (err error) {
	if f.finalised {
		return nil
	}
	f.finalised = true
	if f.mode != FASTQ && f.header == nil {
		// an empty file still gets a valid, empty header
		f.header = NewHeader()
		f.dictTable = map[string]int32{}
		switch f.mode {
		case BAM:
			f.buf, err = f.header.FormatBam(f.buf[:0])
		case SAM:
			f.buf = f.header.AppendSam(f.buf[:0])
		}
		if err == nil {
			_, err = f.out.Write(f.buf)
		}
	}
	switch out := f.out.(type) {
	case *bgzf.Writer:
		if nerr := out.Close(); err == nil {
			err = nerr
		}
	case *bufio.Writer:
		if nerr := out.Flush(); err == nil {
			err = nerr
		}
	}
	if nerr := f.file.Close(); err == nil {
		err = nerr
	}
	f.buf = nil
	if err != nil {
		return fmt.Errorf("%v, while closing %v", err, f.name)
	}
	return nil
}

// Finalise closes the file. When sortBam is set and the file is a BAM
// file, it is then sorted by coordinate and a .bai index is written
// next to it. Progress is reported monotonically, ending at 100.
func (f *HtsFile) Finalise(progress ProgressCallback, sortBam bool) error {
	if progress == nil {
		progress = func(int) {}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !sortBam || f.mode != BAM {
		progress(100)
		return nil
	}
	progress(10)
	if err := SortBamFile(f.name, f.records, f.threads, func(percent int) {
		progress(10 + percent*7/10)
	}); err != nil {
		return err
	}
	progress(80)
	if err := IndexBamFile(f.name); err != nil {
		return err
	}
	progress(100)
	return nil
}
