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
	"fmt"
	"io"
	"os"

	"github.com/biogo/hts/bam"
)

// IndexBamFile writes a BAI index for a coordinate-sorted BAM file to
// name + ".bai".
func IndexBamFile(name string) (err error) {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()
	reader, err := bam.NewReader(file, 1)
	if err != nil {
		return fmt.Errorf("%v, while indexing %v", err, name)
	}
	defer reader.Close()

	var index bam.Index
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%v, while indexing %v", err, name)
		}
		if err = index.Add(record, reader.LastChunk()); err != nil {
			return fmt.Errorf("%v, while indexing %v", err, name)
		}
	}

	out, err := os.Create(name + "." + IndexExtension)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := out.Close(); err == nil {
			err = nerr
		}
	}()
	if err = bam.WriteIndex(out, &index); err != nil {
		return fmt.Errorf("%v, while writing index of %v", err, name)
	}
	return nil
}
