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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/exascience/readpipe/utils/bgzf"
)

// sortBatchSize is the number of records per pebble batch commit.
const sortBatchSize = 4096

// coordinateKey orders records by reference index, then position, then
// arrival. Unmapped reads without a reference come last.
func coordinateKey(key []byte, refID, pos int32, seq uint64) []byte {
	key = key[:0]
	key = binary.BigEndian.AppendUint32(key, uint32(refID))
	key = binary.BigEndian.AppendUint32(key, uint32(pos+1))
	return binary.BigEndian.AppendUint64(key, seq)
}

// SortBamFile sorts a BAM file by coordinate, in place. Records are
// spilled into a temporary pebble store next to the file and written
// back in key order with SO:coordinate in the header. expectedRecords
// is only used for progress reporting.
func SortBamFile(name string, expectedRecords int64, threads int, progress ProgressCallback) (err error) {
	if progress == nil {
		progress = func(int) {}
	}
	id := uuid.New().String()
	spillDir := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".sort-"+id)
	db, err := pebble.Open(spillDir, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("%v, while creating sort store for %v", err, name)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
		if nerr := os.RemoveAll(spillDir); err == nil && nerr != nil {
			err = nerr
		}
	}()

	text, nrecords, err := spillBamRecords(db, name, expectedRecords, func(percent int) {
		progress(percent / 2)
	})
	if err != nil {
		return err
	}

	hdr, _, err := ParseHeader(bufio.NewReader(strings.NewReader(text)))
	if err != nil {
		return fmt.Errorf("%v, while sorting %v", err, name)
	}
	hdr.SetHDSO("coordinate")

	tmpName := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".tmp-"+id)
	if err = writeSortedBamFile(db, tmpName, hdr, nrecords, threads, func(percent int) {
		progress(50 + percent/2)
	}); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = db.Close(); err != nil {
		db = nil
		_ = os.Remove(tmpName)
		return fmt.Errorf("%v, while sorting %v", err, name)
	}
	db = nil
	if err = os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("%v, while sorting %v", err, name)
	}
	progress(100)
	return nil
}

func spillBamRecords(db *pebble.DB, name string, expectedRecords int64, progress ProgressCallback) (text string, nrecords uint64, err error) {
	file, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	gz, err := bgzf.NewReader(bufio.NewReader(file))
	if err != nil {
		return "", 0, fmt.Errorf("%v, while reading %v", err, name)
	}
	defer gz.Close()
	reader := bufio.NewReader(gz)
	text, _, err = ReadBamHeader(reader)
	if err != nil {
		return "", 0, fmt.Errorf("%v, while reading %v", err, name)
	}
	var record, key []byte
	batch := db.NewBatch()
	for {
		record, err = ReadBamRecord(reader, record)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = batch.Close()
			return "", 0, fmt.Errorf("%v, while reading %v", err, name)
		}
		refID, pos := BamRecordPosition(record)
		key = coordinateKey(key, refID, pos, nrecords)
		if err = batch.Set(key, record, nil); err != nil {
			_ = batch.Close()
			return "", 0, err
		}
		nrecords++
		if nrecords%sortBatchSize == 0 {
			if err = batch.Commit(pebble.NoSync); err != nil {
				return "", 0, err
			}
			_ = batch.Close()
			batch = db.NewBatch()
			if expectedRecords > 0 {
				progress(int(min(100, int64(nrecords)*100/expectedRecords)))
			}
		}
	}
	if err = batch.Commit(pebble.NoSync); err != nil {
		return "", 0, err
	}
	_ = batch.Close()
	progress(100)
	return text, nrecords, nil
}

func writeSortedBamFile(db *pebble.DB, name string, hdr *Header, nrecords uint64, threads int, progress ProgressCallback) (err error) {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := file.Close(); err == nil {
			err = nerr
		}
	}()
	writer := bgzf.NewWriter(file, bgzf.DefaultCompression, threads)
	buf, err := hdr.FormatBam(nil)
	if err != nil {
		_ = writer.Close()
		return err
	}
	if _, err = writer.Write(buf); err != nil {
		_ = writer.Close()
		return err
	}
	iter := db.NewIter(&pebble.IterOptions{})
	var written uint64
	var size [4]byte
	for iter.First(); iter.Valid(); iter.Next() {
		value := iter.Value()
		binary.LittleEndian.PutUint32(size[:], uint32(len(value)))
		if _, err = writer.Write(size[:]); err == nil {
			_, err = writer.Write(value)
		}
		if err != nil {
			_ = iter.Close()
			_ = writer.Close()
			return fmt.Errorf("%v, while writing %v", err, name)
		}
		written++
		if nrecords > 0 && written%sortBatchSize == 0 {
			progress(int(written * 100 / nrecords))
		}
	}
	if err = iter.Close(); err != nil {
		_ = writer.Close()
		return err
	}
	if err = writer.Close(); err != nil {
		return err
	}
	progress(100)
	return nil
}
