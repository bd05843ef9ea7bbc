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

package demux

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biogo/hts/bam"
	htssam "github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/readpipe/pipeline"
	"github.com/exascience/readpipe/sam"
)

func testHeader() *sam.Header {
	hdr := sam.NewHeader()
	hdr.AddSQ("chr1", 10000)
	return hdr
}

func barcodedRead(name, barcode string, pos int32) *sam.Alignment {
	aln := sam.NewUnmappedAlignment(name, "ACGTACGTAC", "IIIIIIIIII")
	if pos > 0 {
		aln.FLAG = 0
		aln.RNAME = "chr1"
		aln.POS = pos
		aln.CIGAR = "10M"
	}
	if barcode != "" {
		aln.SetBarcode(barcode)
	}
	return aln
}

func readBam(t *testing.T, name string) (*htssam.Header, []*htssam.Record) {
	t.Helper()
	file, err := os.Open(name)
	require.NoError(t, err)
	defer file.Close()
	reader, err := bam.NewReader(file, 1)
	require.NoError(t, err)
	defer reader.Close()
	var records []*htssam.Record
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, record)
	}
	return reader.Header(), records
}

func TestIsSafeKey(t *testing.T) {
	for _, key := range []string{"barcode01", "bc01", "patient_A.1", "kit+x-y"} {
		assert.True(t, IsSafeKey(key), key)
	}
	for _, key := range []string{"", ".hidden", "../evil", "a/b", "with space", strings.Repeat("x", 201)} {
		assert.False(t, IsSafeKey(key), key)
	}
}

func TestDemuxSortedBam(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	node, err := NewBarcodeDemuxerNode(dir, 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, sam.BAM, node.Mode())
	node.SetHeader(testHeader())

	expected := map[string]int{"bc01": 0, "bc02": 0, "bc03": 0, UnclassifiedKey: 0}
	barcodes := []string{"bc01", "bc02", "bc03"}
	for i := 0; i < 300; i++ {
		barcode := barcodes[i%3]
		node.Push(barcodedRead("read"+barcode, barcode, int32(9000-i*30)))
		expected[barcode]++
	}
	node.Push(barcodedRead("nobarcode", "", 0))
	node.Push(barcodedRead("unsafe", "../evil", 100))
	expected[UnclassifiedKey] += 2
	node.Push("not a read")

	assert.Panics(t, func() { _ = node.FinaliseHtsFiles(nil, true) })
	node.Terminate(pipeline.DefaultFlushOptions())

	var reported []int
	require.NoError(t, node.FinaliseHtsFiles(func(percent int) {
		reported = append(reported, percent)
	}, true))
	require.NotEmpty(t, reported)
	assert.Equal(t, 100, reported[len(reported)-1])
	for i := 1; i < len(reported); i++ {
		assert.Greater(t, reported[i], reported[i-1])
	}

	var want []string
	for _, key := range []string{"bc01", "bc02", "bc03", UnclassifiedKey} {
		want = append(want, filepath.Join(dir, key+".bam"), filepath.Join(dir, key+".bam.bai"))
	}
	assert.Equal(t, want, node.OutputFiles())

	for key, count := range expected {
		name := filepath.Join(dir, key+".bam")
		hdr, records := readBam(t, name)
		assert.Equal(t, htssam.Coordinate, hdr.SortOrder, key)
		assert.Len(t, records, count, key)
		for i := 1; i < len(records); i++ {
			if records[i].Ref != nil && records[i-1].Ref != nil {
				assert.LessOrEqual(t, records[i-1].Pos, records[i].Pos, key)
			}
		}
		_, err := os.Stat(name + ".bai")
		assert.NoError(t, err, key)
	}

	stats := node.SampleStats()
	assert.EqualValues(t, 302, stats["demuxed_reads"])
	assert.EqualValues(t, 1, stats["messages_failed"])
	assert.EqualValues(t, 0, stats["files_open"])

	assert.Panics(t, func() { _ = node.FinaliseHtsFiles(nil, true) })
	assert.Panics(t, func() { node.Restart() })
}

func TestDemuxFastq(t *testing.T) {
	dir := t.TempDir()
	node, err := NewBarcodeDemuxerNode(dir, 1, true, nil)
	require.NoError(t, err)
	node.SetHeader(testHeader())
	node.Push(barcodedRead("r1", "bc01", 0))
	node.Push(barcodedRead("r2", "bc01", 0))
	node.Push(barcodedRead("r3", "bc02", 0))
	node.Terminate(pipeline.DefaultFlushOptions())
	require.NoError(t, node.FinaliseHtsFiles(nil, true))

	assert.Equal(t, []string{filepath.Join(dir, "bc01.fastq"), filepath.Join(dir, "bc02.fastq")}, node.OutputFiles())
	var names []string
	require.NoError(t, sam.ReadFastq(filepath.Join(dir, "bc01.fastq"), func(aln *sam.Alignment) error {
		assert.Equal(t, "bc01", aln.Barcode())
		names = append(names, aln.QNAME)
		return nil
	}))
	assert.Equal(t, []string{"r1", "r2"}, names)
}

func TestDemuxWithoutReads(t *testing.T) {
	node, err := NewBarcodeDemuxerNode(t.TempDir(), 1, false, nil)
	require.NoError(t, err)
	node.Terminate(pipeline.DefaultFlushOptions())
	var reported []int
	require.NoError(t, node.FinaliseHtsFiles(func(percent int) {
		reported = append(reported, percent)
	}, true))
	assert.Equal(t, []int{100}, reported)
	assert.Empty(t, node.OutputFiles())
}

func TestDemuxSampleSheet(t *testing.T) {
	sheet, err := ParseSampleSheet(strings.NewReader(
		"barcode,alias,kit\n" +
			"barcode01,patientA,SQK-RBK114\n" +
			"barcode02, patientB ,SQK-RBK114\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"barcode01", "barcode02"}, sheet.Barcodes())
	assert.Equal(t, []string{"SQK-RBK114"}, sheet.Kits())

	alias, found := sheet.Alias("SQK-RBK114_barcode02")
	assert.True(t, found)
	assert.Equal(t, "patientB", alias)
	_, found = sheet.Alias("barcode03")
	assert.False(t, found)

	dir := t.TempDir()
	node, err := NewBarcodeDemuxerNode(dir, 1, false, sheet)
	require.NoError(t, err)
	node.SetHeader(testHeader())
	node.Push(barcodedRead("r1", "barcode01", 0))
	node.Push(barcodedRead("r2", "SQK-RBK114_barcode02", 0))
	node.Push(barcodedRead("r3", "barcode03", 0))
	node.Terminate(pipeline.DefaultFlushOptions())
	require.NoError(t, node.FinaliseHtsFiles(nil, false))

	assert.Equal(t, []string{
		filepath.Join(dir, "patientA.bam"),
		filepath.Join(dir, "patientB.bam"),
		filepath.Join(dir, UnclassifiedKey+".bam"),
	}, node.OutputFiles())
	_, records := readBam(t, filepath.Join(dir, "patientB.bam"))
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].Name)
}

func TestSampleSheetErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"barcode,kit\nbarcode01,x\n",
		"barcode,alias\n",
		"barcode,alias\nbarcode01,../x\n",
		"barcode,alias\nbarcode01,unclassified\n",
		"barcode,alias\n,patientA\n",
		"barcode,alias\nbarcode01,a\nbarcode01,b\n",
	} {
		_, err := ParseSampleSheet(strings.NewReader(text))
		assert.Error(t, err, text)
	}

	_, err := LoadSampleSheet(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
