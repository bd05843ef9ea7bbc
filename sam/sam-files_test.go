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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/readpipe/utils"
)

const testSamHeader = "@HD\tVN:1.6\tSO:unsorted\n" +
	"@SQ\tSN:chr1\tLN:1000\n" +
	"@SQ\tSN:chr2\tLN:500\n" +
	"@RG\tID:rg1\tSM:sample\n" +
	"@PG\tID:readpipe\tPN:readpipe\n" +
	"@CO\tfree text\n" +
	"@xy\tAB:cd\n"

func TestParseHeader(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader(testSamHeader + "r1\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\tIIII\n"))
	hdr, lines, err := ParseHeader(reader)
	require.NoError(t, err)
	assert.Equal(t, 7, lines)
	assert.Equal(t, "unsorted", hdr.HDSO())
	require.Len(t, hdr.SQ, 2)
	ln, err := SQLN(hdr.SQ[1])
	require.NoError(t, err)
	assert.EqualValues(t, 500, ln)
	assert.Equal(t, []string{"free text"}, hdr.CO)
	assert.Equal(t, []utils.StringMap{{"AB": "cd"}}, hdr.UserRecords["@xy"])
	assert.Equal(t, testSamHeader, hdr.String())

	rest, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rest, "r1\t"))
}

func TestParseHeaderErrors(t *testing.T) {
	for _, text := range []string{
		"@SQ\tSN:chr1\tLN:1000\n@HD\tVN:1.6\n",
		"@HD\tVN\n",
		"@XX\tAB:cd\n",
		"@SQ\tSN:chr1\tSN:chr2\n",
	} {
		_, _, err := ParseHeader(bufio.NewReader(strings.NewReader(text)))
		assert.Error(t, err, text)
	}
}

func TestHeaderClone(t *testing.T) {
	hdr, _, err := ParseHeader(bufio.NewReader(strings.NewReader(testSamHeader)))
	require.NoError(t, err)
	clone := hdr.Clone()
	clone.SetHDSO("coordinate")
	clone.SQ[0]["LN"] = "1"
	clone.UserRecords["@xy"][0]["AB"] = "ef"
	assert.Equal(t, "unsorted", hdr.HDSO())
	assert.Equal(t, "1000", hdr.SQ[0]["LN"])
	assert.Equal(t, "cd", hdr.UserRecords["@xy"][0]["AB"])
	assert.Equal(t, map[string]int32{"chr1": 0, "chr2": 1}, hdr.DictTable())
}

func TestAlignmentRoundTrip(t *testing.T) {
	line := "r1\t16\tchr1\t100\t60\t2S4M\t=\t200\t-104\tTTACGT\tIIIIII\tBC:Z:barcode01\tNM:i:-3\tXA:A:c\tXF:f:1.5\tZB:B:c,-1,2\tZH:H:1AE3\tZI:B:I,70000"
	aln, err := ParseAlignmentFromString(line + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "r1", aln.QNAME)
	assert.True(t, aln.IsReversed())
	assert.EqualValues(t, 100, aln.POS)
	assert.EqualValues(t, -104, aln.TLEN)
	assert.Equal(t, "barcode01", aln.Barcode())
	nm, _ := aln.TAGS.Get(utils.Intern("NM"))
	assert.Equal(t, int64(-3), nm)
	zb, _ := aln.TAGS.Get(utils.Intern("ZB"))
	assert.Equal(t, []int8{-1, 2}, zb)

	out, err := aln.Format(nil)
	require.NoError(t, err)
	assert.Equal(t, line+"\n", string(out))
	assert.Equal(t, line, aln.String())
}

func TestParseAlignmentErrors(t *testing.T) {
	for _, line := range []string{
		"r1\tx\tchr1\t100\t60\t4M\t*\t0\t0\tACGT\tIIII",
		"r1\t0\tchr1\t100",
		"r1\t0\tchr1\t100\t60\t4M\t*\t0\t0\tACGT\tIIII\tBC:Q:x",
		"r1\t0\tchr1\t100\t60\t4M\t*\t0\t0\tACGT\tIIII\tNM:i:x",
	} {
		_, err := ParseAlignmentFromString(line)
		assert.Error(t, err, line)
	}
}

func TestCigar(t *testing.T) {
	ops, err := ScanCigarString("3S10M2D5M1I")
	require.NoError(t, err)
	assert.Equal(t, []CigarOperation{{3, 'S'}, {10, 'M'}, {2, 'D'}, {5, 'M'}, {1, 'I'}}, ops)
	assert.EqualValues(t, 17, ReferenceLength(ops))

	ops, err = ScanCigarString("*")
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = ScanCigarString("10Q")
	assert.Error(t, err)
	_, err = ScanCigarString("10")
	assert.Error(t, err)
}

func TestFormatFastq(t *testing.T) {
	aln := NewUnmappedAlignment("r1", "AACG", "ABCD")
	aln.FLAG = Reversed
	aln.SetBarcode("barcode07")
	out, err := aln.FormatFastq(nil)
	require.NoError(t, err)
	assert.Equal(t, "@r1\tBC:Z:barcode07\nCGTT\n+\nDCBA\n", string(out))

	aln = NewUnmappedAlignment("r2", "ACGT", "*")
	out, err = aln.FormatFastq(nil)
	require.NoError(t, err)
	assert.Equal(t, "@r2\nACGT\n+\n!!!!\n", string(out))
}

func TestReverseComplement(t *testing.T) {
	assert.Equal(t, "NACGT", ReverseComplement("ACGTN"))
	assert.Equal(t, "tacgt", ReverseComplement("acgta"))
	assert.Equal(t, "DCBA", ReverseString("ABCD"))
	assert.Equal(t, "", ReverseComplement(""))
}
