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
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/exascience/readpipe/internal"
	"github.com/exascience/readpipe/utils"
)

// IsHeaderUserTag reports whether a header record type code is a
// user-defined one, which contains a lower-case letter.
func IsHeaderUserTag(code string) bool {
	for _, c := range code {
		if ('a' <= c) && (c <= 'z') {
			return true
		}
	}
	return false
}

// ParseHeaderField parses a TAG:VALUE field of a header line.
func (sc *StringScanner) ParseHeaderField() (tag, value string) {
	if sc.err != nil {
		return "", ""
	}
	field, _ := sc.readUntil('\t')
	if len(field) < 3 || field[2] != ':' {
		sc.fail(fmt.Errorf("invalid field %q in a SAM header line", field))
		return "", ""
	}
	return field[:2], field[3:]
}

// ParseHeaderLine parses the fields of a header line, not including
// the record type code.
func (sc *StringScanner) ParseHeaderLine() utils.StringMap {
	if sc.err != nil {
		return nil
	}
	record := make(utils.StringMap)
	for sc.Len() > 0 {
		tag, value := sc.ParseHeaderField()
		if sc.err != nil {
			break
		}
		if !record.SetUniqueEntry(tag, value) {
			sc.fail(fmt.Errorf("duplicate field tag %v in a SAM header line", tag))
			break
		}
	}
	return record
}

// ParseHeader parses the header section at the start of a SAM file,
// and leaves the reader positioned at the first alignment line.
func ParseHeader(reader *bufio.Reader) (hdr *Header, lines int, err error) {
	hdr = NewHeader()
	var sc StringScanner
	for first := true; ; first = false {
		switch data, err := reader.Peek(1); {
		case err == io.EOF:
			return hdr, lines, nil
		case err != nil:
			return hdr, lines, err
		case data[0] != '@':
			return hdr, lines, nil
		}
		bytes, err := reader.ReadSlice('\n')
		length := len(bytes)
		switch {
		case err == nil:
			length--
		case err != io.EOF:
			return hdr, lines, err
		}
		lines++
		if length > 0 && bytes[length-1] == '\r' {
			length--
		}
		if length < 3 {
			return hdr, lines, fmt.Errorf("invalid SAM header line %q", bytes[:length])
		}
		code := string(bytes[0:3])
		if code == "@CO" {
			if length > 3 {
				hdr.CO = append(hdr.CO, string(bytes[4:length]))
			} else {
				hdr.CO = append(hdr.CO, "")
			}
			continue
		}
		if length < 4 || bytes[3] != '\t' {
			return hdr, lines, fmt.Errorf("header code %v not followed by a tab when parsing a SAM header", code)
		}
		sc.Reset(string(bytes[4:length]))
		record := sc.ParseHeaderLine()
		if sc.err != nil {
			return hdr, lines, fmt.Errorf("%v, while parsing SAM header line %v", sc.err, lines)
		}
		switch code {
		case "@HD":
			if !first {
				return hdr, lines, errors.New("@HD line not in first line when parsing a SAM header")
			}
			hdr.HD = record
		case "@SQ":
			hdr.SQ = append(hdr.SQ, record)
		case "@RG":
			hdr.RG = append(hdr.RG, record)
		case "@PG":
			hdr.PG = append(hdr.PG, record)
		default:
			if !IsHeaderUserTag(code) {
				return hdr, lines, fmt.Errorf("unknown SAM record type code %v", code)
			}
			hdr.AddUserRecord(code, record)
		}
	}
}

var headerLeadingKeys = map[string][]string{
	"@HD": {"VN", "SO", "GO"},
	"@SQ": {"SN", "LN"},
	"@RG": {"ID"},
	"@PG": {"ID", "PN", "VN", "CL"},
}

func appendHeaderLine(out []byte, code string, record utils.StringMap) []byte {
	out = append(out, code...)
	for _, key := range record.Keys(headerLeadingKeys[code]...) {
		out = append(out, '\t')
		out = append(out, key...)
		out = append(out, ':')
		out = append(out, record[key]...)
	}
	return append(out, '\n')
}

// AppendSam appends the SAM text representation of the header to out.
// Fields are written in a deterministic order.
func (hdr *Header) AppendSam(out []byte) []byte {
	if hdr.HD != nil {
		out = appendHeaderLine(out, "@HD", hdr.HD)
	}
	for _, record := range hdr.SQ {
		out = appendHeaderLine(out, "@SQ", record)
	}
	for _, record := range hdr.RG {
		out = appendHeaderLine(out, "@RG", record)
	}
	for _, record := range hdr.PG {
		out = appendHeaderLine(out, "@PG", record)
	}
	for _, comment := range hdr.CO {
		out = append(out, "@CO\t"...)
		out = append(out, comment...)
		out = append(out, '\n')
	}
	codes := make(utils.StringMap, len(hdr.UserRecords))
	for code := range hdr.UserRecords {
		codes[code] = code
	}
	for _, code := range codes.Keys() {
		for _, record := range hdr.UserRecords[code] {
			out = appendHeaderLine(out, code, record)
		}
	}
	return out
}

// String returns the SAM text representation of the header.
func (hdr *Header) String() string {
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	*buf = hdr.AppendSam(*buf)
	return string(*buf)
}

func (sc *StringScanner) parseIntegerArray(fields []string, bitSize int, signed bool) interface{} {
	ints := make([]int64, len(fields))
	for i, field := range fields {
		var err error
		if signed {
			ints[i], err = strconv.ParseInt(field, 10, bitSize)
		} else {
			var u uint64
			u, err = strconv.ParseUint(field, 10, bitSize)
			ints[i] = int64(u)
		}
		if err != nil {
			sc.fail(err)
			return nil
		}
	}
	switch {
	case bitSize == 8 && signed:
		result := make([]int8, len(ints))
		for i, v := range ints {
			result[i] = int8(v)
		}
		return result
	case bitSize == 8:
		result := make([]uint8, len(ints))
		for i, v := range ints {
			result[i] = uint8(v)
		}
		return result
	case bitSize == 16 && signed:
		result := make([]int16, len(ints))
		for i, v := range ints {
			result[i] = int16(v)
		}
		return result
	case bitSize == 16:
		result := make([]uint16, len(ints))
		for i, v := range ints {
			result[i] = uint16(v)
		}
		return result
	case signed:
		result := make([]int32, len(ints))
		for i, v := range ints {
			result[i] = int32(v)
		}
		return result
	default:
		result := make([]uint32, len(ints))
		for i, v := range ints {
			result[i] = uint32(v)
		}
		return result
	}
}

func (sc *StringScanner) parseNumericArray(value string) interface{} {
	if value == "" {
		sc.fail(errors.New("missing element type in numeric array tag"))
		return nil
	}
	var fields []string
	if len(value) > 2 {
		fields = strings.Split(value[2:], ",")
	}
	switch value[0] {
	case 'c':
		return sc.parseIntegerArray(fields, 8, true)
	case 'C':
		return sc.parseIntegerArray(fields, 8, false)
	case 's':
		return sc.parseIntegerArray(fields, 16, true)
	case 'S':
		return sc.parseIntegerArray(fields, 16, false)
	case 'i':
		return sc.parseIntegerArray(fields, 32, true)
	case 'I':
		return sc.parseIntegerArray(fields, 32, false)
	case 'f':
		result := make([]float32, len(fields))
		for i, field := range fields {
			f, err := strconv.ParseFloat(field, 32)
			if err != nil {
				sc.fail(err)
				return nil
			}
			result[i] = float32(f)
		}
		return result
	default:
		sc.fail(fmt.Errorf("invalid numeric array element type %c", value[0]))
		return nil
	}
}

// ParseOptionalField parses a TAG:TYPE:VALUE field of an alignment line.
func (sc *StringScanner) ParseOptionalField() (tag utils.Symbol, value interface{}) {
	field, _ := sc.readUntil('\t')
	if sc.err != nil {
		return nil, nil
	}
	if len(field) < 5 || field[2] != ':' || field[4] != ':' {
		sc.fail(fmt.Errorf("invalid optional field %q", field))
		return nil, nil
	}
	tag = utils.Intern(field[:2])
	str := field[5:]
	switch field[3] {
	case 'A':
		if len(str) != 1 {
			sc.fail(fmt.Errorf("invalid character tag %q", field))
			return nil, nil
		}
		return tag, str[0]
	case 'i':
		i, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			sc.fail(err)
			return nil, nil
		}
		return tag, i
	case 'f':
		f, err := strconv.ParseFloat(str, 32)
		if err != nil {
			sc.fail(err)
			return nil, nil
		}
		return tag, float32(f)
	case 'Z':
		return tag, str
	case 'H':
		bytes, err := hex.DecodeString(str)
		if err != nil {
			sc.fail(err)
			return nil, nil
		}
		return tag, ByteArray(bytes)
	case 'B':
		return tag, sc.parseNumericArray(str)
	default:
		sc.fail(fmt.Errorf("invalid optional field type %c in %q", field[3], field))
		return nil, nil
	}
}

// ParseAlignment parses a SAM alignment line.
func (sc *StringScanner) ParseAlignment() *Alignment {
	aln := NewAlignment()

	aln.QNAME = sc.doString()
	aln.FLAG = uint16(sc.doUint(16))
	aln.RNAME = sc.doString()
	aln.POS = sc.doInt32()
	aln.MAPQ = byte(sc.doUint(8))
	aln.CIGAR = sc.doString()
	aln.RNEXT = sc.doString()
	aln.PNEXT = sc.doInt32()
	aln.TLEN = sc.doInt32()
	aln.SEQ = sc.doString()
	aln.QUAL, _ = sc.readUntil('\t')

	for sc.Len() > 0 {
		tag, value := sc.ParseOptionalField()
		if sc.err != nil {
			break
		}
		aln.TAGS.Set(tag, value)
	}

	return aln
}

// ParseAlignmentFromString parses a single SAM alignment line.
func ParseAlignmentFromString(line string) (*Alignment, error) {
	var sc StringScanner
	sc.Reset(strings.TrimRight(line, "\r\n"))
	aln := sc.ParseAlignment()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%v, while parsing SAM alignment %q", err, line)
	}
	return aln, nil
}

func appendNumbers[T int8 | uint8 | int16 | uint16 | int32 | uint32](out []byte, numbers []T) []byte {
	for _, n := range numbers {
		out = append(out, ',')
		out = strconv.AppendInt(out, int64(n), 10)
	}
	return out
}

// FormatTag appends a TAG:TYPE:VALUE field to out.
func FormatTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(out, *tag...)
	switch val := value.(type) {
	case byte:
		out = append(out, ":A:"...)
		out = append(out, val)
	case int64:
		out = append(out, ":i:"...)
		out = strconv.AppendInt(out, val, 10)
	case int32:
		out = append(out, ":i:"...)
		out = strconv.AppendInt(out, int64(val), 10)
	case int:
		out = append(out, ":i:"...)
		out = strconv.AppendInt(out, int64(val), 10)
	case float32:
		out = append(out, ":f:"...)
		out = strconv.AppendFloat(out, float64(val), 'g', -1, 32)
	case string:
		out = append(out, ":Z:"...)
		out = append(out, val...)
	case ByteArray:
		out = append(out, ":H:"...)
		out = append(out, strings.ToUpper(hex.EncodeToString(val))...)
	case []int8:
		out = appendNumbers(append(out, ":B:c"...), val)
	case []uint8:
		out = appendNumbers(append(out, ":B:C"...), val)
	case []int16:
		out = appendNumbers(append(out, ":B:s"...), val)
	case []uint16:
		out = appendNumbers(append(out, ":B:S"...), val)
	case []int32:
		out = appendNumbers(append(out, ":B:i"...), val)
	case []uint32:
		out = appendNumbers(append(out, ":B:I"...), val)
	case []float32:
		out = append(out, ":B:f"...)
		for _, f := range val {
			out = append(out, ',')
			out = strconv.AppendFloat(out, float64(f), 'g', -1, 32)
		}
	default:
		return out, fmt.Errorf("unknown tag value type %T for tag %v", value, *tag)
	}
	return out, nil
}

func (aln *Alignment) String() string {
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	*buf, _ = aln.Format(*buf)
	return strings.TrimSuffix(string(*buf), "\n")
}

// Format appends the SAM text representation of the alignment to out,
// including the terminating newline.
func (aln *Alignment) Format(out []byte) ([]byte, error) {
	out = append(out, aln.QNAME...)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(aln.FLAG), 10)
	out = append(out, '\t')
	out = append(out, aln.RNAME...)
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.POS), 10)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(aln.MAPQ), 10)
	out = append(out, '\t')
	out = append(out, aln.CIGAR...)
	out = append(out, '\t')
	out = append(out, aln.RNEXT...)
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.PNEXT), 10)
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.TLEN), 10)
	out = append(out, '\t')
	out = append(out, aln.SEQ...)
	out = append(out, '\t')
	out = append(out, aln.QUAL...)
	for _, entry := range aln.TAGS {
		var err error
		out = append(out, '\t')
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return out, fmt.Errorf("%v, while formatting read %v", err, aln.QNAME)
		}
	}
	return append(out, '\n'), nil
}

// FormatFastq appends a FASTQ record for the alignment to out. Tags
// are written into the description line.
func (aln *Alignment) FormatFastq(out []byte) ([]byte, error) {
	seq, qual := aln.SEQ, aln.QUAL
	if seq == "*" {
		seq = ""
	}
	if qual == "*" || len(qual) != len(seq) {
		qual = strings.Repeat("!", len(seq))
	}
	if aln.IsReversed() {
		seq = ReverseComplement(seq)
		qual = ReverseString(qual)
	}
	out = append(out, '@')
	out = append(out, aln.QNAME...)
	for _, entry := range aln.TAGS {
		var err error
		out = append(out, '\t')
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return out, fmt.Errorf("%v, while formatting read %v", err, aln.QNAME)
		}
	}
	out = append(out, '\n')
	out = append(out, seq...)
	out = append(out, "\n+\n"...)
	out = append(out, qual...)
	return append(out, '\n'), nil
}

var complementTable [256]byte

func init() {
	for i := range complementTable {
		complementTable[i] = 'N'
	}
	for _, pair := range []string{"AT", "CG", "GC", "TA", "NN", "at", "cg", "gc", "ta", "nn", "==", "RY", "YR", "KM", "MK", "SS", "WW", "BV", "VB", "DH", "HD"} {
		complementTable[pair[0]] = pair[1]
	}
}

// ReverseComplement returns the reverse complement of a base sequence.
func ReverseComplement(seq string) string {
	result := make([]byte, len(seq))
	for i, j := 0, len(seq)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = complementTable[seq[j]]
	}
	return string(result)
}

// ReverseString returns the bytes of s in reverse order.
func ReverseString(s string) string {
	result := make([]byte, len(s))
	for i, j := 0, len(s)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = s[j]
	}
	return string(result)
}
