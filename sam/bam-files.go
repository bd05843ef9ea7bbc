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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/exascience/readpipe/utils"
)

const bamMagic = "BAM\x01"

// BAMReference is an entry of the binary reference dictionary that
// follows the header text in a BAM file.
type BAMReference struct {
	Name   string
	Length int32
}

func enlarge(out []byte, by int) (int, []byte) {
	index := len(out)
	length := index + by
	for cap(out) < length {
		out = append(out[:cap(out)], 0)
	}
	out = out[:length]
	return index, out
}

// FormatBam appends the binary BAM header, including the reference
// dictionary, to out.
func (hdr *Header) FormatBam(out []byte) ([]byte, error) {
	out = append(out, bamMagic...)
	lTextIndex := len(out)
	out = append(out, "0000"...)

	out = hdr.AppendSam(out)

	binary.LittleEndian.PutUint32(out[lTextIndex:lTextIndex+4], uint32(len(out)-lTextIndex-4))

	var index int
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(hdr.SQ)))

	for _, sq := range hdr.SQ {
		sn := sq["SN"]
		ln, err := SQLN(sq)
		if err != nil {
			return out, fmt.Errorf("%v, while formatting BAM reference %v", err, sn)
		}
		index, out = enlarge(out, 4+len(sn)+1+4)
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(len(sn)+1))
		index += 4
		copy(out[index:], sn)
		out[index+len(sn)] = 0
		index += len(sn) + 1
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(ln))
	}

	return out, nil
}

// ReadBamHeader reads the binary BAM header from a decompressed
// stream and returns the header text and the reference dictionary.
func ReadBamHeader(reader io.Reader) (text string, references []BAMReference, err error) {
	buf := make([]byte, 4)
	if _, err = io.ReadFull(reader, buf); err != nil {
		return "", nil, err
	}
	if string(buf) != bamMagic {
		return "", nil, errors.New("invalid BAM file header")
	}
	var lText int32
	if err = binary.Read(reader, binary.LittleEndian, &lText); err != nil {
		return "", nil, err
	}
	textBuf := make([]byte, lText)
	if _, err = io.ReadFull(reader, textBuf); err != nil {
		return "", nil, err
	}
	for i, b := range textBuf {
		if b == 0 {
			textBuf = textBuf[:i]
			break
		}
	}
	var nRef int32
	if err = binary.Read(reader, binary.LittleEndian, &nRef); err != nil {
		return "", nil, err
	}
	for i := int32(0); i < nRef; i++ {
		var lName, lRef int32
		if err = binary.Read(reader, binary.LittleEndian, &lName); err != nil {
			return "", nil, err
		}
		name := make([]byte, lName)
		if _, err = io.ReadFull(reader, name); err != nil {
			return "", nil, err
		}
		if err = binary.Read(reader, binary.LittleEndian, &lRef); err != nil {
			return "", nil, err
		}
		references = append(references, BAMReference{Name: string(name[:len(name)-1]), Length: lRef})
	}
	return string(textBuf), references, nil
}

// ReadBamRecord reads one raw alignment record, without its leading
// block size, into buf. It returns io.EOF at the end of the stream.
func ReadBamRecord(reader io.Reader, buf []byte) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(reader, sizeBuf[:]); err != nil {
		return buf[:0], err
	}
	size := int(int32(binary.LittleEndian.Uint32(sizeBuf[:])))
	if size < readNameIndex {
		return buf[:0], fmt.Errorf("invalid BAM record size %v", size)
	}
	_, buf = enlarge(buf[:0], size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return buf[:0], err
	}
	return buf, nil
}

// BamRecordPosition returns the zero-based reference index and
// position of a raw alignment record as returned by ReadBamRecord.
func BamRecordPosition(record []byte) (refID, pos int32) {
	return int32(binary.LittleEndian.Uint32(record[refIDIndex : refIDIndex+4])),
		int32(binary.LittleEndian.Uint32(record[posIndex : posIndex+4]))
}

const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

var (
	cigarOps = []byte("MIDNSHP=X")
	cigarMap = make(map[byte]byte)

	// "=ACMGRSVTWYHKDBN"
	seqNibbles [256]byte
)

func init() {
	for i, b := range cigarOps {
		cigarMap[b] = byte(i)
	}
	for i := range seqNibbles {
		seqNibbles[i] = 15
	}
	for i, b := range []byte("=ACMGRSVTWYHKDBN") {
		seqNibbles[b] = byte(i)
		if 'A' <= b && b <= 'Z' {
			seqNibbles[b+'a'-'A'] = byte(i)
		}
	}
}

func reg2bin(beg, end int32) uint16 {
	end--
	if beg>>14 == end>>14 {
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	}
	if beg>>17 == end>>17 {
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	}
	if beg>>20 == end>>20 {
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	}
	if beg>>23 == end>>23 {
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	}
	if beg>>26 == end>>26 {
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}

func (aln *Alignment) bin(cigar []CigarOperation) uint16 {
	beg := aln.POS - 1
	if beg < 0 {
		return reg2bin(-1, 0)
	}
	end := beg + 1
	if !aln.IsUnmapped() {
		if length := ReferenceLength(cigar); length > 0 {
			end = beg + length
		}
	}
	return reg2bin(beg, end)
}

func formatBamTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	var index int

	index, out = enlarge(out, 2)
	copy(out[index:], *tag)

	putInteger := func(val int64) error {
		switch {
		case val < math.MinInt32:
			return fmt.Errorf("integer value too small in BAM alignment tag %v", *tag)
		case val < math.MinInt16:
			index, out = enlarge(out, 5)
			out[index] = 'i'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		case val < math.MinInt8:
			index, out = enlarge(out, 3)
			out[index] = 's'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		case val < 0:
			index, out = enlarge(out, 2)
			out[index] = 'c'
			out[index+1] = byte(int8(val))
		case val <= math.MaxUint8:
			index, out = enlarge(out, 2)
			out[index] = 'C'
			out[index+1] = uint8(val)
		case val <= math.MaxUint16:
			index, out = enlarge(out, 3)
			out[index] = 'S'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		case val <= math.MaxUint32:
			index, out = enlarge(out, 5)
			out[index] = 'I'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		default:
			return fmt.Errorf("integer value too large in BAM alignment tag %v", *tag)
		}
		return nil
	}

	arrayHeader := func(subtype byte, count, width int) {
		index, out = enlarge(out, 2+4+width*count)
		out[index] = 'B'
		out[index+1] = subtype
		binary.LittleEndian.PutUint32(out[index+2:index+6], uint32(count))
		index += 6
	}

	switch val := value.(type) {
	case byte:
		index, out = enlarge(out, 2)
		out[index] = 'A'
		out[index+1] = val
	case int64:
		if err := putInteger(val); err != nil {
			return out, err
		}
	case int32:
		if err := putInteger(int64(val)); err != nil {
			return out, err
		}
	case int:
		if err := putInteger(int64(val)); err != nil {
			return out, err
		}
	case float32:
		index, out = enlarge(out, 5)
		out[index] = 'f'
		binary.LittleEndian.PutUint32(out[index+1:index+5], math.Float32bits(val))
	case string:
		index, out = enlarge(out, 1+len(val)+1)
		out[index] = 'Z'
		copy(out[index+1:], val)
		out[index+1+len(val)] = 0
	case ByteArray:
		const hexDigits = "0123456789ABCDEF"
		index, out = enlarge(out, 1+2*len(val)+1)
		out[index] = 'H'
		index++
		for _, b := range val {
			out[index] = hexDigits[b>>4]
			out[index+1] = hexDigits[b&0xF]
			index += 2
		}
		out[index] = 0
	case []int8:
		arrayHeader('c', len(val), 1)
		for i, v := range val {
			out[index+i] = byte(v)
		}
	case []uint8:
		arrayHeader('C', len(val), 1)
		copy(out[index:], val)
	case []int16:
		arrayHeader('s', len(val), 2)
		for i, v := range val {
			binary.LittleEndian.PutUint16(out[index+2*i:], uint16(v))
		}
	case []uint16:
		arrayHeader('S', len(val), 2)
		for i, v := range val {
			binary.LittleEndian.PutUint16(out[index+2*i:], v)
		}
	case []int32:
		arrayHeader('i', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], uint32(v))
		}
	case []uint32:
		arrayHeader('I', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], v)
		}
	case []float32:
		arrayHeader('f', len(val), 4)
		for i, v := range val {
			binary.LittleEndian.PutUint32(out[index+4*i:], math.Float32bits(v))
		}
	default:
		return out, fmt.Errorf("unknown BAM alignment tag type %T for tag %v", value, *tag)
	}

	return out, nil
}

func formatBamAlignment(aln *Alignment, out []byte, dictTable map[string]int32) ([]byte, error) {
	cigar, err := ScanCigarString(aln.CIGAR)
	if err != nil {
		return out, err
	}
	if len(cigar) > math.MaxUint16 {
		return out, fmt.Errorf("too many CIGAR operations in read %v", aln.QNAME)
	}
	if len(aln.QNAME) > 254 {
		return out, fmt.Errorf("read name %v too long for BAM", aln.QNAME)
	}

	seq := aln.SEQ
	if seq == "*" {
		seq = ""
	}

	var index int

	index, out = enlarge(out, 4)
	blockSizeIndex := index

	refid, ok := dictTable[aln.RNAME]
	if !ok {
		refid = -1
	}
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(refid))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.POS-1))

	out = append(out, uint8(len(aln.QNAME)+1))
	out = append(out, aln.MAPQ)

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], aln.bin(cigar))

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], uint16(len(cigar)))

	index, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[index:], aln.FLAG)

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(seq)))

	nextRefid := refid
	if aln.RNEXT != "=" {
		if nextRefid, ok = dictTable[aln.RNEXT]; !ok {
			nextRefid = -1
		}
	}
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(nextRefid))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.PNEXT-1))

	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(aln.TLEN))

	index, out = enlarge(out, len(aln.QNAME)+1)
	copy(out[index:], aln.QNAME)
	out[index+len(aln.QNAME)] = 0

	index, out = enlarge(out, len(cigar)*4)
	for _, op := range cigar {
		binary.LittleEndian.PutUint32(out[index:index+4], uint32((op.Length<<4)|int32(cigarMap[op.Operation])))
		index += 4
	}

	index, out = enlarge(out, (len(seq)+1)>>1)
	for i := 0; i < len(seq); i++ {
		nibble := seqNibbles[seq[i]]
		if i&1 == 0 {
			out[index+i>>1] = nibble << 4
		} else {
			out[index+i>>1] |= nibble
		}
	}

	index, out = enlarge(out, len(seq))
	if aln.QUAL == "*" || len(aln.QUAL) != len(seq) {
		for i := range seq {
			out[index+i] = 0xFF
		}
	} else {
		for i := 0; i < len(seq); i++ {
			out[index+i] = aln.QUAL[i] - 33
		}
	}

	for _, entry := range aln.TAGS {
		if out, err = formatBamTag(out, entry.Key, entry.Value); err != nil {
			return out, fmt.Errorf("%v, while formatting read %v", err, aln.QNAME)
		}
	}

	binary.LittleEndian.PutUint32(out[blockSizeIndex:blockSizeIndex+4], uint32(len(out)-blockSizeIndex-4))

	return out, nil
}
