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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unicode"

	"github.com/exascience/readpipe/utils"
)

// FileFormatVersion is the SAM file format version written to @HD lines.
const FileFormatVersion = "1.6"

// Header represents the header section of a SAM/BAM file.
type Header struct {
	HD          utils.StringMap
	SQ, RG, PG  []utils.StringMap
	CO          []string
	UserRecords map[string][]utils.StringMap
}

// NewHeader returns an empty header.
func NewHeader() *Header { return &Header{} }

// SQLN returns the LN field of an @SQ header line.
func SQLN(record utils.StringMap) (int32, error) {
	ln, found := record["LN"]
	if !found {
		return 0x7FFFFFFF, errors.New("LN entry in a SQ header line missing")
	}
	val, err := strconv.ParseInt(ln, 10, 32)
	return int32(val), err
}

// EnsureHD returns the @HD line, creating it if necessary.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// HDSO returns the sorting order recorded in the @HD line.
func (hdr *Header) HDSO() string {
	if sortingOrder, found := hdr.EnsureHD()["SO"]; found {
		return sortingOrder
	}
	return "unknown"
}

// SetHDSO sets the sorting order of the @HD line.
func (hdr *Header) SetHDSO(value string) {
	hd := hdr.EnsureHD()
	delete(hd, "GO")
	hd["SO"] = value
}

// AddSQ appends a reference sequence to the sequence dictionary.
func (hdr *Header) AddSQ(name string, length int32) {
	hdr.SQ = append(hdr.SQ, utils.StringMap{"SN": name, "LN": strconv.FormatInt(int64(length), 10)})
}

// AddUserRecord adds a header line with a lower-case record type.
func (hdr *Header) AddUserRecord(code string, record utils.StringMap) {
	if hdr.UserRecords == nil {
		hdr.UserRecords = make(map[string][]utils.StringMap)
	}
	hdr.UserRecords[code] = append(hdr.UserRecords[code], record)
}

func cloneStringMaps(records []utils.StringMap) []utils.StringMap {
	if records == nil {
		return nil
	}
	result := make([]utils.StringMap, len(records))
	for i, record := range records {
		result[i] = make(utils.StringMap, len(record))
		for k, v := range record {
			result[i][k] = v
		}
	}
	return result
}

// Clone returns a deep copy of the header. Output files that modify
// their header, for example when sorting, work on a clone.
func (hdr *Header) Clone() *Header {
	result := &Header{
		SQ: cloneStringMaps(hdr.SQ),
		RG: cloneStringMaps(hdr.RG),
		PG: cloneStringMaps(hdr.PG),
		CO: append([]string(nil), hdr.CO...),
	}
	if hdr.HD != nil {
		result.HD = cloneStringMaps([]utils.StringMap{hdr.HD})[0]
	}
	for code, records := range hdr.UserRecords {
		if result.UserRecords == nil {
			result.UserRecords = make(map[string][]utils.StringMap)
		}
		result.UserRecords[code] = cloneStringMaps(records)
	}
	return result
}

// DictTable maps reference sequence names to their index in the
// sequence dictionary.
func (hdr *Header) DictTable() map[string]int32 {
	dictTable := make(map[string]int32, len(hdr.SQ))
	for index, entry := range hdr.SQ {
		dictTable[entry["SN"]] = int32(index)
	}
	return dictTable
}

// Alignment represents a single read, mapped or not, of a SAM/BAM file.
// Integer tag values are stored as int64.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR string
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   string
	QUAL  string
	TAGS  utils.SmallMap
}

// Frequently used tags.
var (
	BC = utils.Intern("BC")
	RG = utils.Intern("RG")
)

// NewAlignment allocates a fresh alignment.
func NewAlignment() *Alignment {
	return &Alignment{TAGS: make(utils.SmallMap, 0, 4)}
}

// NewUnmappedAlignment returns an unmapped alignment for a read with
// the given name, bases and ASCII-encoded qualities.
func NewUnmappedAlignment(name, seq, qual string) *Alignment {
	aln := NewAlignment()
	aln.QNAME = name
	aln.FLAG = Unmapped
	aln.RNAME = "*"
	aln.CIGAR = "*"
	aln.RNEXT = "*"
	aln.SEQ = seq
	aln.QUAL = qual
	if aln.SEQ == "" {
		aln.SEQ = "*"
	}
	if aln.QUAL == "" {
		aln.QUAL = "*"
	}
	return aln
}

// Barcode returns the classification in the BC tag, or "".
func (aln *Alignment) Barcode() string {
	bc, _ := aln.TAGS.GetString(BC)
	return bc
}

// SetBarcode sets the BC tag.
func (aln *Alignment) SetBarcode(bc string) {
	aln.TAGS.Set(BC, bc)
}

// Clone returns a shallow copy of the alignment with its own tag map.
func (aln *Alignment) Clone() *Alignment {
	result := *aln
	result.TAGS = append(utils.SmallMap(nil), aln.TAGS...)
	return &result
}

// SAM flags.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

func (aln *Alignment) IsUnmapped() bool      { return (aln.FLAG & Unmapped) != 0 }
func (aln *Alignment) IsReversed() bool      { return (aln.FLAG & Reversed) != 0 }
func (aln *Alignment) IsSecondary() bool     { return (aln.FLAG & Secondary) != 0 }
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

// ByteArray is the value type of H tags.
type ByteArray []byte

// CigarOperations lists the valid CIGAR operation characters.
const CigarOperations = "MIDNSHPX="

var cigarOperationsTable = make(map[byte]byte, 2*len(CigarOperations))

func init() {
	for _, c := range CigarOperations {
		cigarOperationsTable[byte(c)] = byte(c)
		cigarOperationsTable[byte(unicode.ToLower(c))] = byte(c)
	}
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

// CigarOperation is one length/operation pair of a CIGAR string.
type CigarOperation struct {
	Length    int32
	Operation byte
}

func newCigarOperation(cigar string, i int) (op CigarOperation, j int, err error) {
	for j = i; j < len(cigar); j++ {
		if char := cigar[j]; !isDigit(char) {
			length, nerr := strconv.ParseInt(cigar[i:j], 10, 32)
			if nerr != nil {
				err = nerr
				return
			}
			if operation := cigarOperationsTable[char]; operation != 0 {
				op = CigarOperation{int32(length), operation}
				j++
			} else {
				err = fmt.Errorf("invalid CIGAR operation %c", char)
			}
			return
		}
	}
	err = fmt.Errorf("missing CIGAR operation after %v", cigar[i:])
	return
}

var (
	cigarSliceCache      = map[string][]CigarOperation{"*": {}}
	cigarSliceCacheMutex = sync.RWMutex{}
)

func slowScanCigarString(cigar string) (slice []CigarOperation, err error) {
	for i := 0; i < len(cigar); {
		cigarOperation, j, err := newCigarOperation(cigar, i)
		if err != nil {
			return nil, fmt.Errorf("%v, while scanning CIGAR string %v", err, cigar)
		}
		slice = append(slice, cigarOperation)
		i = j
	}
	cigarSliceCacheMutex.Lock()
	if value, found := cigarSliceCache[cigar]; found {
		slice = value
	} else {
		cigarSliceCache[cigar] = slice
	}
	cigarSliceCacheMutex.Unlock()
	return slice, nil
}

// ScanCigarString parses a CIGAR string. Results are cached, since
// reads of similar length tend to share CIGAR strings.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	cigarSliceCacheMutex.RLock()
	value, found := cigarSliceCache[cigar]
	cigarSliceCacheMutex.RUnlock()
	if found {
		return value, nil
	}
	return slowScanCigarString(cigar)
}

var cigarConsumesReferenceBases = map[byte]int32{'M': 1, 'D': 1, 'N': 1, '=': 1, 'X': 1}

// ReferenceLength returns the number of reference bases covered by
// the given CIGAR operations.
func ReferenceLength(cigar []CigarOperation) (length int32) {
	for _, op := range cigar {
		length += cigarConsumesReferenceBases[op.Operation] * op.Length
	}
	return
}
