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
	"strconv"
)

// StringScanner parses tab-separated SAM lines.
//
// The zero StringScanner is valid and empty.
type StringScanner struct {
	index int
	data  string
	err   error
}

// Err returns the first error that occurred during parsing.
func (sc *StringScanner) Err() error { return sc.err }

// Reset initializes the scanner with the given line.
func (sc *StringScanner) Reset(s string) {
	sc.index = 0
	sc.data = s
	sc.err = nil
}

// Len returns the number of bytes that still need to be parsed, or 0
// after an error.
func (sc *StringScanner) Len() int {
	if sc.err != nil {
		return 0
	}
	return len(sc.data) - sc.index
}

func (sc *StringScanner) fail(err error) {
	if sc.err == nil {
		sc.err = err
	}
}

func (sc *StringScanner) readByteUntil(c byte) (b byte, found bool) {
	if sc.err != nil {
		return 0, false
	}
	start := sc.index
	if start >= len(sc.data) {
		sc.fail(fmt.Errorf("unexpected end of line %q", sc.data))
		return 0, false
	}
	next := start + 1
	if next >= len(sc.data) {
		sc.index = len(sc.data)
		return sc.data[start], false
	}
	if sc.data[next] != c {
		sc.fail(fmt.Errorf("unexpected character %q after single-character field in %q", sc.data[next], sc.data))
		return 0, false
	}
	sc.index = next + 1
	return sc.data[start], true
}

func (sc *StringScanner) readUntil(c byte) (s string, found bool) {
	if sc.err != nil {
		return "", false
	}
	start := sc.index
	for end := start; end < len(sc.data); end++ {
		if sc.data[end] == c {
			sc.index = end + 1
			return sc.data[start:end], true
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:], false
}

func (sc *StringScanner) doString() string {
	s, _ := sc.readUntil('\t')
	return s
}

func (sc *StringScanner) doInt32() int32 {
	s, _ := sc.readUntil('\t')
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		sc.fail(err)
	}
	return int32(value)
}

func (sc *StringScanner) doUint(bitSize int) uint64 {
	s, _ := sc.readUntil('\t')
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseUint(s, 10, bitSize)
	if err != nil {
		sc.fail(err)
	}
	return value
}
