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

package utils

import "sort"

// A StringMap maps strings to strings. Header lines of SAM files are
// represented as StringMaps from two-letter tags to values.
type StringMap map[string]string

// SetUniqueEntry checks if a mapping for the given key already exists
// in the StringMap. If this is the case, it returns false and the
// StringMap is not modified.  Otherwise, the given key/value pair is
// added to the StringMap.
func (record StringMap) SetUniqueEntry(key, value string) bool {
	if _, found := record[key]; found {
		return false
	}
	record[key] = value
	return true
}

// Keys returns the keys of the StringMap, with the given leading keys
// first (in the given order, if present) and the remaining keys
// sorted.
func (record StringMap) Keys(leading ...string) []string {
	keys := make([]string, 0, len(record))
	seen := make(map[string]bool, len(leading))
	for _, key := range leading {
		if _, found := record[key]; found && !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	start := len(keys)
	for key := range record {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys[start:])
	return keys
}
