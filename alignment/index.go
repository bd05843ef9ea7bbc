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

package alignment

// Index is a view of a SeedIndex bound to a full set of options. Views
// that share a SeedIndex differ only in their mapping options.
type Index struct {
	seedIndex *SeedIndex
	options   Options
}

func newIndex(seedIndex *SeedIndex, opts Options) *Index {
	return &Index{seedIndex: seedIndex, options: opts}
}

// SeedIndex returns the underlying built index.
func (index *Index) SeedIndex() *SeedIndex { return index.seedIndex }

// Options returns the full options of the view.
func (index *Index) Options() Options { return index.options }

// IndexOptions returns the options the underlying index was built with.
func (index *Index) IndexOptions() IndexOptions { return index.options.IndexOptions }

// MappingOptions returns the mapping options of the view.
func (index *Index) MappingOptions() MappingOptions { return index.options.MappingOptions }

// SequenceRecords returns the reference sequences in file order.
func (index *Index) SequenceRecords() []SequenceRecord {
	return index.seedIndex.SequenceRecords()
}
