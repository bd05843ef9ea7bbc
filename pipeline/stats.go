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

package pipeline

import (
	"fmt"
	"io"
	"sort"
)

// NamedStats maps statistic names to values.
type NamedStats map[string]float64

// Merge copies all entries of other into stats, with the given prefix
// and a dot prepended to their names.
func (stats NamedStats) Merge(prefix string, other NamedStats) {
	for name, value := range other {
		stats[prefix+"."+name] = value
	}
}

// Names returns the statistic names in sorted order.
func (stats NamedStats) Names() []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Print writes one "name value" line per statistic, in sorted order.
func (stats NamedStats) Print(out io.Writer) error {
	for _, name := range stats.Names() {
		if _, err := fmt.Fprintf(out, "%v %v\n", name, stats[name]); err != nil {
			return err
		}
	}
	return nil
}
