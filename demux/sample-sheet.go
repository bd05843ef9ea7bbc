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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Sample sheet columns.
const (
	BarcodeColumn      = "barcode"
	AliasColumn        = "alias"
	FlowCellIDColumn   = "flow_cell_id"
	ExperimentIDColumn = "experiment_id"
	KitColumn          = "kit"
)

// SampleSheet maps barcodes to human-readable aliases used for output
// file names.
type SampleSheet struct {
	aliases map[string]string
	kits    map[string]bool
}

// ParseSampleSheet parses a CSV sample sheet with a header row. The
// barcode and alias columns are required.
func ParseSampleSheet(reader io.Reader) (*SampleSheet, error) {
	records := csv.NewReader(reader)
	records.TrimLeadingSpace = true
	header, err := records.Read()
	if err == io.EOF {
		return nil, errors.New("empty sample sheet")
	}
	if err != nil {
		return nil, fmt.Errorf("%v, while reading sample sheet header", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	barcodeIndex, hasBarcode := columns[BarcodeColumn]
	aliasIndex, hasAlias := columns[AliasColumn]
	if !hasBarcode || !hasAlias {
		return nil, fmt.Errorf("sample sheet requires %v and %v columns", BarcodeColumn, AliasColumn)
	}
	kitIndex, hasKit := columns[KitColumn]

	sheet := &SampleSheet{aliases: make(map[string]string), kits: make(map[string]bool)}
	for line := 2; ; line++ {
		record, err := records.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%v, while reading sample sheet", err)
		}
		barcode := strings.TrimSpace(record[barcodeIndex])
		alias := strings.TrimSpace(record[aliasIndex])
		switch {
		case barcode == "":
			return nil, fmt.Errorf("missing barcode in sample sheet line %v", line)
		case !IsSafeKey(alias):
			return nil, fmt.Errorf("alias %q in sample sheet line %v cannot be used as a file name", alias, line)
		case alias == UnclassifiedKey:
			return nil, fmt.Errorf("alias %q in sample sheet line %v is reserved", alias, line)
		}
		if previous, found := sheet.aliases[barcode]; found && previous != alias {
			return nil, fmt.Errorf("barcode %v has aliases %v and %v in sample sheet", barcode, previous, alias)
		}
		sheet.aliases[barcode] = alias
		if hasKit {
			if kit := strings.TrimSpace(record[kitIndex]); kit != "" {
				sheet.kits[kit] = true
			}
		}
	}
	if len(sheet.aliases) == 0 {
		return nil, errors.New("sample sheet without entries")
	}
	return sheet, nil
}

// LoadSampleSheet parses the sample sheet in the given file.
func LoadSampleSheet(filename string) (*SampleSheet, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	sheet, err := ParseSampleSheet(file)
	if err != nil {
		return nil, fmt.Errorf("%v, in %v", err, filename)
	}
	return sheet, nil
}

// Alias returns the alias for a barcode. Barcodes that carry a kit
// prefix, as in "KIT_barcode01", also match an entry for "barcode01".
func (sheet *SampleSheet) Alias(barcode string) (string, bool) {
	if alias, found := sheet.aliases[barcode]; found {
		return alias, true
	}
	if i := strings.LastIndexByte(barcode, '_'); i >= 0 {
		if alias, found := sheet.aliases[barcode[i+1:]]; found {
			return alias, true
		}
	}
	return "", false
}

// Barcodes returns the barcodes of the sample sheet in sorted order.
func (sheet *SampleSheet) Barcodes() []string {
	barcodes := make([]string, 0, len(sheet.aliases))
	for barcode := range sheet.aliases {
		barcodes = append(barcodes, barcode)
	}
	sort.Strings(barcodes)
	return barcodes
}

// Kits returns the kit names listed in the sample sheet, in sorted order.
func (sheet *SampleSheet) Kits() []string {
	kits := make([]string, 0, len(sheet.kits))
	for kit := range sheet.kits {
		kits = append(kits, kit)
	}
	sort.Strings(kits)
	return kits
}
