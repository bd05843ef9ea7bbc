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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/exascience/readpipe/alignment"
)

// IndexHeaderHelp is the help string for this command.
const IndexHeaderHelp = "Index-header parameters:\n" +
	"readpipe index-header fasta-file\n" +
	"[--kmer-size k]\n" +
	"[--window-size w]\n" +
	"[--index-batch-size nr]\n" +
	"[--nr-of-threads nr]\n"

// IndexHeader implements the readpipe index-header command. It builds
// the minimizer index of a reference and prints the matching @SQ lines.
func IndexHeader() error {
	opts := alignment.DefaultOptions()
	var nrOfThreads int

	var flags flag.FlagSet

	flags.IntVar(&opts.KmerSize, "kmer-size", alignment.DefaultKmerSize, "minimizer k-mer size")
	flags.IntVar(&opts.WindowSize, "window-size", alignment.DefaultWindowSize, "minimizer window size")
	flags.Int64Var(&opts.IndexBatchSize, "index-batch-size", alignment.DefaultIndexBatchSize, "maximum number of reference bases per index")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, IndexHeaderHelp)
		os.Exit(1)
	}

	reference := getFilename(os.Args[2], IndexHeaderHelp)

	parseFlags(&flags, 3, IndexHeaderHelp)

	if !checkExist("", reference) || !alignment.ValidateOptions(opts) {
		fmt.Fprint(os.Stderr, IndexHeaderHelp)
		os.Exit(1)
	}

	if nrOfThreads <= 0 {
		nrOfThreads = runtime.GOMAXPROCS(0)
	}

	access := alignment.NewIndexFileAccess(nil)
	if result := access.LoadIndex(context.Background(), reference, opts, nrOfThreads); result != alignment.Success {
		return fmt.Errorf("loading index for %v: %v", reference, result)
	}
	header, err := access.GenerateSequenceRecordsHeader(reference, opts)
	if err != nil {
		return err
	}
	log.Println("Indexed", reference)
	_, err = fmt.Fprint(os.Stdout, header)
	return err
}
