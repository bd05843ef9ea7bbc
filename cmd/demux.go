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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exascience/readpipe/alignment"
	"github.com/exascience/readpipe/demux"
	"github.com/exascience/readpipe/pipeline"
	"github.com/exascience/readpipe/sam"
	"github.com/exascience/readpipe/utils"
)

// DemuxHelp is the help string for this command.
const DemuxHelp = "Demux parameters:\n" +
	"readpipe demux (sam-file | fastq-file) /path/to/output/\n" +
	"[--reference fasta-file]\n" +
	"[--sample-sheet csv-file]\n" +
	"[--emit-fastq]\n" +
	"[--sort-bam]\n" +
	"[--min-qscore q]\n" +
	"[--min-length nr]\n" +
	"[--kmer-size k]\n" +
	"[--window-size w]\n" +
	"[--index-batch-size nr]\n" +
	"[--best-n nr]\n" +
	"[--bandwidth nr]\n" +
	"[--bandwidth-long nr]\n" +
	"[--soft-clipping]\n" +
	"[--print-secondary]\n" +
	"[--min-seed-hits nr]\n" +
	"[--nr-of-threads nr]\n" +
	"[--config yaml-file]\n" +
	"[--metrics-addr host:port]\n" +
	"[--timed]\n" +
	"[--log-path path]\n"

// Demux implements the readpipe demux command.
func Demux() error {
	var (
		configFile string
		timed      bool
	)
	settings := defaultDemuxSettings()

	var flags flag.FlagSet

	flags.StringVar(&settings.reference, "reference", "", "align reads against this reference before demultiplexing")
	flags.StringVar(&settings.sampleSheet, "sample-sheet", "", "csv file mapping barcodes to aliases")
	flags.BoolVar(&settings.emitFastq, "emit-fastq", false, "write FASTQ files instead of BAM files")
	flags.BoolVar(&settings.sortBam, "sort-bam", false, "sort and index the BAM files")
	flags.Float64Var(&settings.minQScore, "min-qscore", 0, "discard reads with a lower mean quality")
	flags.IntVar(&settings.minLength, "min-length", 0, "discard shorter reads")
	flags.IntVar(&settings.options.KmerSize, "kmer-size", alignment.DefaultKmerSize, "minimizer k-mer size")
	flags.IntVar(&settings.options.WindowSize, "window-size", alignment.DefaultWindowSize, "minimizer window size")
	flags.Int64Var(&settings.options.IndexBatchSize, "index-batch-size", alignment.DefaultIndexBatchSize, "maximum number of reference bases per index")
	flags.IntVar(&settings.options.BestNSecondary, "best-n", alignment.DefaultBestNSecondary, "maximum number of secondary alignments")
	flags.IntVar(&settings.options.Bandwidth, "bandwidth", alignment.DefaultBandwidth, "chaining bandwidth")
	flags.IntVar(&settings.options.BandwidthLong, "bandwidth-long", alignment.DefaultBandwidthLong, "chaining bandwidth for long reads")
	flags.BoolVar(&settings.options.SoftClipping, "soft-clipping", false, "soft-clip secondary alignments")
	flags.BoolVar(&settings.options.PrintSecondary, "print-secondary", true, "output secondary alignments")
	flags.IntVar(&settings.options.MinSeedHits, "min-seed-hits", alignment.DefaultMinSeedHits, "minimum number of seed hits for a mapping")
	flags.IntVar(&settings.nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.StringVar(&settings.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&settings.logPath, "log-path", "", "write log files to the specified directory")

	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, DemuxHelp)
		os.Exit(1)
	}

	input := getFilename(os.Args[2], DemuxHelp)
	output := getFilename(os.Args[3], DemuxHelp)

	parseFlags(&flags, 4, DemuxHelp)

	if configFile != "" {
		cfg, err := LoadConfig(configFile)
		if err != nil {
			log.Println("Error:", err)
			fmt.Fprint(os.Stderr, DemuxHelp)
			os.Exit(1)
		}
		cfg.apply(&settings, explicitFlags(&flags))
	}

	setLogOutput(settings.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if input != "-" && !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkOutputDirectory("", output) {
		sanityChecksFailed = true
	}
	if settings.reference != "" {
		if !checkExist("--reference", settings.reference) {
			sanityChecksFailed = true
		}
		if !alignment.ValidateOptions(settings.options) {
			sanityChecksFailed = true
		}
	}
	if settings.sampleSheet != "" && !checkExist("--sample-sheet", settings.sampleSheet) {
		sanityChecksFailed = true
	}
	if settings.nrOfThreads < 0 {
		sanityChecksFailed = true
		log.Println("Error: Invalid nr-of-threads: ", settings.nrOfThreads)
	}
	if settings.minLength < 0 {
		sanityChecksFailed = true
		log.Println("Error: Invalid min-length: ", settings.minLength)
	}
	if settings.emitFastq && settings.sortBam {
		log.Println("Warning: The --sort-bam flag is ignored when writing FASTQ files.")
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, DemuxHelp)
		os.Exit(1)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " demux ", input, " ", output)
	if settings.reference != "" {
		fmt.Fprint(&command, " --reference ", settings.reference)
		fmt.Fprint(&command, " --kmer-size ", settings.options.KmerSize)
		fmt.Fprint(&command, " --window-size ", settings.options.WindowSize)
		fmt.Fprint(&command, " --best-n ", settings.options.BestNSecondary)
		fmt.Fprint(&command, " --bandwidth ", settings.options.Bandwidth)
		fmt.Fprint(&command, " --bandwidth-long ", settings.options.BandwidthLong)
		fmt.Fprint(&command, " --min-seed-hits ", settings.options.MinSeedHits)
	}
	if settings.sampleSheet != "" {
		fmt.Fprint(&command, " --sample-sheet ", settings.sampleSheet)
	}
	if settings.emitFastq {
		fmt.Fprint(&command, " --emit-fastq")
	}
	if settings.sortBam {
		fmt.Fprint(&command, " --sort-bam")
	}
	if settings.minQScore > 0 {
		fmt.Fprint(&command, " --min-qscore ", settings.minQScore)
	}
	if settings.minLength > 0 {
		fmt.Fprint(&command, " --min-length ", settings.minLength)
	}
	if settings.nrOfThreads > 0 {
		runtime.GOMAXPROCS(settings.nrOfThreads)
		fmt.Fprint(&command, " --nr-of-threads ", settings.nrOfThreads)
	}
	if settings.metricsAddr != "" {
		fmt.Fprint(&command, " --metrics-addr ", settings.metricsAddr)
	}
	if timed {
		fmt.Fprint(&command, " --timed")
	}
	if settings.logPath != "" {
		fmt.Fprint(&command, " --log-path ", settings.logPath)
	}

	// executing command

	log.Println("Executing command:\n", command.String())

	settings.commandLine = command.String()
	settings.showProgress = true

	var stats pipeline.NamedStats
	err := timedRun(timed, "Demultiplexing reads.", func() (err error) {
		stats, err = runDemux(context.Background(), input, output, settings)
		return err
	})
	if err != nil {
		return err
	}
	return stats.Print(os.Stdout)
}

func isSamInput(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".gz")
	return name == "-" || filepath.Ext(name) == ".sam"
}

func demuxHeader(input string, settings demuxSettings) (*sam.Header, *sam.InputFile, error) {
	hdr := sam.NewHeader()
	var samInput *sam.InputFile
	if isSamInput(input) {
		var err error
		if samInput, err = sam.Open(input); err != nil {
			return nil, nil, err
		}
		if hdr, err = samInput.ParseHeader(); err != nil {
			_ = samInput.Close()
			return nil, nil, fmt.Errorf("%v, while reading header of %v", err, input)
		}
	}
	hdr.SetHDSO("unknown")
	pg := utils.StringMap{"ID": utils.ProgramName, "PN": utils.ProgramName, "VN": utils.ProgramVersion}
	if settings.commandLine != "" {
		pg["CL"] = settings.commandLine
	}
	for _, existing := range hdr.PG {
		if existing["ID"] == utils.ProgramName {
			pg["ID"] = utils.ProgramName + "." + uuid.NewString()[:8]
		}
	}
	hdr.PG = append(hdr.PG, pg)
	return hdr, samInput, nil
}

func serveMetrics(addr string, p *pipeline.Pipeline) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(pipeline.NewStatsCollector(p))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("Warning: metrics server stopped:", err)
		}
	}()
	return server
}

// runDemux streams the input through a pipeline of an optional read
// filter, an optional aligner and a barcode demultiplexer, and returns
// the final pipeline statistics.
func runDemux(ctx context.Context, input, output string, settings demuxSettings) (stats pipeline.NamedStats, err error) {
	threads := settings.nrOfThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	runID := uuid.New()

	var sampleSheet *demux.SampleSheet
	if settings.sampleSheet != "" {
		if sampleSheet, err = demux.LoadSampleSheet(settings.sampleSheet); err != nil {
			return nil, err
		}
	}

	hdr, samInput, err := demuxHeader(input, settings)
	if err != nil {
		return nil, err
	}
	if samInput != nil {
		defer func() {
			if nerr := samInput.Close(); err == nil {
				err = nerr
			}
		}()
	}
	hdr.CO = append(hdr.CO, "readpipe run id: "+runID.String())

	var access *alignment.IndexFileAccess
	if settings.reference != "" {
		access = alignment.NewIndexFileAccess(nil)
		if result := access.LoadIndex(ctx, settings.reference, settings.options, threads); result != alignment.Success {
			return nil, fmt.Errorf("loading index for %v: %v", settings.reference, result)
		}
		hdr.SQ = nil
		if err = access.AddSequenceRecordsToHeader(hdr, settings.reference, settings.options); err != nil {
			return nil, err
		}
	}

	demuxer, err := demux.NewBarcodeDemuxerNode(output, threads, settings.emitFastq, sampleSheet)
	if err != nil {
		return nil, err
	}
	demuxer.SetHeader(hdr)

	desc := pipeline.NewPipelineDescriptor()
	next := desc.AddNode(demuxer)
	if access != nil {
		aligner, err := alignment.NewAlignerNode(access, settings.reference, settings.options, threads)
		if err != nil {
			return nil, err
		}
		next = desc.AddNode(aligner, next)
	}
	if settings.minQScore > 0 || settings.minLength > 0 {
		next = desc.AddNode(pipeline.NewReadFilterNode(settings.minQScore, settings.minLength, threads), next)
	}
	p, err := pipeline.NewPipeline(desc)
	if err != nil {
		return nil, err
	}

	if settings.metricsAddr != "" {
		server := serveMetrics(settings.metricsAddr, p)
		defer server.Close()
	}

	push := func(aln *sam.Alignment) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.PushMessage(aln)
		return nil
	}
	if samInput != nil {
		err = samInput.ReadAlignments(threads, push)
	} else {
		err = sam.ReadFastq(input, push)
	}

	p.Terminate(pipeline.DefaultFlushOptions())

	progress := func(int) {}
	if settings.showProgress {
		bar := pb.StartNew(100)
		defer bar.Finish()
		progress = func(percent int) { bar.SetCurrent(int64(percent)) }
	}
	if ferr := demuxer.FinaliseHtsFiles(progress, settings.sortBam); err == nil {
		err = ferr
	}
	return p.SampleStats(), err
}
