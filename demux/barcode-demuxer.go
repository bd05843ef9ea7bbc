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

// Package demux writes reads to one output file per barcode.
package demux

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/exascience/pargo/parallel"

	"github.com/exascience/readpipe/pipeline"
	"github.com/exascience/readpipe/sam"
)

// UnclassifiedKey names the output file for reads without a usable
// barcode.
const UnclassifiedKey = "unclassified"

// IsSafeKey reports whether a key can be used as a file name in the
// output directory.
func IsSafeKey(key string) bool {
	if key == "" || key[0] == '.' || len(key) > 200 {
		return false
	}
	for i := 0; i < len(key); i++ {
		switch c := key[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '_', c == '-', c == '.', c == '+':
		default:
			return false
		}
	}
	return true
}

// BarcodeDemuxerNode writes every read to the file for the barcode in
// its BC tag. Files are created on first use. The file table is only
// accessed by the node's single worker goroutine until the node is
// terminated.
type BarcodeDemuxerNode struct {
	pipeline.MessageSink
	outputDir   string
	htsThreads  int
	mode        sam.HtsFileMode
	sampleSheet *SampleSheet
	header      atomic.Pointer[sam.Header]

	files     map[string]*sam.HtsFile
	demuxed   atomic.Int64
	filesOpen atomic.Int64

	finaliseMutex sync.Mutex
	finalised     bool
	outputFiles   []string
}

// NewBarcodeDemuxerNode creates the output directory and returns a
// started node. Output files are BAM files, or FASTQ files when
// writeFastq is set. sampleSheet may be nil.
func NewBarcodeDemuxerNode(outputDir string, htsThreads int, writeFastq bool, sampleSheet *SampleSheet) (*BarcodeDemuxerNode, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%v, while creating output directory %v", err, outputDir)
	}
	if htsThreads < 1 {
		htsThreads = 1
	}
	node := &BarcodeDemuxerNode{
		outputDir:   outputDir,
		htsThreads:  htsThreads,
		mode:        sam.BAM,
		sampleSheet: sampleSheet,
		files:       make(map[string]*sam.HtsFile),
	}
	if writeFastq {
		node.mode = sam.FASTQ
	}
	node.Init("BarcodeDemuxerNode", 10000, 1, node.process)
	return node, nil
}

// SetHeader sets the header written to every output file. It must be
// called before the first read is processed.
func (node *BarcodeDemuxerNode) SetHeader(hdr *sam.Header) {
	node.header.Store(hdr.Clone())
}

// Mode returns the container format of the output files.
func (node *BarcodeDemuxerNode) Mode() sam.HtsFileMode { return node.mode }

// Key returns the output file key for a read.
func (node *BarcodeDemuxerNode) Key(aln *sam.Alignment) string {
	key := aln.Barcode()
	if key == "" {
		return UnclassifiedKey
	}
	if node.sampleSheet != nil {
		alias, found := node.sampleSheet.Alias(key)
		if !found {
			return UnclassifiedKey
		}
		key = alias
	}
	if !IsSafeKey(key) {
		return UnclassifiedKey
	}
	return key
}

func (node *BarcodeDemuxerNode) fileName(key string) string {
	return filepath.Join(node.outputDir, key+"."+node.mode.Extension())
}

func (node *BarcodeDemuxerNode) file(key string, hdr *sam.Header) (*sam.HtsFile, error) {
	if file, found := node.files[key]; found {
		return file, nil
	}
	file, err := sam.CreateHtsFile(node.fileName(key), node.mode, node.htsThreads)
	if err != nil {
		return nil, err
	}
	if err = file.SetHeader(hdr); err != nil {
		_ = file.Close()
		return nil, err
	}
	node.files[key] = file
	node.filesOpen.Add(1)
	return file, nil
}

func (node *BarcodeDemuxerNode) process(msg interface{}) error {
	aln, ok := msg.(*sam.Alignment)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	hdr := node.header.Load()
	if hdr == nil {
		log.Panicf("%v processing a read before its header is set", node.Name())
	}
	file, err := node.file(node.Key(aln), hdr)
	if err != nil {
		return err
	}
	if err = file.Write(aln); err != nil {
		return err
	}
	node.demuxed.Add(1)
	return nil
}

// FinaliseHtsFiles closes all output files, and with sortBam sorts and
// indexes BAM files. It must be called exactly once, after Terminate.
// Files are finalised in parallel; progress receives monotonically
// increasing percentages.
func (node *BarcodeDemuxerNode) FinaliseHtsFiles(progress sam.ProgressCallback, sortBam bool) error {
	node.finaliseMutex.Lock()
	defer node.finaliseMutex.Unlock()
	if node.IsRunning() {
		log.Panicf("%v finalised before it was terminated", node.Name())
	}
	if node.finalised {
		log.Panicf("%v finalised twice", node.Name())
	}
	node.finalised = true
	if progress == nil {
		progress = func(int) {}
	}

	keys := make([]string, 0, len(node.files))
	for key := range node.files {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	files := make([]*sam.HtsFile, len(keys))
	for i, key := range keys {
		files[i] = node.files[key]
		node.outputFiles = append(node.outputFiles, files[i].Name())
		if sortBam && files[i].Mode() == sam.BAM {
			node.outputFiles = append(node.outputFiles, files[i].Name()+"."+sam.IndexExtension)
		}
	}

	var (
		reportMutex sync.Mutex
		reported    = -1
		percents    = make([]int, len(files))
		firstErr    error
	)
	report := func(i, percent int) {
		reportMutex.Lock()
		defer reportMutex.Unlock()
		if percent > percents[i] {
			percents[i] = percent
		}
		total := 0
		for _, p := range percents {
			total += p
		}
		if overall := total / len(percents); overall > reported {
			reported = overall
			progress(overall)
		}
	}

	if len(files) > 0 {
		threads := min(node.htsThreads, len(files))
		parallel.Range(0, len(files), threads, func(low, high int) {
			for i := low; i < high; i++ {
				i := i
				err := files[i].Finalise(func(percent int) { report(i, percent) }, sortBam)
				if err != nil {
					reportMutex.Lock()
					if firstErr == nil {
						firstErr = err
					}
					reportMutex.Unlock()
				}
				report(i, 100)
				node.filesOpen.Add(-1)
			}
		})
	}
	if reported < 100 {
		progress(100)
	}
	node.files = nil
	return firstErr
}

// OutputFiles returns the names of all files written, available after
// FinaliseHtsFiles.
func (node *BarcodeDemuxerNode) OutputFiles() []string {
	node.finaliseMutex.Lock()
	defer node.finaliseMutex.Unlock()
	return append([]string(nil), node.outputFiles...)
}

// SampleStats implements pipeline.Sink.
func (node *BarcodeDemuxerNode) SampleStats() pipeline.NamedStats {
	stats := node.MessageSink.SampleStats()
	stats["demuxed_reads"] = float64(node.demuxed.Load())
	stats["files_open"] = float64(node.filesOpen.Load())
	return stats
}

// Restart implements pipeline.Sink. A finalised node cannot restart.
func (node *BarcodeDemuxerNode) Restart() {
	node.finaliseMutex.Lock()
	finalised := node.finalised
	node.finaliseMutex.Unlock()
	if finalised {
		log.Panicf("%v restarted after finalisation", node.Name())
	}
	node.MessageSink.Restart()
}
