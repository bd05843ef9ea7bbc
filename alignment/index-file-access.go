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

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"

	"github.com/exascience/readpipe/internal"
	"github.com/exascience/readpipe/sam"
)

// ErrIndexNotLoaded is returned for queries on indices that are not
// loaded.
var ErrIndexNotLoaded = errors.New("index not loaded")

// IndexLoadResult is the outcome of IndexFileAccess.LoadIndex.
type IndexLoadResult int

// Outcomes of LoadIndex.
const (
	Success IndexLoadResult = iota
	ReferenceFileNotFound
	ValidationError
	SplitIndexNotSupported
	BuildFailed
	Cancelled
)

func (result IndexLoadResult) String() string {
	switch result {
	case Success:
		return "success"
	case ReferenceFileNotFound:
		return "reference file not found"
	case ValidationError:
		return "validation error"
	case SplitIndexNotSupported:
		return "split index not supported"
	case BuildFailed:
		return "build failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown index load result"
	}
}

// IndexKey identifies a built index: a canonical reference path and
// the options that determine the structure of the index.
type IndexKey struct {
	Path         string
	IndexOptions IndexOptions
}

// indexEntry holds a built index and the views derived from it, one
// per distinct set of mapping options requested for it.
type indexEntry struct {
	seedIndex *SeedIndex
	options   Options
	variants  map[MappingOptions]*Index
}

func (entry *indexEntry) rebind(opts Options) *Index {
	entry.options = opts
	if view, found := entry.variants[opts.MappingOptions]; found {
		return view
	}
	view := newIndex(entry.seedIndex, opts)
	entry.variants[opts.MappingOptions] = view
	return view
}

type inFlightBuild struct {
	done   chan struct{}
	result IndexLoadResult
}

// IndexFileAccess caches built indices per IndexKey. Option sets that
// only differ in their mapping options share one build. The cache
// never evicts entries by itself; use UnloadIndex.
//
// All methods are safe for concurrent use. Concurrent loads of the
// same key join a single build, and no lock is held while building, so
// queries never wait for a build.
type IndexFileAccess struct {
	builder  IndexBuilder
	mutex    sync.RWMutex
	entries  map[IndexKey]*indexEntry
	inFlight *xsync.MapOf[IndexKey, *inFlightBuild]
	builds   atomic.Int64
}

// NewIndexFileAccess returns an empty cache that builds indices with
// the given builder, or with a MinimizerIndexBuilder if builder is nil.
func NewIndexFileAccess(builder IndexBuilder) *IndexFileAccess {
	if builder == nil {
		builder = MinimizerIndexBuilder{}
	}
	return &IndexFileAccess{
		builder:  builder,
		entries:  make(map[IndexKey]*indexEntry),
		inFlight: xsync.NewMapOf[IndexKey, *inFlightBuild](),
	}
}

func resolveReference(path string) (string, bool) {
	canonical, err := internal.CanonicalPathname(path)
	if err != nil {
		return canonical, false
	}
	info, err := os.Stat(canonical)
	if err != nil || info.IsDir() {
		return canonical, false
	}
	if unix.Access(canonical, unix.R_OK) != nil {
		return canonical, false
	}
	return canonical, true
}

func buildResult(err error) IndexLoadResult {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, ErrSplitIndex):
		return SplitIndexNotSupported
	default:
		return BuildFailed
	}
}

// LoadIndex makes sure an index for the reference and options is
// loaded. If an index-equivalent entry exists, it is rebound to opts
// without a rebuild. Otherwise a new index is built with the given
// number of threads. A failed build is not retried.
func (access *IndexFileAccess) LoadIndex(ctx context.Context, path string, opts Options, threads int) IndexLoadResult {
	if !ValidateOptions(opts) {
		return ValidationError
	}
	canonical, ok := resolveReference(path)
	if !ok {
		return ReferenceFileNotFound
	}
	key := IndexKey{Path: canonical, IndexOptions: opts.IndexOptions}
	for {
		access.mutex.Lock()
		if entry, found := access.entries[key]; found {
			entry.rebind(opts)
			access.mutex.Unlock()
			return Success
		}
		build, building := access.inFlight.LoadOrCompute(key, func() *inFlightBuild {
			return &inFlightBuild{done: make(chan struct{})}
		})
		access.mutex.Unlock()

		if building {
			select {
			case <-build.done:
				switch build.result {
				case Success, Cancelled:
					// rebind to our options, or take over the build
					continue
				default:
					return build.result
				}
			case <-ctx.Done():
				return Cancelled
			}
		}

		return access.build(ctx, key, opts, threads, build)
	}
}

func (access *IndexFileAccess) build(ctx context.Context, key IndexKey, opts Options, threads int, build *inFlightBuild) IndexLoadResult {
	access.builds.Add(1)
	seedIndex, err := access.builder.Build(ctx, key.Path, key.IndexOptions, threads)
	result := buildResult(err)
	if result == Success && seedIndex == nil {
		err, result = errors.New("builder returned no index"), BuildFailed
	}
	if err != nil {
		log.Printf("%v, while building index for %v", err, key.Path)
	}

	access.mutex.Lock()
	if result == Success {
		entry := &indexEntry{seedIndex: seedIndex, variants: make(map[MappingOptions]*Index)}
		entry.rebind(opts)
		access.entries[key] = entry
	}
	access.inFlight.Delete(key)
	access.mutex.Unlock()

	build.result = result
	close(build.done)
	return result
}

// IsIndexLoaded reports whether an index-equivalent entry for the
// reference is loaded. Mapping options are ignored.
func (access *IndexFileAccess) IsIndexLoaded(path string, opts Options) bool {
	canonical, _ := internal.CanonicalPathname(path)
	access.mutex.RLock()
	defer access.mutex.RUnlock()
	_, found := access.entries[IndexKey{Path: canonical, IndexOptions: opts.IndexOptions}]
	return found
}

// GetIndex returns a view of the loaded index bound to opts, or nil if
// no index-equivalent entry is loaded. Views for the mapping options
// of earlier loads are returned as recorded; for other mapping
// options a new view is derived that shares the same SeedIndex.
func (access *IndexFileAccess) GetIndex(path string, opts Options) *Index {
	canonical, _ := internal.CanonicalPathname(path)
	access.mutex.RLock()
	defer access.mutex.RUnlock()
	entry, found := access.entries[IndexKey{Path: canonical, IndexOptions: opts.IndexOptions}]
	if !found {
		return nil
	}
	if view, found := entry.variants[opts.MappingOptions]; found {
		return view
	}
	return newIndex(entry.seedIndex, opts)
}

// CurrentOptions returns the options of the most recent load of an
// index-equivalent entry.
func (access *IndexFileAccess) CurrentOptions(path string, opts Options) (Options, bool) {
	canonical, _ := internal.CanonicalPathname(path)
	access.mutex.RLock()
	defer access.mutex.RUnlock()
	entry, found := access.entries[IndexKey{Path: canonical, IndexOptions: opts.IndexOptions}]
	if !found {
		return Options{}, false
	}
	return entry.options, true
}

// UnloadIndex removes the entry for the reference and the index
// options of opts, including all views derived from it. Entries for
// other index options are not affected.
func (access *IndexFileAccess) UnloadIndex(path string, opts Options) {
	canonical, _ := internal.CanonicalPathname(path)
	access.mutex.Lock()
	defer access.mutex.Unlock()
	delete(access.entries, IndexKey{Path: canonical, IndexOptions: opts.IndexOptions})
}

// LoadedKeys returns the number of loaded entries.
func (access *IndexFileAccess) LoadedKeys() int {
	access.mutex.RLock()
	defer access.mutex.RUnlock()
	return len(access.entries)
}

// Builds returns the number of index builds started so far.
func (access *IndexFileAccess) Builds() int64 {
	return access.builds.Load()
}

// GenerateSequenceRecordsHeader returns one "@SQ\tSN:<name>\tLN:<length>"
// line per reference sequence, in file order, joined by newlines.
func (access *IndexFileAccess) GenerateSequenceRecordsHeader(path string, opts Options) (string, error) {
	index := access.GetIndex(path, opts)
	if index == nil {
		return "", errors.Wrapf(ErrIndexNotLoaded, "%v", path)
	}
	records := index.SequenceRecords()
	lines := make([]string, 0, len(records))
	var buf []byte
	for _, record := range records {
		buf = append(buf[:0], "@SQ\tSN:"...)
		buf = append(buf, record.Name...)
		buf = append(buf, "\tLN:"...)
		buf = strconv.AppendInt(buf, int64(record.Length), 10)
		lines = append(lines, string(buf))
	}
	return strings.Join(lines, "\n"), nil
}

// AddSequenceRecordsToHeader appends the reference sequences of a
// loaded index to the sequence dictionary of hdr.
func (access *IndexFileAccess) AddSequenceRecordsToHeader(hdr *sam.Header, path string, opts Options) error {
	index := access.GetIndex(path, opts)
	if index == nil {
		return errors.Wrapf(ErrIndexNotLoaded, "%v", path)
	}
	for _, record := range index.SequenceRecords() {
		hdr.AddSQ(record.Name, record.Length)
	}
	return nil
}
