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
	"fmt"
	"log"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/exascience/readpipe/pipeline"
	"github.com/exascience/readpipe/sam"
)

// AlignerNode maps reads against a cached index and forwards the
// resulting alignments.
type AlignerNode struct {
	pipeline.MessageSink
	access   *IndexFileAccess
	path     string
	options  Options
	index    atomic.Pointer[Index]
	aligned  atomic.Int64
	unmapped atomic.Int64
}

// NewAlignerNode returns a started AlignerNode. The index for path and
// opts must already be loaded into access.
func NewAlignerNode(access *IndexFileAccess, path string, opts Options, numWorkers int) (*AlignerNode, error) {
	index := access.GetIndex(path, opts)
	if index == nil {
		return nil, errors.Wrapf(ErrIndexNotLoaded, "creating aligner for %v", path)
	}
	node := &AlignerNode{access: access, path: path, options: opts}
	node.index.Store(index)
	node.Init("AlignerNode", 1000, numWorkers, node.process)
	return node, nil
}

// Index returns the index view the node maps against, or nil after a
// Terminate that did not preserve caches.
func (node *AlignerNode) Index() *Index { return node.index.Load() }

func (node *AlignerNode) process(msg interface{}) error {
	read, ok := msg.(*sam.Alignment)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	index := node.index.Load()
	if index == nil {
		log.Panicf("%v processing without an index", node.Name())
	}
	alignments, mapped := index.Map(read)
	if mapped {
		node.aligned.Add(1)
	} else {
		node.unmapped.Add(1)
	}
	for _, aln := range alignments {
		node.SendMessageToSink(aln)
	}
	return nil
}

// Terminate implements pipeline.Sink. Unless caches are preserved, the
// node releases its index view.
func (node *AlignerNode) Terminate(flush pipeline.FlushOptions) {
	node.MessageSink.Terminate(flush)
	if !flush.PreserveCaches {
		node.index.Store(nil)
	}
}

// Restart implements pipeline.Sink. A released index view is fetched
// again from the cache, which must still hold it.
func (node *AlignerNode) Restart() {
	if node.index.Load() == nil {
		index := node.access.GetIndex(node.path, node.options)
		if index == nil {
			log.Panicf("%v restarted after its index for %v was unloaded", node.Name(), node.path)
		}
		node.index.Store(index)
	}
	node.MessageSink.Restart()
}

// SampleStats implements pipeline.Sink.
func (node *AlignerNode) SampleStats() pipeline.NamedStats {
	stats := node.MessageSink.SampleStats()
	stats["reads_aligned"] = float64(node.aligned.Load())
	stats["reads_unmapped"] = float64(node.unmapped.Load())
	return stats
}
