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
	"math"
	"sync/atomic"

	"github.com/exascience/readpipe/sam"
)

// ReadFilterNode drops reads that are too short or whose mean base
// quality is too low, and forwards all others.
type ReadFilterNode struct {
	MessageSink
	minQScore float64
	minLength int
	filtered  atomic.Int64
}

// NewReadFilterNode returns a started ReadFilterNode.
func NewReadFilterNode(minQScore float64, minLength, numWorkers int) *ReadFilterNode {
	node := &ReadFilterNode{minQScore: minQScore, minLength: minLength}
	node.Init("ReadFilterNode", 1000, numWorkers, node.process)
	return node
}

// MeanQScore returns the mean Phred quality of a read, computed over
// error probabilities. Reads without qualities have score 0.
func MeanQScore(qual string) float64 {
	if qual == "" || qual == "*" {
		return 0
	}
	var sum float64
	for i := 0; i < len(qual); i++ {
		sum += math.Pow(10, -float64(qual[i]-33)/10)
	}
	return -10 * math.Log10(sum/float64(len(qual)))
}

func (node *ReadFilterNode) process(msg interface{}) error {
	aln, ok := msg.(*sam.Alignment)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	length := len(aln.SEQ)
	if aln.SEQ == "*" {
		length = 0
	}
	if length < node.minLength || (node.minQScore > 0 && MeanQScore(aln.QUAL) < node.minQScore) {
		node.filtered.Add(1)
		return nil
	}
	node.SendMessageToSink(aln)
	return nil
}

// SampleStats implements Sink.
func (node *ReadFilterNode) SampleStats() NamedStats {
	stats := node.MessageSink.SampleStats()
	stats["reads_filtered"] = float64(node.filtered.Load())
	return stats
}
