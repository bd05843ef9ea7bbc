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
	"errors"
	"fmt"
	"strconv"
)

// NodeHandle identifies a node within a PipelineDescriptor.
type NodeHandle int

// InvalidNodeHandle is never returned by AddNode.
const InvalidNodeHandle NodeHandle = -1

// Errors returned by NewPipeline.
var (
	ErrNoSourceNode        = errors.New("pipeline has no source node")
	ErrMultipleSourceNodes = errors.New("pipeline has more than one source node")
	ErrCycle               = errors.New("pipeline contains a cycle")
	ErrInvalidHandle       = errors.New("invalid node handle")
)

type nodeDescriptor struct {
	node  Sink
	sinks []NodeHandle
}

// PipelineDescriptor records nodes and their connections before a
// Pipeline is created. Nodes are constructed by the caller, so that
// construction errors surface before any node is connected.
type PipelineDescriptor struct {
	nodes []nodeDescriptor
}

// NewPipelineDescriptor returns an empty descriptor.
func NewPipelineDescriptor() *PipelineDescriptor {
	return &PipelineDescriptor{}
}

// AddNode registers a node together with the nodes it sends its
// output to.
func (desc *PipelineDescriptor) AddNode(node Sink, sinks ...NodeHandle) NodeHandle {
	desc.nodes = append(desc.nodes, nodeDescriptor{node: node, sinks: append([]NodeHandle(nil), sinks...)})
	return NodeHandle(len(desc.nodes) - 1)
}

// AddEdge connects two registered nodes.
func (desc *PipelineDescriptor) AddEdge(from, to NodeHandle) error {
	if !desc.valid(from) || !desc.valid(to) {
		return ErrInvalidHandle
	}
	desc.nodes[from].sinks = append(desc.nodes[from].sinks, to)
	return nil
}

func (desc *PipelineDescriptor) valid(handle NodeHandle) bool {
	return handle >= 0 && int(handle) < len(desc.nodes)
}

// Pipeline is a running graph of nodes with a single source.
type Pipeline struct {
	nodes  []Sink
	names  []string
	order  []NodeHandle
	source NodeHandle
}

// NewPipeline validates the descriptor and connects its nodes. The
// resulting graph must be acyclic and have exactly one node without
// inbound connections.
func NewPipeline(desc *PipelineDescriptor) (*Pipeline, error) {
	n := len(desc.nodes)
	if n == 0 {
		return nil, ErrNoSourceNode
	}
	inDegree := make([]int, n)
	for from, nd := range desc.nodes {
		if nd.node == nil {
			return nil, fmt.Errorf("%w: node %v is nil", ErrInvalidHandle, from)
		}
		for _, to := range nd.sinks {
			if !desc.valid(to) {
				return nil, fmt.Errorf("%w: %v, while connecting node %v", ErrInvalidHandle, to, nd.node.Name())
			}
			inDegree[to]++
		}
	}

	source := InvalidNodeHandle
	for handle, degree := range inDegree {
		if degree == 0 {
			if source != InvalidNodeHandle {
				return nil, ErrMultipleSourceNodes
			}
			source = NodeHandle(handle)
		}
	}
	if source == InvalidNodeHandle {
		return nil, ErrNoSourceNode
	}

	// Kahn's algorithm, which yields a source-first order.
	order := make([]NodeHandle, 0, n)
	queue := []NodeHandle{source}
	for len(queue) > 0 {
		handle := queue[0]
		queue = queue[1:]
		order = append(order, handle)
		for _, to := range desc.nodes[handle].sinks {
			if inDegree[to]--; inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) != n {
		return nil, ErrCycle
	}

	p := &Pipeline{
		nodes:  make([]Sink, n),
		names:  make([]string, n),
		order:  order,
		source: source,
	}
	seen := make(map[string]bool, n)
	for handle, nd := range desc.nodes {
		p.nodes[handle] = nd.node
		name := nd.node.Name()
		if seen[name] {
			name = name + "-" + strconv.Itoa(handle)
		}
		seen[name] = true
		p.names[handle] = name
		for _, to := range nd.sinks {
			nd.node.AddSink(desc.nodes[to].node)
		}
	}
	return p, nil
}

// PushMessage pushes a message into the source node.
func (p *Pipeline) PushMessage(msg interface{}) {
	p.nodes[p.source].Push(msg)
}

// Terminate terminates all nodes, source first, so that every node has
// received all its input before it is terminated.
func (p *Pipeline) Terminate(flush FlushOptions) {
	for _, handle := range p.order {
		p.nodes[handle].Terminate(flush)
	}
}

// Restart restarts all nodes, sinks first.
func (p *Pipeline) Restart() {
	for i := len(p.order) - 1; i >= 0; i-- {
		p.nodes[p.order[i]].Restart()
	}
}

// GetNodeRef returns the node registered under handle, or nil.
func (p *Pipeline) GetNodeRef(handle NodeHandle) Sink {
	if handle < 0 || int(handle) >= len(p.nodes) {
		return nil
	}
	return p.nodes[handle]
}

// SampleStats aggregates the statistics of all nodes, with keys of the
// form "<node>.<stat>".
func (p *Pipeline) SampleStats() NamedStats {
	stats := make(NamedStats)
	for handle, node := range p.nodes {
		stats.Merge(p.names[handle], node.SampleStats())
	}
	return stats
}

func (p *Pipeline) forEachNode(f func(name string, stats NamedStats)) {
	for handle, node := range p.nodes {
		f(p.names[handle], node.SampleStats())
	}
}
