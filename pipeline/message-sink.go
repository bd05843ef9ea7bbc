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
	"log"
	"sync"
	"sync/atomic"

	"github.com/exascience/readpipe/sam"
)

// Sink is a node of a pipeline.
type Sink interface {
	// Name identifies the node in statistics and log messages.
	Name() string
	// Push enqueues a message, blocking while the input queue is full.
	// Ownership of the message passes to the node.
	Push(msg interface{})
	// Terminate stops accepting messages, processes everything that
	// was already queued, and returns when all workers have exited.
	Terminate(flush FlushOptions)
	// Restart makes a terminated node accept messages again.
	Restart()
	// SampleStats returns a snapshot of the node's counters.
	SampleStats() NamedStats
	// AddSink connects a downstream node.
	AddSink(sink Sink)
}

// FlushOptions control what nodes keep across Terminate.
type FlushOptions struct {
	// PreserveCaches keeps per-run caches alive for a later Restart.
	PreserveCaches bool
}

// DefaultFlushOptions returns the options used by a plain shutdown.
func DefaultFlushOptions() FlushOptions {
	return FlushOptions{PreserveCaches: false}
}

// ProcessFunc processes one message. A returned error counts as a
// failed message; the message is dropped and the worker continues.
type ProcessFunc func(msg interface{}) error

// MessageSink implements the queueing, worker and statistics parts of
// Sink. Concrete nodes embed it and call Init from their constructor.
type MessageSink struct {
	name        string
	maxMessages int
	numWorkers  int
	process     ProcessFunc

	mutex   sync.RWMutex
	input   chan interface{}
	running bool
	workers sync.WaitGroup

	sinkMutex sync.RWMutex
	sinks     []Sink

	pushed, processed, failed atomic.Int64
}

// NewMessageSink returns a started node that calls process for every
// message. Mostly useful for simple nodes and tests.
func NewMessageSink(name string, maxMessages, numWorkers int, process ProcessFunc) *MessageSink {
	s := new(MessageSink)
	s.Init(name, maxMessages, numWorkers, process)
	return s
}

// Init configures and starts the node. maxMessages bounds the input
// queue; numWorkers goroutines process messages concurrently.
func (s *MessageSink) Init(name string, maxMessages, numWorkers int, process ProcessFunc) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	s.name = name
	s.maxMessages = maxMessages
	s.numWorkers = numWorkers
	s.process = process
	s.start()
}

func (s *MessageSink) start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		log.Panicf("node %v restarted while still running", s.name)
	}
	s.input = make(chan interface{}, s.maxMessages)
	s.running = true
	s.workers.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(s.input)
	}
}

func (s *MessageSink) worker(input <-chan interface{}) {
	defer s.workers.Done()
	for msg := range input {
		if err := s.process(msg); err != nil {
			s.failed.Add(1)
			log.Printf("%v: %v", s.name, err)
			continue
		}
		s.processed.Add(1)
	}
}

// Name implements Sink.
func (s *MessageSink) Name() string { return s.name }

// IsRunning reports whether the node accepts messages.
func (s *MessageSink) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Push implements Sink. Pushing to a terminated node panics.
func (s *MessageSink) Push(msg interface{}) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.running {
		log.Panicf("message pushed to terminated node %v", s.name)
	}
	s.pushed.Add(1)
	s.input <- msg
}

// Terminate implements Sink. Calling it on a terminated node waits
// for the workers of the last run and returns.
func (s *MessageSink) Terminate(_ FlushOptions) {
	s.mutex.Lock()
	if s.running {
		s.running = false
		close(s.input)
	}
	s.mutex.Unlock()
	s.workers.Wait()
}

// Restart implements Sink. Restarting a running node panics.
func (s *MessageSink) Restart() {
	s.start()
}

// SampleStats implements Sink.
func (s *MessageSink) SampleStats() NamedStats {
	return NamedStats{
		"messages_pushed":    float64(s.pushed.Load()),
		"messages_processed": float64(s.processed.Load()),
		"messages_failed":    float64(s.failed.Load()),
	}
}

// AddSink implements Sink.
func (s *MessageSink) AddSink(sink Sink) {
	s.sinkMutex.Lock()
	defer s.sinkMutex.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Sinks returns the downstream nodes.
func (s *MessageSink) Sinks() []Sink {
	s.sinkMutex.RLock()
	defer s.sinkMutex.RUnlock()
	return append([]Sink(nil), s.sinks...)
}

// SendMessageToSink forwards a message to every downstream node.
// Every additional downstream node receives its own copy of an
// alignment.
func (s *MessageSink) SendMessageToSink(msg interface{}) {
	s.sinkMutex.RLock()
	sinks := s.sinks
	s.sinkMutex.RUnlock()
	for i := len(sinks) - 1; i >= 0; i-- {
		if i == 0 {
			sinks[i].Push(msg)
		} else {
			sinks[i].Push(cloneMessage(msg))
		}
	}
}

func cloneMessage(msg interface{}) interface{} {
	if aln, ok := msg.(*sam.Alignment); ok {
		return aln.Clone()
	}
	return msg
}
