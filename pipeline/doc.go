// Package pipeline connects processing nodes for sequencing reads into
// a directed graph with one source node.
//
// Every node owns a bounded input queue and one or more worker
// goroutines. Nodes push reads, as *sam.Alignment messages, to the
// nodes downstream of them. A full queue blocks the pushing node, so
// a slow node slows down everything upstream of it instead of
// buffering without bound.
//
// Terminating a pipeline drains it: the source node is terminated
// first, and every other node only after all nodes upstream of it
// have finished processing. A terminated pipeline can be restarted
// and reused.
package pipeline
