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
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports pipeline statistics to Prometheus.
type StatsCollector struct {
	pipeline *Pipeline
	nodeStat *prometheus.Desc
}

// NewStatsCollector returns a collector that samples every node of p
// on each scrape.
func NewStatsCollector(p *Pipeline) *StatsCollector {
	return &StatsCollector{
		pipeline: p,
		nodeStat: prometheus.NewDesc(
			"readpipe_node_stat",
			"Statistic sampled from a pipeline node",
			[]string{"node", "stat"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (sc *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.nodeStat
}

// Collect implements prometheus.Collector.
func (sc *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	sc.pipeline.forEachNode(func(name string, stats NamedStats) {
		for stat, value := range stats {
			ch <- prometheus.MustNewConstMetric(
				sc.nodeStat,
				prometheus.GaugeValue,
				value,
				name, stat,
			)
		}
	})
}
