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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exascience/readpipe/alignment"
)

// Config is the content of a --config YAML file. Settings given on the
// command line take precedence over the file.
type Config struct {
	Reference   string        `yaml:"reference"`
	SampleSheet string        `yaml:"sample-sheet"`
	NrOfThreads int           `yaml:"nr-of-threads"`
	MetricsAddr string        `yaml:"metrics-addr"`
	LogPath     string        `yaml:"log-path"`
	Index       IndexConfig   `yaml:"index"`
	Mapping     MappingConfig `yaml:"mapping"`
	Output      OutputConfig  `yaml:"output"`
	Filter      FilterConfig  `yaml:"filter"`
}

// IndexConfig holds the index options.
type IndexConfig struct {
	KmerSize   *int   `yaml:"kmer-size"`
	WindowSize *int   `yaml:"window-size"`
	BatchSize  *int64 `yaml:"batch-size"`
}

// MappingConfig holds the mapping options.
type MappingConfig struct {
	BestN          *int  `yaml:"best-n"`
	Bandwidth      *int  `yaml:"bandwidth"`
	BandwidthLong  *int  `yaml:"bandwidth-long"`
	SoftClipping   *bool `yaml:"soft-clipping"`
	PrintSecondary *bool `yaml:"print-secondary"`
	MinSeedHits    *int  `yaml:"min-seed-hits"`
}

// OutputConfig holds the output settings.
type OutputConfig struct {
	EmitFastq *bool `yaml:"emit-fastq"`
	SortBam   *bool `yaml:"sort-bam"`
}

// FilterConfig holds the read filter settings.
type FilterConfig struct {
	MinQScore *float64 `yaml:"min-qscore"`
	MinLength *int     `yaml:"min-length"`
}

// LoadConfig reads a YAML configuration file. Unknown keys are errors.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %v: %w", path, err)
	}
	return &cfg, nil
}

// demuxSettings are the effective settings of the demux command.
type demuxSettings struct {
	reference, sampleSheet, metricsAddr, logPath string
	nrOfThreads                                  int
	options                                      alignment.Options
	emitFastq, sortBam                           bool
	minQScore                                    float64
	minLength                                    int
	commandLine                                  string
	showProgress                                 bool
}

func defaultDemuxSettings() demuxSettings {
	return demuxSettings{options: alignment.DefaultOptions()}
}

// apply copies the settings of the configuration file, except for
// those in explicit, which were set on the command line.
func (cfg *Config) apply(settings *demuxSettings, explicit map[string]bool) {
	setString := func(flag string, dst *string, value string) {
		if !explicit[flag] && value != "" {
			*dst = value
		}
	}
	setInt := func(flag string, dst *int, value *int) {
		if !explicit[flag] && value != nil {
			*dst = *value
		}
	}
	setBool := func(flag string, dst *bool, value *bool) {
		if !explicit[flag] && value != nil {
			*dst = *value
		}
	}
	setString("reference", &settings.reference, cfg.Reference)
	setString("sample-sheet", &settings.sampleSheet, cfg.SampleSheet)
	setString("metrics-addr", &settings.metricsAddr, cfg.MetricsAddr)
	setString("log-path", &settings.logPath, cfg.LogPath)
	if !explicit["nr-of-threads"] && cfg.NrOfThreads != 0 {
		settings.nrOfThreads = cfg.NrOfThreads
	}
	setInt("kmer-size", &settings.options.KmerSize, cfg.Index.KmerSize)
	setInt("window-size", &settings.options.WindowSize, cfg.Index.WindowSize)
	if !explicit["index-batch-size"] && cfg.Index.BatchSize != nil {
		settings.options.IndexBatchSize = *cfg.Index.BatchSize
	}
	setInt("best-n", &settings.options.BestNSecondary, cfg.Mapping.BestN)
	setInt("bandwidth", &settings.options.Bandwidth, cfg.Mapping.Bandwidth)
	setInt("bandwidth-long", &settings.options.BandwidthLong, cfg.Mapping.BandwidthLong)
	setBool("soft-clipping", &settings.options.SoftClipping, cfg.Mapping.SoftClipping)
	setBool("print-secondary", &settings.options.PrintSecondary, cfg.Mapping.PrintSecondary)
	setInt("min-seed-hits", &settings.options.MinSeedHits, cfg.Mapping.MinSeedHits)
	setBool("emit-fastq", &settings.emitFastq, cfg.Output.EmitFastq)
	setBool("sort-bam", &settings.sortBam, cfg.Output.SortBam)
	if !explicit["min-qscore"] && cfg.Filter.MinQScore != nil {
		settings.minQScore = *cfg.Filter.MinQScore
	}
	setInt("min-length", &settings.minLength, cfg.Filter.MinLength)
}
