// Package sam is a library for parsing, representing and writing
// sequencing reads in the SAM, BAM and FASTQ formats.
//
// SAM input is parsed in batches through a pargo pipeline, so that
// parsing scales with the number of available cores. Output goes
// through HtsFile, which writes BAM files with a parallel BGZF
// compressor and can sort them by coordinate and index them once all
// reads have been written. You can check the documentation at
// https://godoc.org/github.com/ExaScience/pargo/pipeline for details
// of pargo pipelines if necessary.
package sam
