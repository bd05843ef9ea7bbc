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

package bgzf

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([]byte, 5*maxBlockDataSize+123)
	for i := range data {
		data[i] = "ACGT\n"[rng.Intn(5)]
	}

	for _, level := range []int{BestSpeed, DefaultCompression, BestCompression} {
		var out bytes.Buffer
		writer := NewWriter(&out, level, 4)
		// uneven writes cross block boundaries
		for rest := data; len(rest) > 0; {
			n := min(len(rest), 1+rng.Intn(20000))
			written, err := writer.Write(rest[:n])
			require.NoError(t, err)
			require.Equal(t, n, written)
			rest = rest[n:]
		}
		require.NoError(t, writer.Close())
		require.NoError(t, writer.Close())
		assert.True(t, bytes.HasSuffix(out.Bytes(), EOF))

		_, err := writer.Write([]byte("late"))
		assert.Error(t, err)

		reader := bufio.NewReader(bytes.NewReader(out.Bytes()))
		isGzip, err := IsGzip(reader)
		require.NoError(t, err)
		assert.True(t, isGzip)
		gz, err := NewReader(reader)
		require.NoError(t, err)
		result, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, data, result)
	}
}

func TestEmptyWriter(t *testing.T) {
	var out bytes.Buffer
	writer := NewWriter(&out, DefaultCompression, 1)
	require.NoError(t, writer.Close())
	assert.Equal(t, EOF, out.Bytes())
}

func TestIsGzip(t *testing.T) {
	reader := bufio.NewReader(bytes.NewReader([]byte("@HD")))
	isGzip, err := IsGzip(reader)
	require.NoError(t, err)
	assert.False(t, isGzip)
	b, err := reader.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('@'), b)
}
