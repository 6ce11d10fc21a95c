// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func singlePieceHash(piece []byte) []byte {
	h := sha1.Sum(piece)
	return h[:]
}

func TestInfoSingleFilePieceLengthAt(t *testing.T) {
	require := require.New(t)

	zeros := make([]byte, 16384)
	info := Info{
		PieceLength: 16384,
		Pieces:      singlePieceHash(zeros),
		Name:        "a",
		Length:      16384,
	}
	require.NoError(info.Validate())
	require.Equal(1, info.NumPieces())
	require.Equal(int64(16384), info.PieceLengthAt(0))
}

func TestInfoMultiFileStraddle(t *testing.T) {
	require := require.New(t)

	info := Info{
		PieceLength: 16384,
		Pieces:      make([]byte, 2*PieceHashSize),
		Name:        "multi",
		Files: []FileInfo{
			{Length: 10000, Path: []string{"a"}},
			{Length: 10000, Path: []string{"b"}},
		},
	}
	require.True(info.IsDir())
	require.Equal(int64(20000), info.TotalLength())
	require.Equal(2, info.NumPieces())
	require.Equal(int64(16384), info.PieceLengthAt(0))
	require.Equal(int64(20000-16384), info.PieceLengthAt(1))
}

func TestInfoValidateRejectsBadPieceLength(t *testing.T) {
	info := Info{
		PieceLength: 0,
		Pieces:      make([]byte, PieceHashSize),
		Name:        "bad",
		Length:      16384,
	}
	require.Error(t, info.Validate())
}

func TestInfoValidateRejectsMismatchedPieceCount(t *testing.T) {
	info := Info{
		PieceLength: 16384,
		Pieces:      make([]byte, PieceHashSize), // only 1 hash, but 2 pieces worth of data
		Name:        "bad",
		Length:      20000,
	}
	require.Error(t, info.Validate())
}

func TestInfoComputeInfoHashDeterministic(t *testing.T) {
	require := require.New(t)

	info := Info{
		PieceLength: 16384,
		Pieces:      make([]byte, PieceHashSize),
		Name:        "a",
		Length:      16384,
	}
	h1, err := info.ComputeInfoHash()
	require.NoError(err)
	h2, err := info.ComputeInfoHash()
	require.NoError(err)
	require.Equal(h1, h2)
}
