/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lattice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzst/lattice/pkg/lattice"
)

func TestCachedLattice_InvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	backing := lattice.NewInMemoryLattice()
	cached, err := lattice.NewCachedLattice(backing, 16)
	require.NoError(t, err)

	require.NoError(t, cached.BatchIngest(ctx, []lattice.TokenObservation{{Bytes: "41", Count: 1}}, nil))

	tok, ok, err := cached.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, tok.Occurrences)

	// A second ingest bumps occurrences; the cached read must reflect it,
	// not the stale value from before the write.
	require.NoError(t, cached.BatchIngest(ctx, []lattice.TokenObservation{{Bytes: "41", Count: 4}}, nil))

	tok2, ok, err := cached.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, tok2.Occurrences)
}
