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

// ingestScenario runs spec.md §8's ingest scenario against any Lattice
// implementation: feed S1's emissions [A, B, AB] and expect tokens
// {A,B,AB}, edges {(A,B,1),(B,AB,1)}, and after UpdateTokenDegrees:
// out_degree(A)=1, in_degree(B)=1, out_degree(B)=1, in_degree(AB)=1.
func ingestScenario(t *testing.T, l lattice.Lattice) {
	t.Helper()
	ctx := context.Background()

	tokens := []lattice.TokenObservation{
		{Bytes: "41", Count: 1},   // "A"
		{Bytes: "42", Count: 1},   // "B"
		{Bytes: "4142", Count: 1}, // "AB"
	}
	edges := []lattice.EdgeObservation{
		{FromBytes: "41", ToBytes: "42", Count: 1},   // A -> B
		{FromBytes: "42", ToBytes: "4142", Count: 1}, // B -> AB
	}

	require.NoError(t, l.BatchIngest(ctx, tokens, edges))
	require.NoError(t, l.UpdateTokenDegrees(ctx))

	a, ok, err := l.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := l.GetTokenByBytes(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	ab, ok, err := l.GetTokenByBytes(ctx, "4142")
	require.NoError(t, err)
	require.True(t, ok)

	assert.EqualValues(t, 1, a.OutDegree)
	assert.EqualValues(t, 1, b.InDegree)
	assert.EqualValues(t, 1, b.OutDegree)
	assert.EqualValues(t, 1, ab.InDegree)

	edge, ok, err := l.GetEdge(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, edge.Weight)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VocabSize)
	assert.Equal(t, 2, stats.EdgeCount)
}

func TestInMemoryLattice_IngestScenario(t *testing.T) {
	ingestScenario(t, lattice.NewInMemoryLattice())
}

func TestInMemoryLattice_PrefixSearch(t *testing.T) {
	ctx := context.Background()
	l := lattice.NewInMemoryLattice()

	require.NoError(t, l.BatchIngest(ctx, []lattice.TokenObservation{
		{Bytes: "41", Count: 1},
		{Bytes: "4142", Count: 1},
		{Bytes: "42", Count: 1},
	}, nil))

	results, err := l.PrefixSearch(ctx, "41")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "41", results[0].Bytes)
	assert.Equal(t, "4142", results[1].Bytes)
}

func TestInMemoryLattice_UpdateTokenDegreesIdempotent(t *testing.T) {
	ctx := context.Background()
	l := lattice.NewInMemoryLattice()
	require.NoError(t, l.BatchIngest(ctx, nil, []lattice.EdgeObservation{
		{FromBytes: "41", ToBytes: "42", Count: 3},
	}))

	require.NoError(t, l.UpdateTokenDegrees(ctx))
	a1, _, _ := l.GetTokenByBytes(ctx, "41")
	require.NoError(t, l.UpdateTokenDegrees(ctx))
	a2, _, _ := l.GetTokenByBytes(ctx, "41")

	assert.Equal(t, a1, a2)
}

func TestInMemoryLattice_RefinedTransitionsNormalizes(t *testing.T) {
	ctx := context.Background()
	l := lattice.NewInMemoryLattice()
	require.NoError(t, l.BatchIngest(ctx, nil, []lattice.EdgeObservation{
		{FromBytes: "41", ToBytes: "42", Count: 3},
		{FromBytes: "41", ToBytes: "43", Count: 1},
	}))

	a, _, err := l.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)

	rows, err := l.RefinedTransitionsFrom(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var total float64
	for _, r := range rows {
		total += r.NormalizedProb
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}
