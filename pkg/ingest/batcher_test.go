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

package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzst/lattice/pkg/ingest"
	"github.com/lzst/lattice/pkg/lattice"
	"github.com/lzst/lattice/pkg/lzerrors"
)

// TestIngestScenario feeds S1's emissions [A, B, AB] (spec.md §8's ingest
// scenario) through a Batcher with a batch size large enough that nothing
// flushes until Close, then checks the resulting lattice state.
func TestIngestScenario(t *testing.T) {
	ctx := context.Background()
	lat := lattice.NewInMemoryLattice()
	b := ingest.New(ingest.Options{BatchSize: 50, Lattice: lat})
	require.NoError(t, b.Init())

	for _, tok := range []string{"A", "B", "AB"} {
		require.NoError(t, b.Buffer(ctx, []byte(tok)))
	}
	require.NoError(t, b.Close(ctx))

	a, ok, err := lat.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	bTok, ok, err := lat.GetTokenByBytes(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	ab, ok, err := lat.GetTokenByBytes(ctx, "4142")
	require.NoError(t, err)
	require.True(t, ok)

	assert.EqualValues(t, 1, a.Occurrences)
	assert.EqualValues(t, 1, bTok.Occurrences)
	assert.EqualValues(t, 1, ab.Occurrences)

	assert.EqualValues(t, 1, a.OutDegree)
	assert.EqualValues(t, 1, bTok.InDegree)
	assert.EqualValues(t, 1, bTok.OutDegree)
	assert.EqualValues(t, 1, ab.InDegree)

	edgeAB, ok, err := lat.GetEdge(ctx, a.ID, bTok.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, edgeAB.Weight)

	edgeBAB, ok, err := lat.GetEdge(ctx, bTok.ID, ab.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, edgeBAB.Weight)
}

func TestBuffer_BeforeInit_ReturnsIngestNotInitialized(t *testing.T) {
	lat := lattice.NewInMemoryLattice()
	b := ingest.New(ingest.Options{BatchSize: 10, Lattice: lat})

	err := b.Buffer(context.Background(), []byte("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lzerrors.ErrIngestNotInitialized)
}

func TestBuffer_AfterClose_ReturnsIngestNotInitialized(t *testing.T) {
	ctx := context.Background()
	lat := lattice.NewInMemoryLattice()
	b := ingest.New(ingest.Options{BatchSize: 10, Lattice: lat})
	require.NoError(t, b.Init())
	require.NoError(t, b.Close(ctx))

	err := b.Buffer(ctx, []byte("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lzerrors.ErrIngestNotInitialized)
}

// Buffer auto-flushes once batch_size is reached, without an explicit
// Flush/Close call.
func TestBuffer_AutoFlushesAtBatchSize(t *testing.T) {
	ctx := context.Background()
	lat := lattice.NewInMemoryLattice()
	b := ingest.New(ingest.Options{BatchSize: 2, Lattice: lat})
	require.NoError(t, b.Init())

	require.NoError(t, b.Buffer(ctx, []byte("A")))
	require.NoError(t, b.Buffer(ctx, []byte("B"))) // reaches batch size 2, auto-flushes

	tok, ok, err := lat.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, tok.Occurrences)
}

// Repeated tokens across multiple Buffer calls accumulate occurrences.
func TestBuffer_AccumulatesOccurrences(t *testing.T) {
	ctx := context.Background()
	lat := lattice.NewInMemoryLattice()
	b := ingest.New(ingest.Options{BatchSize: 100, Lattice: lat})
	require.NoError(t, b.Init())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Buffer(ctx, []byte("A")))
	}
	require.NoError(t, b.Close(ctx))

	tok, ok, err := lat.GetTokenByBytes(ctx, "41")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, tok.Occurrences)
}
