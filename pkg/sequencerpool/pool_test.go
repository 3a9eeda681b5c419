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

package sequencerpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzst/lattice/pkg/config"
	"github.com/lzst/lattice/pkg/ingest"
	"github.com/lzst/lattice/pkg/lattice"
	"github.com/lzst/lattice/pkg/sequencer"
	"github.com/lzst/lattice/pkg/sequencerpool"
	"github.com/lzst/lattice/pkg/tokencodec"
)

// newPlainSequencer builds a Sequencer with no ChildDegree/TransitionStats
// wired (nil — the lattice is written to only through the Batcher, never
// read back mid-session, per spec.md §9's decoupling rule).
func newPlainSequencer(t *testing.T) *sequencer.Sequencer {
	t.Helper()
	seq, err := sequencer.New(sequencer.Options{Config: config.DefaultConfig()})
	require.NoError(t, err)
	return seq
}

func symbolChannel(input string) <-chan uint32 {
	ch := make(chan uint32, len(input))
	for i := 0; i < len(input); i++ {
		ch <- uint32(input[i])
	}
	close(ch)
	return ch
}

// TestPool_TwoIndependentSessionsShareOneLattice runs two sessions with
// distinct input strings through the same shared lattice, concurrently, and
// checks the union of their vocabulary lands in the lattice — the pool's
// job is fan-out and shared-store serialization, not altering per-session
// sequencer semantics (spec.md §5).
func TestPool_TwoIndependentSessionsShareOneLattice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lat := lattice.NewInMemoryLattice()

	sessions := []*sequencerpool.Session{
		{
			ID:        "s1",
			Symbols:   symbolChannel("ABABAB"),
			Sequencer: newPlainSequencer(t),
			Batcher:   ingest.New(ingest.Options{BatchSize: 2, Lattice: lat}),
		},
		{
			ID:        "s2",
			Symbols:   symbolChannel("CDCDCD"),
			Sequencer: newPlainSequencer(t),
			Batcher:   ingest.New(ingest.Options{BatchSize: 2, Lattice: lat}),
		},
	}

	p := sequencerpool.New(2, 1)
	require.NoError(t, p.Run(ctx, sessions))

	for _, tok := range []string{"A", "B", "C", "D"} {
		hex := tokencodec.EncodeRawBytes([]byte(tok))
		rec, ok, err := lat.GetTokenByBytes(ctx, hex)
		require.NoError(t, err)
		require.Truef(t, ok, "expected token %q in shared lattice", tok)
		assert.Greater(t, rec.Occurrences, uint64(0))
	}
}

// TestPool_EmptySessionCompletesImmediately exercises the zero-symbol
// boundary: a session whose channel is closed before any symbol arrives
// still runs to completion and flushes a (trivially empty) batch.
func TestPool_EmptySessionCompletesImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lat := lattice.NewInMemoryLattice()
	ch := make(chan uint32)
	close(ch)

	sessions := []*sequencerpool.Session{
		{
			ID:        "empty",
			Symbols:   ch,
			Sequencer: newPlainSequencer(t),
			Batcher:   ingest.New(ingest.Options{BatchSize: 10, Lattice: lat}),
		},
	}

	p := sequencerpool.New(1, 1)
	assert.NoError(t, p.Run(ctx, sessions))
}

// TestPool_CancelledContextStopsSessions checks that an already-cancelled
// context prevents sessions from consuming symbols at all, rather than
// hanging.
func TestPool_CancelledContextStopsSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lat := lattice.NewInMemoryLattice()
	sessions := []*sequencerpool.Session{
		{
			ID:        "s1",
			Symbols:   symbolChannel("ABABAB"),
			Sequencer: newPlainSequencer(t),
			Batcher:   ingest.New(ingest.Options{BatchSize: 2, Lattice: lat}),
		},
	}

	p := sequencerpool.New(1, 1)
	err := p.Run(ctx, sessions)
	assert.Error(t, err)
}
