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

package sequencerpool

import (
	"context"

	"github.com/lzst/lattice/pkg/lattice"
	"github.com/lzst/lattice/pkg/sequencer"
	"github.com/lzst/lattice/pkg/tokencodec"
)

// LatticeChildDegree adapts lat into a sequencer.ChildDegreeFunc: the
// distinct-successor count of the token named by tokenBytes, read as its
// current OutDegree (kept current by Lattice.UpdateTokenDegrees, which the
// ingest Batcher calls after every flush). Looked up against
// context.Background() since ChildDegreeFunc carries no context of its
// own — hosts that need the lookup bounded should wrap lat in
// lattice.CachedLattice so this stays a fast, mostly in-memory read.
func LatticeChildDegree(lat lattice.Lattice) sequencer.ChildDegreeFunc {
	return func(tokenBytes []byte) int {
		rec, ok, err := lat.GetTokenByBytes(context.Background(), tokencodec.EncodeRawBytes(tokenBytes))
		if err != nil || !ok {
			return 0
		}
		return int(rec.OutDegree)
	}
}

// LatticeTransitionStats adapts lat into a sequencer.TransitionStatsFunc:
// the observed weight of the (from, to) edge and the total out-weight of
// from, both read from RefinedTransitionsFrom so the normalization matches
// what any other reader computing transition probabilities over the same
// lattice would see.
func LatticeTransitionStats(lat lattice.Lattice) sequencer.TransitionStatsFunc {
	return func(fromBytes, toBytes []byte) (observedCount, totalOutWeight uint64) {
		ctx := context.Background()

		fromTok, ok, err := lat.GetTokenByBytes(ctx, tokencodec.EncodeRawBytes(fromBytes))
		if err != nil || !ok {
			return 0, 0
		}
		toTok, ok, err := lat.GetTokenByBytes(ctx, tokencodec.EncodeRawBytes(toBytes))
		if err != nil || !ok {
			return 0, 0
		}

		transitions, err := lat.RefinedTransitionsFrom(ctx, fromTok.ID)
		if err != nil {
			return 0, 0
		}
		for _, tr := range transitions {
			totalOutWeight += tr.Weight
			if tr.ToID == toTok.ID {
				observedCount = tr.Weight
			}
		}
		return observedCount, totalOutWeight
	}
}
