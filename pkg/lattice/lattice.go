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

// Package lattice implements the persistent token/edge graph store: the
// closed world (Tokens, Edges) plus aggregate statistics that downstream
// consumers query to segment new text and compute per-token statistics.
//
// Grounded on the teacher's kvblock.Index multi-backend pattern
// (NewIndex/InMemoryIndex/RedisIndex): one interface, several
// implementations, each built by its own constructor (NewInMemoryLattice,
// OpenSQLiteLattice, OpenRedisLattice), with a cache decorator
// (NewCachedLattice) that can wrap any of them.
package lattice

import (
	"context"
	"sort"
	"time"

	"github.com/lzst/lattice/pkg/metrics"
)

// TokenRecord mirrors spec.md §3's Token entity.
type TokenRecord struct {
	ID          uint32
	Bytes       string // canonical uppercase hex, per tokencodec
	Length      int
	Occurrences uint64
	InDegree    uint32
	OutDegree   uint32
}

// EdgeRecord mirrors spec.md §3's Edge entity.
type EdgeRecord struct {
	FromID uint32
	ToID   uint32
	Weight uint64
}

// Transition is one row of RefinedTransitionsFrom: an outgoing edge plus its
// weight normalized against the sum of all of the source token's out-weights.
type Transition struct {
	ToID           uint32
	Weight         uint64
	NormalizedProb float64
}

// TokenObservation is one token's emission count within a single ingest
// batch, as accumulated by pkg/ingest.
type TokenObservation struct {
	Bytes string
	Count uint64
}

// EdgeObservation is one (predecessor, token) pair's observed count within a
// single ingest batch.
type EdgeObservation struct {
	FromBytes string
	ToBytes   string
	Count     uint64
}

// VocabSnapshot is one point of the vocabulary-size-over-time series a
// backend accumulates as it ingests, per spec.md §3's aggregate statistics.
type VocabSnapshot struct {
	At        time.Time
	VocabSize int
}

// maxVocabSnapshots bounds how much history a backend retains in memory (or,
// for SQLite/Redis, returns from Stats) — oldest snapshots are dropped first.
const maxVocabSnapshots = 64

// appendVocabSnapshot appends a snapshot taken at the current vocab size,
// capping the series at maxVocabSnapshots entries.
func appendVocabSnapshot(snapshots []VocabSnapshot, vocabSize int) []VocabSnapshot {
	snapshots = append(snapshots, VocabSnapshot{At: time.Now(), VocabSize: vocabSize})
	if len(snapshots) > maxVocabSnapshots {
		snapshots = snapshots[len(snapshots)-maxVocabSnapshots:]
	}
	return snapshots
}

// Stats is the aggregate profile returned by Lattice.Stats.
type Stats struct {
	VocabSize     int
	EdgeCount     int
	MeanDegree    float64
	MedianDegree  float64
	MaxDegree     int
	VocabOverTime []VocabSnapshot
}

// Lattice is the persistent token/edge store contract of spec.md §4.6.
// Implementations must serialize writer transactions and let readers see
// committed snapshots (spec.md §5).
type Lattice interface {
	GetEdge(ctx context.Context, from, to uint32) (EdgeRecord, bool, error)
	CountPredecessors(ctx context.Context, to uint32) (int, error)
	PrefixSearch(ctx context.Context, hexPrefix string) ([]TokenRecord, error)
	RefinedTransitionsFrom(ctx context.Context, from uint32) ([]Transition, error)
	GetTokenByBytes(ctx context.Context, hexBytes string) (TokenRecord, bool, error)
	GetTokenByID(ctx context.Context, id uint32) (TokenRecord, bool, error)

	// BatchIngest performs a single transaction: inserts any unseen tokens,
	// upserts edge weights (weight += observed count), and updates
	// occurrences. It does not recompute degrees; call UpdateTokenDegrees
	// afterward.
	BatchIngest(ctx context.Context, tokens []TokenObservation, edges []EdgeObservation) error
	// UpdateTokenDegrees recomputes every token's in/out-degree from the
	// edge table. Idempotent.
	UpdateTokenDegrees(ctx context.Context) error

	Stats(ctx context.Context) (Stats, error)
	ClearCaches()
	Close() error
}

// computeStats derives the aggregate profile from degree slices, shared by
// every backend so the median/mean definitions never drift between them. It
// also reports the current vocab/edge counts to the package-level Prometheus
// gauges, since Stats is the one call site every backend routes through.
func computeStats(vocabSize, edgeCount int, degrees []int) Stats {
	metrics.LatticeVocabSize.Set(float64(vocabSize))
	metrics.LatticeEdgeCount.Set(float64(edgeCount))

	if len(degrees) == 0 {
		return Stats{VocabSize: vocabSize, EdgeCount: edgeCount}
	}

	sorted := append([]int(nil), degrees...)
	sort.Ints(sorted)

	var sum int
	max := sorted[0]
	for _, d := range sorted {
		sum += d
		if d > max {
			max = d
		}
	}

	mean := float64(sum) / float64(len(sorted))

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = float64(sorted[mid-1]+sorted[mid]) / 2
	} else {
		median = float64(sorted[mid])
	}

	return Stats{
		VocabSize:    vocabSize,
		EdgeCount:    edgeCount,
		MeanDegree:   mean,
		MedianDegree: median,
		MaxDegree:    max,
	}
}
