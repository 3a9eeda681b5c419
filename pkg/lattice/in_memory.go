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

package lattice

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryLattice is a map-backed Lattice: a dependency-free default for
// tests and small sessions, grounded on kvblock.InMemoryIndex's LRU-backed
// design but unbounded (the token vocabulary, unlike pod locality, is the
// thing we're trying to retain, not evict).
type InMemoryLattice struct {
	mu sync.Mutex

	tokensByBytes  map[string]uint32 // hex bytes -> id
	tokensByID     map[uint32]*TokenRecord
	edges          map[edgeKey]*EdgeRecord
	outEdges       map[uint32][]uint32 // from id -> [to ids], for RefinedTransitionsFrom
	nextID         uint32
	vocabSnapshots []VocabSnapshot
}

type edgeKey struct {
	from, to uint32
}

// NewInMemoryLattice constructs an empty InMemoryLattice.
func NewInMemoryLattice() *InMemoryLattice {
	return &InMemoryLattice{
		tokensByBytes: make(map[string]uint32),
		tokensByID:    make(map[uint32]*TokenRecord),
		edges:         make(map[edgeKey]*EdgeRecord),
		outEdges:      make(map[uint32][]uint32),
		nextID:        1,
	}
}

var _ Lattice = (*InMemoryLattice)(nil)

func (l *InMemoryLattice) getOrCreateToken(bytesHex string) *TokenRecord {
	if id, ok := l.tokensByBytes[bytesHex]; ok {
		return l.tokensByID[id]
	}

	id := l.nextID
	l.nextID++
	tok := &TokenRecord{
		ID:     id,
		Bytes:  bytesHex,
		Length: len(bytesHex) / 2,
	}
	l.tokensByBytes[bytesHex] = id
	l.tokensByID[id] = tok
	return tok
}

// BatchIngest inserts any unseen tokens, upserts edge weights, and updates
// occurrences, all under a single lock acquisition (this backend's stand-in
// for a transaction).
func (l *InMemoryLattice) BatchIngest(_ context.Context, tokens []TokenObservation, edges []EdgeObservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, obs := range tokens {
		tok := l.getOrCreateToken(obs.Bytes)
		tok.Occurrences += obs.Count
	}

	for _, obs := range edges {
		fromTok := l.getOrCreateToken(obs.FromBytes)
		toTok := l.getOrCreateToken(obs.ToBytes)

		key := edgeKey{from: fromTok.ID, to: toTok.ID}
		e, ok := l.edges[key]
		if !ok {
			e = &EdgeRecord{FromID: fromTok.ID, ToID: toTok.ID}
			l.edges[key] = e
			l.outEdges[fromTok.ID] = append(l.outEdges[fromTok.ID], toTok.ID)
		}
		e.Weight += obs.Count
	}

	l.vocabSnapshots = appendVocabSnapshot(l.vocabSnapshots, len(l.tokensByID))

	return nil
}

// UpdateTokenDegrees recomputes in/out-degree for every token from the
// current edge set. Idempotent: re-running it without intervening writes
// yields identical degrees.
func (l *InMemoryLattice) UpdateTokenDegrees(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	outDistinct := make(map[uint32]map[uint32]struct{})
	inDistinct := make(map[uint32]map[uint32]struct{})

	for key := range l.edges {
		if outDistinct[key.from] == nil {
			outDistinct[key.from] = make(map[uint32]struct{})
		}
		outDistinct[key.from][key.to] = struct{}{}

		if inDistinct[key.to] == nil {
			inDistinct[key.to] = make(map[uint32]struct{})
		}
		inDistinct[key.to][key.from] = struct{}{}
	}

	for id, tok := range l.tokensByID {
		tok.OutDegree = uint32(len(outDistinct[id]))
		tok.InDegree = uint32(len(inDistinct[id]))
	}

	return nil
}

func (l *InMemoryLattice) GetEdge(_ context.Context, from, to uint32) (EdgeRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.edges[edgeKey{from: from, to: to}]
	if !ok {
		return EdgeRecord{}, false, nil
	}
	return *e, true, nil
}

func (l *InMemoryLattice) CountPredecessors(_ context.Context, to uint32) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[uint32]struct{})
	for key := range l.edges {
		if key.to == to {
			seen[key.from] = struct{}{}
		}
	}
	return len(seen), nil
}

func (l *InMemoryLattice) PrefixSearch(_ context.Context, hexPrefix string) ([]TokenRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := strings.ToUpper(hexPrefix)
	var out []TokenRecord
	for bytesHex, id := range l.tokensByBytes {
		if strings.HasPrefix(bytesHex, prefix) {
			out = append(out, *l.tokensByID[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes < out[j].Bytes })
	return out, nil
}

func (l *InMemoryLattice) RefinedTransitionsFrom(_ context.Context, from uint32) ([]Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var totalOut uint64
	var rows []*EdgeRecord
	for _, to := range l.outEdges[from] {
		e := l.edges[edgeKey{from: from, to: to}]
		rows = append(rows, e)
		totalOut += e.Weight
	}

	out := make([]Transition, 0, len(rows))
	for _, e := range rows {
		var prob float64
		if totalOut > 0 {
			prob = float64(e.Weight) / float64(totalOut)
		}
		out = append(out, Transition{ToID: e.ToID, Weight: e.Weight, NormalizedProb: prob})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToID < out[j].ToID })
	return out, nil
}

func (l *InMemoryLattice) GetTokenByBytes(_ context.Context, hexBytes string) (TokenRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.tokensByBytes[strings.ToUpper(hexBytes)]
	if !ok {
		return TokenRecord{}, false, nil
	}
	return *l.tokensByID[id], true, nil
}

func (l *InMemoryLattice) GetTokenByID(_ context.Context, id uint32) (TokenRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok, ok := l.tokensByID[id]
	if !ok {
		return TokenRecord{}, false, nil
	}
	return *tok, true, nil
}

func (l *InMemoryLattice) Stats(_ context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	degrees := make([]int, 0, len(l.tokensByID))
	for _, tok := range l.tokensByID {
		degrees = append(degrees, int(tok.InDegree)+int(tok.OutDegree))
	}
	stats := computeStats(len(l.tokensByID), len(l.edges), degrees)
	stats.VocabOverTime = append([]VocabSnapshot(nil), l.vocabSnapshots...)
	return stats, nil
}

func (l *InMemoryLattice) ClearCaches() {
	// No read cache of its own; the LRU decorator (pkg/lattice/cache.go) is
	// what actually needs invalidating, and it wraps this backend rather
	// than living inside it.
}

func (l *InMemoryLattice) Close() error {
	return nil
}
