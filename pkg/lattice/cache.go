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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedLattice decorates any Lattice with an LRU over its two hottest
// reads (GetTokenByBytes, RefinedTransitionsFrom), invalidated on every
// write — spec.md §4.6's "internal caches … must be consistent with
// writes". Grounded on kvblock's wrapper-around-an-Index pattern
// (InstrumentedIndex), reused here as a cache decorator instead of a
// metrics decorator.
type CachedLattice struct {
	Lattice
	tokenCache       *lru.Cache[string, TokenRecord]
	transitionsCache *lru.Cache[uint32, []Transition]
}

// NewCachedLattice wraps backing with an LRU read cache of the given
// per-query capacity.
func NewCachedLattice(backing Lattice, capacity int) (*CachedLattice, error) {
	tokenCache, err := lru.New[string, TokenRecord](capacity)
	if err != nil {
		return nil, fmt.Errorf("lattice: failed to construct token read cache: %w", err)
	}
	transitionsCache, err := lru.New[uint32, []Transition](capacity)
	if err != nil {
		return nil, fmt.Errorf("lattice: failed to construct transitions read cache: %w", err)
	}

	return &CachedLattice{
		Lattice:          backing,
		tokenCache:       tokenCache,
		transitionsCache: transitionsCache,
	}, nil
}

func (c *CachedLattice) GetTokenByBytes(ctx context.Context, hexBytes string) (TokenRecord, bool, error) {
	if tok, ok := c.tokenCache.Get(hexBytes); ok {
		return tok, true, nil
	}

	tok, ok, err := c.Lattice.GetTokenByBytes(ctx, hexBytes)
	if err != nil || !ok {
		return tok, ok, err
	}
	c.tokenCache.Add(hexBytes, tok)
	return tok, true, nil
}

func (c *CachedLattice) RefinedTransitionsFrom(ctx context.Context, from uint32) ([]Transition, error) {
	if rows, ok := c.transitionsCache.Get(from); ok {
		return rows, nil
	}

	rows, err := c.Lattice.RefinedTransitionsFrom(ctx, from)
	if err != nil {
		return nil, err
	}
	c.transitionsCache.Add(from, rows)
	return rows, nil
}

// BatchIngest delegates to the backing lattice, then drops every cached
// entry: a batch can touch an unbounded set of tokens/edges, so a precise
// per-key invalidation would cost as much as the write itself.
func (c *CachedLattice) BatchIngest(ctx context.Context, tokens []TokenObservation, edges []EdgeObservation) error {
	if err := c.Lattice.BatchIngest(ctx, tokens, edges); err != nil {
		return err
	}
	c.ClearCaches()
	return nil
}

// UpdateTokenDegrees delegates then invalidates, since it mutates every
// token's in/out-degree.
func (c *CachedLattice) UpdateTokenDegrees(ctx context.Context) error {
	if err := c.Lattice.UpdateTokenDegrees(ctx); err != nil {
		return err
	}
	c.ClearCaches()
	return nil
}

func (c *CachedLattice) ClearCaches() {
	c.tokenCache.Purge()
	c.transitionsCache.Purge()
	c.Lattice.ClearCaches()
}
