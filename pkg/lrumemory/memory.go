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

// Package lrumemory implements the sequencer's bounded "have I seen this
// candidate?" set, keyed by 32-bit rolling-hash fingerprints.
//
// Only presence matters — the stored value is a unit marker. Capacity
// bounds the working-set of the vocabulary the sequencer is tracking:
// fingerprints evicted under pressure are simply re-learned as if new.
package lrumemory

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/lzst/lattice/pkg/lzerrors"
)

// Strategy selects the eviction/admission discipline backing a Memory.
type Strategy string

const (
	// StrategyLRU is a plain count-bounded LRU (github.com/hashicorp/golang-lru/v2),
	// the default.
	StrategyLRU Strategy = "lru"
	// StrategyCostAware is a size-bounded admission-policy cache
	// (github.com/dgraph-io/ristretto/v2), for hosts that want the memory
	// bounded by estimated byte cost rather than raw entry count.
	StrategyCostAware Strategy = "cost-aware"
)

// Memory is a bounded associative set of fingerprints.
type Memory interface {
	// Has reports whether k is present, touching it as recently used.
	Has(k uint32) bool
	// Set inserts or promotes k, evicting the least-recently-used entry
	// when full.
	Set(k uint32)
	// Clear drops all entries.
	Clear()
	// Len reports the current number of entries.
	Len() int
}

// New constructs a Memory backed by strategy with the given entry-count
// capacity. Capacity zero is a construction error (MemoryExhausted per the
// error taxonomy): a zero-capacity memory can never retain a fingerprint, so
// the sequencer built on it could never progress past emitting every symbol
// as a singleton.
func New(strategy Strategy, capacity int) (Memory, error) {
	return NewWithByteBudget(strategy, capacity, "")
}

// NewWithByteBudget is New, plus an optional human-readable byte budget
// (e.g. "64MiB") consulted only for StrategyCostAware, parsed with
// go-humanize the same way the teacher's CostAwareMemoryIndexConfig.Size
// is parsed. An empty byteBudget falls back to the uniform per-entry cost
// newCostAwareMemory already uses.
func NewWithByteBudget(strategy Strategy, capacity int, byteBudget string) (Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("lrumemory: capacity %d: %w", capacity, lzerrors.ErrMemoryExhausted)
	}

	switch strategy {
	case "", StrategyLRU:
		return newLRUMemory(capacity)
	case StrategyCostAware:
		if byteBudget == "" {
			return newCostAwareMemory(capacity)
		}
		sizeBytes, err := humanize.ParseBytes(byteBudget)
		if err != nil {
			return nil, fmt.Errorf("lrumemory: parse byte budget %q: %w", byteBudget, err)
		}
		klog.FromContext(context.Background()).V(2).Info("lrumemory: cost-aware memory byte budget", "budget", humanize.Bytes(sizeBytes))
		return newCostAwareMemoryWithMaxCost(int64(sizeBytes))
	default:
		return nil, fmt.Errorf("lrumemory: unknown strategy %q", strategy)
	}
}

type lruMemory struct {
	cache *lru.Cache[uint32, struct{}]
	cap   int
}

func newLRUMemory(capacity int) (Memory, error) {
	cache, err := lru.New[uint32, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("lrumemory: failed to construct LRU cache: %w", err)
	}
	return &lruMemory{cache: cache, cap: capacity}, nil
}

func (m *lruMemory) Has(k uint32) bool {
	_, ok := m.cache.Get(k)
	return ok
}

func (m *lruMemory) Set(k uint32) {
	m.cache.Add(k, struct{}{})
}

func (m *lruMemory) Clear() {
	m.cache.Purge()
}

func (m *lruMemory) Len() int {
	return m.cache.Len()
}
