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

package lrumemory

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// costAwareMemory backs Memory with an admission-policy cache instead of a
// plain LRU. Each fingerprint is given a uniform cost of 1 so that, used
// with its default configuration, it behaves like a probabilistic
// count-bounded cache that additionally protects frequently re-seen
// fingerprints from one-off churn — useful when a corpus interleaves many
// short-lived candidates with a small set of very common ones.
type costAwareMemory struct {
	cache *ristretto.Cache[uint32, struct{}]
}

const (
	defaultNumCounters = 1e7
	defaultBufferItems = 64
)

func newCostAwareMemory(capacity int) (Memory, error) {
	return newCostAwareMemoryWithMaxCost(int64(capacity))
}

// newCostAwareMemoryWithMaxCost backs the cache with an explicit cost
// budget instead of an entry count. Used when NewWithByteBudget parses a
// human-readable size (e.g. "64MiB") into bytes, one unit of cost per byte
// rather than per fingerprint.
func newCostAwareMemoryWithMaxCost(maxCost int64) (Memory, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint32, struct{}]{
		NumCounters: defaultNumCounters,
		MaxCost:     maxCost,
		BufferItems: defaultBufferItems,
		Metrics:     true, // Len reads KeysAdded/KeysEvicted
	})
	if err != nil {
		return nil, fmt.Errorf("lrumemory: failed to construct cost-aware cache: %w", err)
	}

	return &costAwareMemory{cache: cache}, nil
}

func (m *costAwareMemory) Has(k uint32) bool {
	_, ok := m.cache.Get(k)
	return ok
}

func (m *costAwareMemory) Set(k uint32) {
	m.cache.Set(k, struct{}{}, 1)
	m.cache.Wait()
}

func (m *costAwareMemory) Clear() {
	m.cache.Clear()
}

func (m *costAwareMemory) Len() int {
	return int(m.cache.Metrics.KeysAdded() - m.cache.Metrics.KeysEvicted())
}
