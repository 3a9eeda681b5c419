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

// Package config holds the plain configuration value consumed by the
// sequencer. A host (CLI flags, environment, a file) is responsible for
// populating it — loading it from any particular source is out of scope
// for the core.
package config

import "github.com/lzst/lattice/pkg/lrumemory"

// TrieSearch toggles the optional trie-backed longest-known-prefix override.
type TrieSearch string

const (
	TrieSearchOn  TrieSearch = "on"
	TrieSearchOff TrieSearch = "off"
)

// StatsMode selects how much bookkeeping the sequencer's stats probe does.
type StatsMode string

const (
	StatsModeNone     StatsMode = "none"
	StatsModeBasic    StatsMode = "basic"
	StatsModeExtended StatsMode = "extended"
)

// MDLConfig configures the optional surprise probe (see pkg/mdlprobe).
// A nil *MDLConfig on Config disables the probe entirely. The sequencer
// skips a disabled probe (and a disabled trie) with a nil check at each
// point where it would consult it; a disabled subsystem is not replaced by
// a no-op implementation.
type MDLConfig struct {
	Alpha float64 `json:"alpha"` // Laplace smoothing over transition probabilities
	Beta  float64 `json:"beta"`  // EWMA decay
	C     float64 `json:"c"`     // surprise tolerance
	Tau   float64 `json:"tau"`   // entropy scaling
	ZMode string  `json:"zMode"` // normalizer; only "child-degree" is implemented
}

// DefaultMDLConfig returns the spec's documented defaults.
func DefaultMDLConfig() *MDLConfig {
	return &MDLConfig{
		Alpha: 0.1,
		Beta:  0.02,
		C:     0.7,
		Tau:   0.8,
		ZMode: "child-degree",
	}
}

// Config is the sequencer's full construction configuration, mirroring the
// keyword-arg object of spec.md §6.
type Config struct {
	MemorySize     int                `json:"memorySize"`
	KeyGenerator   string             `json:"keyGenerator"` // informational; the rolling hash is fixed
	TrustThreshold int                `json:"trustThreshold"`
	CacheStrategy  lrumemory.Strategy `json:"cacheStrategy,omitempty"`
	// CacheByteBudget, e.g. "64MiB", bounds StrategyCostAware by estimated
	// byte cost instead of MemorySize's raw entry count. Ignored by
	// StrategyLRU and by StrategyCostAware when left empty.
	CacheByteBudget string     `json:"cacheByteBudget,omitempty"`
	TrieSearch      TrieSearch `json:"trieSearch,omitempty"`
	StatsMode       StatsMode  `json:"statsMode"`
	MDL             *MDLConfig `json:"mdl,omitempty"`
}

// DefaultConfig returns a Config with the spec's documented defaults:
// memory capacity 10,000, trust threshold 2, trie and MDL disabled.
func DefaultConfig() *Config {
	return &Config{
		MemorySize:     10000,
		KeyGenerator:   "rolling-hash-31",
		TrustThreshold: 2,
		CacheStrategy:  lrumemory.StrategyLRU,
		TrieSearch:     TrieSearchOff,
		StatsMode:      StatsModeBasic,
		MDL:            nil,
	}
}
