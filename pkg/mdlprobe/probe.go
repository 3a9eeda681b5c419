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

// Package mdlprobe implements the optional MDL-style surprise probe: an
// EWMA of per-emission surprise (-log p(token | context)) that a sequencer
// may consult to force an early emission when the running surprise exceeds
// a tolerance.
//
// Built the same way the teacher builds pluggable scoring strategies
// (kvcacheindexer.KVScorer): a ZMode string selects an implementation of
// the Policy interface. Only "child-degree" is implemented; other zMode
// values are accepted by Config but rejected at construction with
// lzerrors.ErrUnsupportedZMode, per spec.md §9's instruction not to guess
// at undocumented modes.
package mdlprobe

import (
	"fmt"
	"math"

	"github.com/lzst/lattice/pkg/config"
	"github.com/lzst/lattice/pkg/lzerrors"
)

// Policy decides, given the running EWMA surprise and the distinct
// successor count of the previous token (the "child-degree" normalizer),
// whether the current extension should be forced to emit now.
type Policy interface {
	// ZMode names the normalizer this policy implements.
	ZMode() string
	// ShouldForceEmit reports whether surprise has exceeded tolerance.
	ShouldForceEmit(runningSurprise float64, childDegree int) bool
	// Observe folds a new per-emission surprise value into the EWMA and
	// returns the updated running surprise.
	Observe(previousSurprise, tokenSurprise float64) float64
	// TokenSurprise computes -log p(token|context) via Laplace smoothing
	// over the observed transition count and total out-weight.
	TokenSurprise(observedCount, totalOutWeight uint64) float64
}

// New constructs the Policy named by cfg.ZMode. A nil cfg disables the
// probe and returns a nil Policy; the sequencer checks for nil before each
// call into it.
func New(cfg *config.MDLConfig) (Policy, error) {
	if cfg == nil {
		return nil, nil //nolint:nilnil // absence of a probe is a valid, common state
	}

	switch cfg.ZMode {
	case "child-degree":
		return &childDegreePolicy{cfg: *cfg}, nil
	case "":
		return nil, fmt.Errorf("mdlprobe: zMode is required when mdl config is present")
	default:
		return nil, fmt.Errorf("mdlprobe: zMode %q: %w", cfg.ZMode, lzerrors.ErrUnsupportedZMode)
	}
}

type childDegreePolicy struct {
	cfg config.MDLConfig
}

func (p *childDegreePolicy) ZMode() string { return "child-degree" }

// TokenSurprise applies Laplace smoothing (alpha) over the empirical
// transition probability observedCount/totalOutWeight, returning the
// negative log of the smoothed probability.
func (p *childDegreePolicy) TokenSurprise(observedCount, totalOutWeight uint64) float64 {
	alpha := p.cfg.Alpha
	numerator := float64(observedCount) + alpha
	denominator := float64(totalOutWeight) + alpha*2 // binary smoothing: seen vs. not-seen
	if denominator <= 0 {
		denominator = alpha
	}
	prob := numerator / denominator
	if prob <= 0 {
		return math.Inf(1)
	}
	return -math.Log(prob)
}

// Observe folds tokenSurprise into the EWMA: running' = (1-beta)*running + beta*token.
func (p *childDegreePolicy) Observe(previousSurprise, tokenSurprise float64) float64 {
	beta := p.cfg.Beta
	return (1-beta)*previousSurprise + beta*tokenSurprise
}

// ShouldForceEmit normalizes the running surprise by the (tau-scaled) log of
// the previous token's child-degree (its distinct successor count) and
// compares against the tolerance c.
func (p *childDegreePolicy) ShouldForceEmit(runningSurprise float64, childDegree int) bool {
	if childDegree <= 0 {
		childDegree = 1
	}
	normalizer := p.cfg.Tau * math.Log(float64(childDegree)+1)
	if normalizer <= 0 {
		normalizer = 1
	}
	return runningSurprise/normalizer > p.cfg.C
}
