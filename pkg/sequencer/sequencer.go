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

// Package sequencer implements the online LZS/LZST state machine: the
// single-threaded-per-session byte sequencer that turns a symbol stream into
// a sequence of emitted tokens, backed by a rolling-hash-keyed LRU memory
// and, optionally, a trie-backed longest-known-prefix override and an
// MDL-style surprise probe.
//
// Grounded structurally on the teacher's token_processor.go (a stateful
// token-boundary accumulator keyed by a rolling hash over growing chunks)
// and tokenization.Pool.processTask's overlap-ratio gate between "trust the
// cached match" and "fall through" — the trust-threshold/trie-override
// choice here is the same shape of decision.
package sequencer

import (
	"time"

	"github.com/lzst/lattice/pkg/config"
	"github.com/lzst/lattice/pkg/lrumemory"
	"github.com/lzst/lattice/pkg/mdlprobe"
	"github.com/lzst/lattice/pkg/metrics"
	"github.com/lzst/lattice/pkg/rollinghash"
	"github.com/lzst/lattice/pkg/tokencodec"
	"github.com/lzst/lattice/pkg/trieindex"
)

// ChildDegreeFunc reports the distinct-successor count of the token named by
// tokenBytes, as recorded in a lattice. It is the sequencer's only window
// into lattice-side state, kept as an injected function rather than a direct
// package dependency so sequencer never imports lattice (no reference
// cycle, per spec.md §9). With a nil func every token is treated as having
// a child-degree of zero; the MDL probe, if configured, still runs and can
// still force an emission.
type ChildDegreeFunc func(tokenBytes []byte) int

// TransitionStatsFunc reports the observed count of the transition
// (fromBytes -> toBytes) and the total out-weight of fromBytes, as recorded
// in a lattice. Like ChildDegreeFunc, this is an injected collaborator, not
// an import of the lattice package.
type TransitionStatsFunc func(fromBytes, toBytes []byte) (observedCount, totalOutWeight uint64)

// Options configures a Sequencer beyond the plain config.Config values:
// collaborators that only make sense as runtime-injected functions.
type Options struct {
	Config          *config.Config
	ChildDegree     ChildDegreeFunc
	TransitionStats TransitionStatsFunc
}

// Stats is the read-only snapshot exposed by Sequencer.Stats.
type Stats struct {
	BytesIn, BytesOut uint64
	CandidateLength   int
	MemoryLen         int
	TrieEnabled       bool
	MDLEnabled        bool
	RunningSurprise   float64
}

// Throughput is returned by Sequencer.Throughput once at least one symbol
// has been processed.
type Throughput struct {
	DurationMS float64
	BytesIn    uint64
	BytesOut   uint64
	RateMBps   float64
}

// Sequencer is the LZS/LZST state machine. Not safe for concurrent use: a
// single session is strictly single-threaded per spec.md §5. Independent
// sessions must each own their own Sequencer.
type Sequencer struct {
	opts Options

	candidate []uint32
	hash      *rollinghash.Hash
	memory    lrumemory.Memory
	trie      *trieindex.Trie
	mdl       mdlprobe.Policy

	trustThreshold  int
	trustCounts     map[uint32]int
	lastTokenBytes  []byte
	runningSurprise float64
	statsMode       config.StatsMode

	bytesIn, bytesOut uint64
	started           bool
	startedAt         time.Time
}

// New constructs a Sequencer from opts. A nil opts.Config falls back to
// config.DefaultConfig().
func New(opts Options) (*Sequencer, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	mem, err := lrumemory.NewWithByteBudget(cfg.CacheStrategy, cfg.MemorySize, cfg.CacheByteBudget)
	if err != nil {
		return nil, err
	}

	var trie *trieindex.Trie
	if cfg.TrieSearch == config.TrieSearchOn {
		trie = trieindex.New()
	}

	policy, err := mdlprobe.New(cfg.MDL)
	if err != nil {
		return nil, err
	}

	threshold := cfg.TrustThreshold
	if threshold <= 0 {
		threshold = 1
	}

	return &Sequencer{
		opts:           opts,
		hash:           rollinghash.New(),
		memory:         mem,
		trie:           trie,
		mdl:            policy,
		trustThreshold: threshold,
		trustCounts:    make(map[uint32]int),
		statsMode:      cfg.StatsMode,
	}, nil
}

// ProcessSymbol feeds one symbol through the state machine, implementing
// the five-step algorithm of spec.md §4.4 exactly: candidate extension,
// fingerprint lookup, LZ emit-on-miss, and (when enabled) a trie or MDL
// override that forces the emission earlier, on an extension that would
// otherwise have been accepted as "seen".
func (s *Sequencer) ProcessSymbol(x uint32) (token []byte, ok bool) {
	if !s.started {
		s.started = true
		s.startedAt = time.Now()
	}
	s.bytesIn++
	metrics.BytesIn.Inc()

	if len(s.candidate) == 0 {
		s.candidate = []uint32{x}
		s.hash.Reset()
		s.hash.Update(x)
		s.memory.Set(s.hash.Value())
		return nil, false
	}

	extended := append(append([]uint32(nil), s.candidate...), x)
	fingerprint := s.hash.Update(x)

	if s.memory.Has(fingerprint) {
		s.memory.Set(fingerprint)
		s.candidate = extended

		if forced, forcedToken := s.checkOverrides(); forced {
			// forcedToken is s.candidate, which already includes x (it was
			// extended above) — unlike the natural LZ-miss path below, x has
			// already been consumed into the emitted token, so the next
			// candidate starts empty rather than reseeded with x.
			return s.emit(forcedToken, nil)
		}
		return nil, false
	}

	s.memory.Set(fingerprint)
	emitted := s.candidate
	return s.emit(emitted, []uint32{x})
}

// checkOverrides inspects the trie and MDL policy against the current
// (already-extended) candidate and reports whether an early, forced
// emission should happen instead of continuing to extend.
func (s *Sequencer) checkOverrides() (forced bool, tokenSymbols []uint32) {
	if s.trie != nil {
		if length, ok := s.trie.LongestPrefix(tokencodec.Bytes(s.candidate)); ok && length == len(tokencodec.Bytes(s.candidate)) {
			return true, s.candidate
		}
	}

	if s.mdl != nil {
		degree := 0
		if s.opts.ChildDegree != nil && s.lastTokenBytes != nil {
			degree = s.opts.ChildDegree(s.lastTokenBytes)
		}
		if s.mdl.ShouldForceEmit(s.runningSurprise, degree) {
			return true, s.candidate
		}
	}

	return false, nil
}

// emit applies the trust-threshold bookkeeping, MDL surprise update, and
// candidate reset shared by both the natural LZ-miss emission path and the
// trie/MDL override path. nextSeed is the (zero- or one-element) set of
// symbols the next candidate starts from: []uint32{x} when x was not part
// of tokenSymbols (the natural miss path), or nil when tokenSymbols already
// consumed every pending symbol (a forced override).
func (s *Sequencer) emit(tokenSymbols []uint32, nextSeed []uint32) (token []byte, ok bool) {
	tokenBytes := tokencodec.Bytes(tokenSymbols)

	tokenFingerprint := rollinghash.New().Recalculate(tokenSymbols)
	s.trustCounts[tokenFingerprint]++

	if s.mdl != nil {
		var observed, total uint64
		if s.opts.TransitionStats != nil && s.lastTokenBytes != nil {
			observed, total = s.opts.TransitionStats(s.lastTokenBytes, tokenBytes)
		}
		surprise := s.mdl.TokenSurprise(observed, total)
		s.runningSurprise = s.mdl.Observe(s.runningSurprise, surprise)
	}

	s.bytesOut += uint64(len(tokenBytes))
	s.lastTokenBytes = tokenBytes

	s.candidate = append([]uint32(nil), nextSeed...)
	s.hash.Reset()
	for _, sym := range s.candidate {
		s.hash.Update(sym)
	}
	if len(s.candidate) > 0 {
		s.memory.Set(s.hash.Value())
	}

	metrics.TokensEmitted.Inc()
	metrics.BytesOut.Add(float64(len(tokenBytes)))

	return tokenBytes, true
}

// LearnToken inserts tokenBytes into the trie override index, if trie
// search is enabled; a no-op otherwise. A host calls this once a token has
// actually been confirmed downstream (e.g. successfully buffered by the
// ingest path), so the trie only ever contains tokens this session has
// committed, matching spec.md §4.3's "confirmed token" precondition.
func (s *Sequencer) LearnToken(tokenBytes []byte) {
	if s.trie != nil {
		s.trie.Insert(tokenBytes)
	}
}

// Trusted reports whether the token named by tokenBytes has been emitted at
// least trust_threshold times (spec.md §4.4's trust-threshold policy).
// Emission is never gated on this — it is metadata for downstream
// consumers.
func (s *Sequencer) Trusted(tokenBytes []byte) bool {
	var symbols []uint32
	for _, b := range tokenBytes {
		symbols = append(symbols, uint32(b))
	}
	fp := rollinghash.New().Recalculate(symbols)
	return s.trustCounts[fp] >= s.trustThreshold
}

// Flush returns the in-flight candidate without resetting state, so a host
// can decide whether to force a final emission.
func (s *Sequencer) Flush() (memory lrumemory.Memory, current []byte) {
	return s.memory, tokencodec.Bytes(s.candidate)
}

// Clear empties the candidate and memory, resets the hash, and zeroes
// counters.
func (s *Sequencer) Clear() {
	s.candidate = nil
	s.memory.Clear()
	s.hash.Reset()
	s.trustCounts = make(map[uint32]int)
	s.lastTokenBytes = nil
	s.runningSurprise = 0
	s.bytesIn, s.bytesOut = 0, 0
	s.started = false
}

// Throughput reports elapsed time and byte counters, or ok=false if no
// symbol has been processed yet.
func (s *Sequencer) Throughput() (t Throughput, ok bool) {
	if !s.started {
		return Throughput{}, false
	}
	elapsed := time.Since(s.startedAt)
	durationMS := float64(elapsed) / float64(time.Millisecond)
	var rate float64
	if elapsed > 0 {
		rate = (float64(s.bytesIn) / (1024 * 1024)) / elapsed.Seconds()
	}
	return Throughput{
		DurationMS: durationMS,
		BytesIn:    s.bytesIn,
		BytesOut:   s.bytesOut,
		RateMBps:   rate,
	}, true
}

// Stats returns a read-only snapshot of the sequencer's current state,
// gated by cfg.StatsMode (spec.md §6): "none" disables bookkeeping beyond
// the throughput counters every host needs, "basic" adds the candidate/
// memory working-set size, and "extended" adds the optional-subsystem
// flags and running MDL surprise.
func (s *Sequencer) Stats() Stats {
	if s.statsMode == "" || s.statsMode == config.StatsModeNone {
		return Stats{BytesIn: s.bytesIn, BytesOut: s.bytesOut}
	}

	stats := Stats{
		BytesIn:         s.bytesIn,
		BytesOut:        s.bytesOut,
		CandidateLength: len(s.candidate),
		MemoryLen:       s.memory.Len(),
	}

	if s.statsMode == config.StatsModeExtended {
		stats.TrieEnabled = s.trie != nil
		stats.MDLEnabled = s.mdl != nil
		stats.RunningSurprise = s.runningSurprise
	}

	return stats
}
