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

// lzst-train is a small demonstrator, not a supported CLI surface: it wires
// a sequencerpool.Pool across a couple of sample sessions against a shared
// in-memory lattice and prints the resulting vocabulary stats, the way
// cmd/prefix-aware demonstrates kvcacheindexer end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lzst/lattice/pkg/config"
	"github.com/lzst/lattice/pkg/ingest"
	"github.com/lzst/lattice/pkg/lattice"
	"github.com/lzst/lattice/pkg/metrics"
	"github.com/lzst/lattice/pkg/sequencer"
	"github.com/lzst/lattice/pkg/sequencerpool"
)

func symbolChannel(input string) <-chan uint32 {
	ch := make(chan uint32, len(input))
	for i := 0; i < len(input); i++ {
		ch <- uint32(input[i])
	}
	close(ch)
	return ch
}

func newSession(id, input string, lat lattice.Lattice) *sequencerpool.Session {
	cfg := config.DefaultConfig()
	cfg.TrieSearch = config.TrieSearchOn
	cfg.MDL = config.DefaultMDLConfig()

	seq, err := sequencer.New(sequencer.Options{
		Config:          cfg,
		ChildDegree:     sequencerpool.LatticeChildDegree(lat),
		TransitionStats: sequencerpool.LatticeTransitionStats(lat),
	})
	if err != nil {
		log.Fatalf("session %s: new sequencer: %v", id, err)
	}
	return &sequencerpool.Session{
		ID:        id,
		Symbols:   symbolChannel(input),
		Sequencer: seq,
		Batcher:   ingest.New(ingest.Options{BatchSize: 8, Lattice: lat}),
	}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics.Register()
	metrics.StartMetricsLogging(ctx, 2*time.Second)

	lat := lattice.NewInMemoryLattice()
	defer func() {
		if err := lat.Close(); err != nil {
			log.Printf("lattice close: %v", err)
		}
	}()

	sessions := []*sequencerpool.Session{
		newSession("corpus-a", "ABABABCABAB", lat),
		newSession("corpus-b", "MISSISSIPPI", lat),
	}

	pool := sequencerpool.New(2, 1)
	if err := pool.Run(ctx, sessions); err != nil {
		log.Fatalf("pool run: %v", err)
	}

	stats, err := lat.Stats(ctx)
	if err != nil {
		log.Fatalf("lattice stats: %v", err)
	}

	fmt.Printf("vocab_size=%d edge_count=%d mean_degree=%.2f max_degree=%d vocab_snapshots=%d\n",
		stats.VocabSize, stats.EdgeCount, stats.MeanDegree, stats.MaxDegree, len(stats.VocabOverTime))
}
