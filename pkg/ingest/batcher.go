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

// Package ingest implements the batched writer between the sequencer's
// emitted tokens and the persistent lattice: it accumulates
// (predecessor, token) pairs and flushes them as a single transaction,
// amortizing per-token write cost the way spec.md §4.5 requires.
//
// Grounded on the teacher's kvevents.Pool (batch accumulation before a
// single downstream write) and kvevents/events.go's EventBatch framing —
// buffered batches here are serialized with vmihailenco/msgpack/v5, the
// same wire format kvevents uses for its event batches, so a batch can be
// handed across a goroutine boundary or persisted for replay without
// re-deriving it.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/lzst/lattice/pkg/lattice"
	"github.com/lzst/lattice/pkg/lzerrors"
	"github.com/lzst/lattice/pkg/metrics"
	"github.com/lzst/lattice/pkg/tokencodec"
)

// batch is the msgpack wire framing for one accumulated buffer: every
// distinct token observed since the last flush, and every distinct
// (predecessor, token) edge pair observed, each with its count. Framing the
// whole buffer as one struct lets it cross a goroutine boundary (handed off
// to a writer goroutine) or be persisted for replay as a single blob.
type batch struct {
	Tokens []lattice.TokenObservation `msgpack:"tokens"`
	Edges  []lattice.EdgeObservation  `msgpack:"edges"`
}

// Options configures a Batcher.
type Options struct {
	BatchSize int
	Lattice   lattice.Lattice
}

// Batcher accumulates buffered tokens into token and edge observations and
// flushes them to a Lattice in batches. Not safe for concurrent Buffer
// calls from multiple goroutines against the same session — per spec.md
// §5, one ingest buffer belongs to exactly one sequencer session. The
// internal mutex exists only to make Flush safe to call concurrently with
// a host-triggered Close/shutdown path.
type Batcher struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	closed      bool

	tokenCounts    map[string]uint64
	edgeCounts     map[edgeKey]uint64
	bufferedCount  int
	lastTokenBytes string
	haveLastToken  bool
}

type edgeKey struct {
	from, to string
}

// New constructs a Batcher. Init must be called before Buffer.
func New(opts Options) *Batcher {
	return &Batcher{
		opts:        opts,
		tokenCounts: make(map[string]uint64),
		edgeCounts:  make(map[edgeKey]uint64),
	}
}

// Init marks the batcher ready to accept buffered tokens. The lattice
// schema itself is created by the backing Lattice implementation
// (e.g. lattice.OpenSQLiteLattice applies the schema on open); Init's job
// here is purely to guard Buffer against being called on an unconfigured
// batcher, per spec.md §4.5's "must precede buffer" contract.
func (b *Batcher) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.Lattice == nil {
		return fmt.Errorf("ingest: no lattice configured: %w", lzerrors.ErrIngestNotInitialized)
	}
	b.initialized = true
	return nil
}

// Buffer records tokenBytes, pairs it with the immediately preceding
// buffered token (none for the first call since construction or since the
// last Flush boundary that reset pairing — here pairing persists across
// flush boundaries, since a flush is an implementation detail of batching,
// not a break in the emitted token stream), and flushes if the buffer
// reaches batch_size.
func (b *Batcher) Buffer(ctx context.Context, tokenBytes []byte) error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return fmt.Errorf("ingest: buffer called before init: %w", lzerrors.ErrIngestNotInitialized)
	}
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("ingest: buffer called after close: %w", lzerrors.ErrIngestNotInitialized)
	}

	hexBytes := tokencodec.EncodeRawBytes(tokenBytes)
	b.tokenCounts[hexBytes]++

	if b.haveLastToken {
		b.edgeCounts[edgeKey{from: b.lastTokenBytes, to: hexBytes}]++
	}
	b.lastTokenBytes = hexBytes
	b.haveLastToken = true
	b.bufferedCount++

	shouldFlush := b.opts.BatchSize > 0 && b.bufferedCount >= b.opts.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush(ctx)
	}
	return nil
}

// Flush performs a single transactional write of the accumulated batch to
// the lattice and resets the accumulation buffers. A failed write leaves
// the buffer untouched, so a host can retry (spec.md §7: "retry is the
// host's choice").
func (b *Batcher) Flush(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.IngestFlushLatency.Observe(time.Since(start).Seconds())
	}()

	b.mu.Lock()
	if b.bufferedCount == 0 {
		b.mu.Unlock()
		return nil
	}

	batchToWrite := snapshotBatch(b.tokenCounts, b.edgeCounts)
	b.mu.Unlock()

	// Round-trip through msgpack: this is the serialization boundary a host
	// would use to hand the batch to a separate writer goroutine or persist
	// it for replay (see kvevents.Pool). BatchIngest below always receives
	// the decoded form.
	encoded, err := msgpack.Marshal(batchToWrite)
	if err != nil {
		return fmt.Errorf("ingest: encode batch: %w", err)
	}
	var decoded batch
	if err := msgpack.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("ingest: decode batch: %w", err)
	}

	// Fingerprint the encoded batch so a host replaying flushes after a
	// crash (the batch was persisted per the comment above) can detect
	// whether a given blob was already applied, without re-deriving one
	// from the decoded struct's field order.
	checksum := xxhash.Sum64(encoded)
	klog.FromContext(ctx).V(4).Info("ingest: flushing batch",
		"tokens", len(decoded.Tokens), "edges", len(decoded.Edges), "checksum", checksum)

	if err := b.opts.Lattice.BatchIngest(ctx, decoded.Tokens, decoded.Edges); err != nil {
		return err
	}
	if err := b.opts.Lattice.UpdateTokenDegrees(ctx); err != nil {
		return err
	}
	metrics.IngestFlushes.Inc()

	b.mu.Lock()
	b.tokenCounts = make(map[string]uint64)
	b.edgeCounts = make(map[edgeKey]uint64)
	b.bufferedCount = 0
	b.mu.Unlock()

	return nil
}

// Close flushes any remaining buffered tokens and marks the batcher closed;
// subsequent Buffer calls fail.
func (b *Batcher) Close(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func snapshotBatch(tokenCounts map[string]uint64, edgeCounts map[edgeKey]uint64) batch {
	tokens := make([]lattice.TokenObservation, 0, len(tokenCounts))
	for bytesHex, count := range tokenCounts {
		tokens = append(tokens, lattice.TokenObservation{Bytes: bytesHex, Count: count})
	}

	edges := make([]lattice.EdgeObservation, 0, len(edgeCounts))
	for key, count := range edgeCounts {
		edges = append(edges, lattice.EdgeObservation{FromBytes: key.from, ToBytes: key.to, Count: count})
	}

	return batch{Tokens: tokens, Edges: edges}
}
