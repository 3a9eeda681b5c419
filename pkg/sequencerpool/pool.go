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

// Package sequencerpool runs multiple Sequencer+ingest.Batcher sessions
// concurrently, one goroutine per session, mirroring spec.md §5's
// concurrency model: the sequencer itself is strictly single-threaded per
// session, and parallelism comes from running independent sessions on
// separate workers against one shared Lattice.
//
// Grounded on the teacher's tokenization.Pool (Run/workerLoop/processTask
// shape) and kvevents.Pool (workqueue.AddRateLimited retry-on-failure
// idiom, applied here to failed ingest flushes rather than failed ZMQ
// event decodes).
package sequencerpool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/lzst/lattice/pkg/ingest"
	"github.com/lzst/lattice/pkg/sequencer"
)

// Session pairs one symbol source with its own Sequencer and Batcher. Each
// Session is owned exclusively by the worker that runs it — no two workers
// ever touch the same Session concurrently.
type Session struct {
	ID        string
	Symbols   <-chan uint32
	Sequencer *sequencer.Sequencer
	Batcher   *ingest.Batcher
}

// flushRetry is a unit of retry work: a session whose most recent Buffer
// call failed to flush and needs another attempt.
type flushRetry struct {
	sessionID string
	batcher   *ingest.Batcher
}

// Pool runs Sessions concurrently, bounded to a maximum of Workers
// in-flight at once, and retries failed ingest flushes on a dedicated
// rate-limited queue rather than failing the whole session.
type Pool struct {
	Workers      int
	RetryWorkers int

	retryQueue workqueue.TypedRateLimitingInterface[flushRetry]
	retryWG    sync.WaitGroup
}

// New constructs a Pool. workers bounds concurrent sessions; retryWorkers
// bounds concurrent flush-retry processing (both default to 1 if <= 0).
func New(workers, retryWorkers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if retryWorkers <= 0 {
		retryWorkers = 1
	}
	return &Pool{
		Workers:      workers,
		RetryWorkers: retryWorkers,
		retryQueue:   workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[flushRetry]()),
	}
}

// Run feeds every Session to completion (its Symbols channel closing ends
// that session), bounded to p.Workers concurrent sessions, and drains any
// outstanding flush retries before returning. Returns the first session
// error encountered, if any. A session that returns an error cancels the
// shared errgroup context, and the other sessions then stop with ctx.Err()
// at their next symbol. A failed Buffer call is not returned as a session
// error (see runSession), so it cancels nothing.
func (p *Pool) Run(ctx context.Context, sessions []*Session) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.Workers)

	p.retryWG.Add(p.RetryWorkers)
	for i := 0; i < p.RetryWorkers; i++ {
		go p.retryWorker(gctx)
	}

	for _, s := range sessions {
		s := s
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return p.runSession(gctx, s)
		})
	}

	err := g.Wait()

	p.retryQueue.ShutDown()
	p.retryWG.Wait()

	return err
}

// runSession drives one Session's Sequencer over its Symbols channel,
// buffering every emitted token. A failed Buffer call is handed to the
// retry queue instead of aborting the session — per spec.md §7, a store
// write failure propagates to the caller but does not corrupt sequencer
// state, so the session keeps consuming symbols while the batch is retried
// out of band.
func (p *Pool) runSession(ctx context.Context, s *Session) error {
	if err := s.Batcher.Init(); err != nil {
		return fmt.Errorf("sequencerpool: session %s: %w", s.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case symbol, open := <-s.Symbols:
			if !open {
				return s.Batcher.Close(ctx)
			}

			token, ok := s.Sequencer.ProcessSymbol(symbol)
			if !ok {
				continue
			}

			if err := s.Batcher.Buffer(ctx, token); err != nil {
				klog.FromContext(ctx).Error(err, "ingest buffer failed, queueing retry", "session", s.ID)
				p.retryQueue.AddRateLimited(flushRetry{sessionID: s.ID, batcher: s.Batcher})
				continue
			}

			// token is now confirmed to the ingest path; teach it to the
			// trie override index (a no-op unless trie search is enabled),
			// per spec.md §4.3's "confirmed token" precondition.
			s.Sequencer.LearnToken(token)
		}
	}
}

func (p *Pool) retryWorker(ctx context.Context) {
	defer p.retryWG.Done()
	for {
		task, shutdown := p.retryQueue.Get()
		if shutdown {
			return
		}

		err := task.batcher.Flush(ctx)
		if err == nil {
			p.retryQueue.Forget(task)
		} else {
			klog.FromContext(ctx).Error(err, "retry flush failed, re-queueing", "session", task.sessionID)
			p.retryQueue.AddRateLimited(task)
		}
		p.retryQueue.Done(task)
	}
}
