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

// Package lzerrors defines the sentinel error taxonomy shared by the
// sequencer, ingest batcher, and lattice store. Callers wrap these with
// fmt.Errorf("...: %w", err) at the point of failure so errors.Is still
// matches the sentinel.
package lzerrors

import "errors"

var (
	// ErrInvalidSymbol names a symbol outside a declared alphabet. The
	// sequencer treats its alphabet as an opaque uint32 and accepts every
	// symbol, so no package in this module returns it.
	ErrInvalidSymbol = errors.New("lzst: invalid symbol")

	// ErrMemoryExhausted is returned when an LRU memory is constructed
	// with capacity zero. Construction fails outright.
	ErrMemoryExhausted = errors.New("lzst: memory capacity exhausted")

	// ErrIngestNotInitialized is returned when Buffer is called on an
	// ingest.Batcher before Init.
	ErrIngestNotInitialized = errors.New("lzst: ingest not initialized")

	// ErrStoreWriteFailed wraps an aborted lattice write transaction.
	// ingest.Batcher keeps the unwritten batch buffered so the flush can be
	// retried; sequencer state is left intact.
	ErrStoreWriteFailed = errors.New("lzst: store write failed")

	// ErrStoreReadFailed wraps a lattice query I/O error. No state change
	// accompanies it.
	ErrStoreReadFailed = errors.New("lzst: store read failed")

	// ErrIntegrityViolation marks an edge referring to a missing token id.
	// Fatal for the session: callers must abort ingest rather than
	// swallow it.
	ErrIntegrityViolation = errors.New("lzst: integrity violation")

	// ErrUnsupportedZMode is returned when an mdlprobe.Config names a
	// zMode other than "child-degree". Other modes are an open extension
	// point, not yet implemented.
	ErrUnsupportedZMode = errors.New("lzst: unsupported mdl zMode")
)
