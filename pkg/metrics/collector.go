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

// Package metrics defines the Prometheus collectors exposed by the
// sequencer, ingest batcher, and lattice, directly grounded on the
// teacher's pkg/kvcache/metrics/collector.go: package-level collectors
// registered once through sigs.k8s.io/controller-runtime/pkg/metrics, with
// a periodic klog-based logging goroutine alongside them.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	TokensEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lzst", Subsystem: "sequencer", Name: "tokens_emitted_total",
		Help: "Total number of tokens emitted across all sequencer sessions",
	})
	BytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lzst", Subsystem: "sequencer", Name: "bytes_in_total",
		Help: "Total number of symbols consumed across all sequencer sessions",
	})
	BytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lzst", Subsystem: "sequencer", Name: "bytes_out_total",
		Help: "Total number of bytes emitted across all sequencer sessions",
	})

	IngestFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lzst", Subsystem: "ingest", Name: "flushes_total",
		Help: "Total number of ingest batch flushes",
	})
	IngestFlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lzst", Subsystem: "ingest", Name: "flush_latency_seconds",
		Help:    "Latency of ingest batch flushes",
		Buckets: prometheus.DefBuckets,
	})

	LatticeVocabSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lzst", Subsystem: "lattice", Name: "vocab_size",
		Help: "Current token vocabulary size",
	})
	LatticeEdgeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lzst", Subsystem: "lattice", Name: "edge_count",
		Help: "Current edge count",
	})
)

// Collectors returns every collector this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TokensEmitted, BytesIn, BytesOut,
		IngestFlushes, IngestFlushLatency,
		LatticeVocabSize, LatticeEdgeCount,
	}
}

var registerOnce sync.Once

// Register registers every collector with the controller-runtime metrics
// registry. Safe to call more than once; registration happens at most once.
func Register() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine logging current metric values
// every interval via klog. Non-blocking; ctx is used only to derive the
// logger, not to stop the ticker.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			logMetrics(ctx)
		}
	}()
}

func logMetrics(ctx context.Context) {
	var emitted, bytesIn, bytesOut, flushes dto.Metric
	if err := TokensEmitted.Write(&emitted); err != nil {
		return
	}
	if err := BytesIn.Write(&bytesIn); err != nil {
		return
	}
	if err := BytesOut.Write(&bytesOut); err != nil {
		return
	}
	if err := IngestFlushes.Write(&flushes); err != nil {
		return
	}

	var vocabSize, edgeCount dto.Metric
	if err := LatticeVocabSize.Write(&vocabSize); err != nil {
		return
	}
	if err := LatticeEdgeCount.Write(&edgeCount); err != nil {
		return
	}

	klog.FromContext(ctx).WithName("metrics").Info("lzst metrics beat",
		"tokens_emitted", emitted.GetCounter().GetValue(),
		"bytes_in", bytesIn.GetCounter().GetValue(),
		"bytes_out", bytesOut.GetCounter().GetValue(),
		"ingest_flushes", flushes.GetCounter().GetValue(),
		"lattice_vocab_size", vocabSize.GetGauge().GetValue(),
		"lattice_edge_count", edgeCount.GetGauge().GetValue(),
	)
}
