// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is the observability surface for revokefs: operation
// counts, bytes moved between the Reader and Writer, and revocation events,
// exported as Prometheus metrics and optionally served over a debug HTTP
// listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flatpak/revokefs/internal/logger"
)

// namespace prefixes every metric name with "revokefs_".
const namespace = "revokefs"

// Metrics holds the collectors shared by the Reader and Writer.
type Metrics struct {
	OpTotal     *prometheus.CounterVec
	OpErrors    *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	BytesRead   prometheus.Counter
	BytesWrite  prometheus.Counter
	Revocations prometheus.Counter
	OpenFDs     prometheus.Gauge
}

// New registers and returns a fresh set of collectors against reg. Passing
// nil registers against the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OpTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Number of Writer operations dispatched, by op name.",
		}, []string{"op"}),
		OpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "op_errors_total",
			Help:      "Number of Writer operations that returned a negative (errno) result, by op name.",
		}, []string{"op"}),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Round-trip latency of Writer operations, by op name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Bytes returned by READ operations.",
		}),
		BytesWrite: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes accepted by WRITE operations.",
		}),
		Revocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Number of times the control socket was observed closed or reset.",
		}),
		OpenFDs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writer_open_fds",
			Help:      "Number of file descriptors currently open on the Writer side.",
		}),
	}
}

// ObserveOp records the outcome of a single Writer round trip.
func (m *Metrics) ObserveOp(op string, start time.Time, failed bool) {
	if m == nil {
		return
	}
	m.OpTotal.WithLabelValues(op).Inc()
	if failed {
		m.OpErrors.WithLabelValues(op).Inc()
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Serve starts the debug HTTP listener exposing /metrics, if addr is
// non-empty. It runs until ctx is cancelled and never blocks its caller.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Infof("metrics: serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics: listener failed: %v", err)
		}
	}()
}
