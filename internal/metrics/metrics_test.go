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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveOpCountsSuccessAndFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOp("MKDIR", time.Now(), false)
	m.ObserveOp("MKDIR", time.Now(), true)

	total, err := m.OpTotal.GetMetricWithLabelValues("MKDIR")
	require.NoError(t, err)
	assert.Equal(t, float64(2), counterValue(t, total))

	errs, err := m.OpErrors.GetMetricWithLabelValues("MKDIR")
	require.NoError(t, err)
	assert.Equal(t, float64(1), counterValue(t, errs))
}

func TestObserveOpOnNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.ObserveOp("READ", time.Now(), false) })
}

func TestServeWithEmptyAddrIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { Serve(context.Background(), "") })
}
