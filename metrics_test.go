package main

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolMetricTypes(t *testing.T) {
	pool := newTestPool(t, 2, func() (inferenceSession, error) { return &fakeSession{}, nil })
	m := NewMetrics()
	m.registerPool(pool)

	require.NoError(t, pool.Use(context.Background(), func(inferenceSession) error { return nil }))

	families, err := m.registry.Gather()
	require.NoError(t, err)
	types := map[string]dto.MetricType{}
	values := map[string]float64{}
	for _, mf := range families {
		types[mf.GetName()] = mf.GetType()
		if len(mf.GetMetric()) == 1 {
			metric := mf.GetMetric()[0]
			if c := metric.GetCounter(); c != nil {
				values[mf.GetName()] = c.GetValue()
			} else if g := metric.GetGauge(); g != nil {
				values[mf.GetName()] = g.GetValue()
			}
		}
	}

	for _, name := range []string{
		"density_pool_acquired_total",
		"density_pool_acquire_failures_total",
		"density_pool_discarded_total",
		"density_pool_wait_seconds_total",
	} {
		assert.Equal(t, dto.MetricType_COUNTER, types[name], name)
	}
	for _, name := range []string{
		"density_pool_size",
		"density_pool_live_sessions",
		"density_pool_sessions_in_use",
	} {
		assert.Equal(t, dto.MetricType_GAUGE, types[name], name)
	}

	assert.Equal(t, 1.0, values["density_pool_acquired_total"])
	assert.Equal(t, 2.0, values["density_pool_size"])
	assert.Equal(t, 0.0, values["density_pool_sessions_in_use"])
}
