package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TokensProcessedTotal.Add(5)

	count := testutil.ToFloat64(m.TokensProcessedTotal)
	assert.Equal(t, 5.0, count)
}

func TestRateWindowComputesPerSecond(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewRateWindow(start)

	rate := w.Sample(start.Add(2*time.Second), 20)
	assert.Equal(t, 10.0, rate)

	rate = w.Sample(start.Add(3*time.Second), 20)
	assert.Equal(t, 0.0, rate)
}
