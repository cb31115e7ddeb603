package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "weir_test_histogram", Help: "test"})
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)
	assert.Equal(t, 1, testutil.CollectAndCount(h))
	assert.Greater(t, timer.Duration(), time.Duration(0))
}

func TestUpdateQueueDepthLabels(t *testing.T) {
	UpdateQueueDepth.Reset()
	UpdateQueueDepth.WithLabelValues("books").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(UpdateQueueDepth.WithLabelValues("books")))
	UpdateQueueDepth.WithLabelValues("books").Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(UpdateQueueDepth.WithLabelValues("books")))
}

func TestIndexesTotalGauge(t *testing.T) {
	before := testutil.ToFloat64(IndexesTotal)
	IndexesTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(IndexesTotal))
	IndexesTotal.Dec()
}
