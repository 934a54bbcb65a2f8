package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecordsTransitions(t *testing.T) {
	before := testutil.ToFloat64(PipelineTransitions.WithLabelValues("STARTING", "RUNNING"))
	Collector{}.Transition("STARTING", "RUNNING")
	after := testutil.ToFloat64(PipelineTransitions.WithLabelValues("STARTING", "RUNNING"))
	assert.Equal(t, before+1, after)
}

func TestCollectorLabelsRequestErrors(t *testing.T) {
	c := Collector{}
	before := testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("sink", "POST", "error"))
	c.ObserveRequest("sink", "POST", 0, time.Millisecond, errors.New("refused"))
	c.ObserveRequest("sink", "POST", 201, time.Millisecond, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("sink", "POST", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(ControlPlaneRequests.WithLabelValues("sink", "POST", "201")), 1.0)
}

func TestBulkLoadRows(t *testing.T) {
	before := testutil.ToFloat64(BulkLoadRows.WithLabelValues("postgres", "s3"))
	Collector{}.ObserveBulkLoad("postgres", "s3", 250, time.Second, nil)
	assert.Equal(t, before+250, testutil.ToFloat64(BulkLoadRows.WithLabelValues("postgres", "s3")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer("start")
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, "start", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), 2*time.Millisecond)
}
