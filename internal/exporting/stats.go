package exporting

import (
	"math"

	"github.com/rcrowley/go-metrics"
)

var nan = math.NaN()

// Stats carries the per-instance counters. The formatting producer updates
// the buffered side, the transport worker the sent/failed side.
type Stats struct {
	BufferedMetrics metrics.Counter
	BufferedBytes   metrics.Counter
	SentBytes       metrics.Counter
	SentBatches     metrics.Counter
	SendFailures    metrics.Counter
}

func newStats(instance string) *Stats {
	p := "exporting." + instance + "."
	r := metrics.DefaultRegistry
	return &Stats{
		BufferedMetrics: metrics.GetOrRegisterCounter(p+"buffered_metrics", r),
		BufferedBytes:   metrics.GetOrRegisterCounter(p+"buffered_bytes", r),
		SentBytes:       metrics.GetOrRegisterCounter(p+"sent_bytes", r),
		SentBatches:     metrics.GetOrRegisterCounter(p+"sent_batches", r),
		SendFailures:    metrics.GetOrRegisterCounter(p+"send_failures", r),
	}
}
