// Package graphiteconn implements the graphite connector. It takes part in
// the staged lifecycle like the wire-format connectors, but its batch is a
// metric set rather than a byte buffer: metrics accumulate during the cycle
// and are handed to a dedicated carbon sender worker at end-batch.
package graphiteconn

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/marpaia/graphite-golang"
	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/exporting"
	"github.com/exportpipe/exportpipe/internal/misc"
	"github.com/exportpipe/exportpipe/internal/transport"
)

// Connector accumulates graphite metrics during a cycle. End-batch hands the
// metric set to the worker over a capacity-1 channel, mirroring the byte
// connectors' ordering guarantee.
type Connector struct {
	exporting.NopStages
	pending []graphite.Metric
	out     chan []graphite.Metric
}

// New returns a graphite connector.
func New() *Connector {
	return &Connector{out: make(chan []graphite.Metric, 1)}
}

// Out is the metric-batch handoff channel the sender worker drains.
func (g *Connector) Out() <-chan []graphite.Metric { return g.out }

// Close seals the handoff channel once the engine stopped.
func (g *Connector) Close() { close(g.out) }

func (g *Connector) Dimension(c *exporting.Cycle, d *domain.Dimension) error {
	in := c.Instance
	cfg := in.Config()

	var value string
	var ts int64
	if cfg.Source == domain.Average {
		v, t := in.StoredValue(d, c.Now)
		if math.IsNaN(v) {
			return nil
		}
		value = strconv.FormatFloat(v, 'f', 5, 64)
		ts = t.Unix()
	} else {
		value = strconv.FormatInt(d.LastCollectedValue, 10)
		ts = d.LastCollectedTime.Unix()
	}

	name := fmt.Sprintf("%s.%s.%s.%s",
		SanitizeName(cfg.Prefix),
		SanitizeName(c.Hostname()),
		SanitizeName(c.Chart.ID),
		SanitizeName(d.ID))
	g.pending = append(g.pending, graphite.NewMetric(name, value, ts))
	return nil
}

func (g *Connector) EndBatch(c *exporting.Cycle) error {
	if len(g.pending) == 0 {
		return nil
	}
	batch := g.pending
	g.pending = nil

	c.Instance.Stats().BufferedMetrics.Inc(int64(len(batch)))
	g.out <- batch
	return nil
}

// SanitizeName maps characters that break graphite metric paths to '_'.
// Dots are kept: chart ids like system.cpu extend the graphite hierarchy.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c == '/' || c == 0x7f {
			b.WriteByte('_')
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Worker transmits one instance's metric batches to a carbon receiver in
// handoff order.
type Worker struct {
	in      *exporting.Instance
	conn    *Connector
	log     *zap.Logger
	backoff []time.Duration

	host string
	port int
	g    *graphite.Graphite
}

// NewWorker wires a sender to its connector's handoff channel. The carbon
// connection is established lazily, on the first batch.
func NewWorker(in *exporting.Instance, conn *Connector, log *zap.Logger) (*Worker, error) {
	cfg := in.Config()
	host, portStr, err := net.SplitHostPort(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("graphite destination %q: %w", cfg.Destination, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("graphite destination %q: %w", cfg.Destination, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		in:      in,
		conn:    conn,
		log:     log.With(zap.String("instance", cfg.Name)),
		backoff: misc.DefaultBackoff,
		host:    host,
		port:    port,
	}, nil
}

// Run sends batches until the handoff channel closes. Sends run on a context
// detached from ctx so a batch already handed off still goes out after
// cancellation; a batch failing beyond the retry schedule is dropped and the
// worker moves on.
func (w *Worker) Run(ctx context.Context) {
	drainCtx := context.WithoutCancel(ctx)
	stats := w.in.Stats()
	for batch := range w.conn.Out() {
		op := func() error { return w.send(batch) }
		if err := misc.Retry(drainCtx, w.backoff, transport.IsRetryable, op); err != nil {
			stats.SendFailures.Inc(1)
			w.log.Error("metric batch dropped",
				zap.Int("metrics", len(batch)),
				zap.Error(err))
			continue
		}
		stats.SentBatches.Inc(1)
		stats.SentBytes.Inc(batchBytes(batch))
	}
	if w.g != nil {
		_ = w.g.Disconnect()
	}
	w.log.Info("graphite worker stopped")
}

// send pushes one batch through the carbon connection, reconnecting from
// scratch after any failure so the next attempt starts clean.
func (w *Worker) send(batch []graphite.Metric) error {
	if w.g == nil {
		g, err := graphite.NewGraphite(w.host, w.port)
		if err != nil {
			return fmt.Errorf("connect carbon %s:%d: %w", w.host, w.port, err)
		}
		w.g = g
	}
	if err := w.g.SendMetrics(batch); err != nil {
		_ = w.g.Disconnect()
		w.g = nil
		return fmt.Errorf("send metrics: %w", err)
	}
	return nil
}

// batchBytes sizes the line protocol rendering of a batch, one
// "name value timestamp\n" line per metric.
func batchBytes(batch []graphite.Metric) int64 {
	var n int
	for _, m := range batch {
		n += len(m.Name) + len(m.Value) + len(strconv.FormatInt(m.Timestamp, 10)) + 3
	}
	return int64(n)
}
