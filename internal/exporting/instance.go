package exporting

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/misc"
)

// Config describes one configured export target.
type Config struct {
	Name        string
	Destination string
	Prefix      string
	Source      domain.DataSource
	UpdateEvery time.Duration

	// SendLabels enables the host label fragment; LabelFilter narrows it
	// down to label keys matching the pattern (nil means allow all).
	SendLabels  bool
	LabelFilter *Pattern

	// TLS only affects how the transport worker dials the destination.
	TLS bool
}

// Payload is one finished batch, frozen at end-batch. The body buffer is
// owned by the transport worker from handoff until it is recycled.
type Payload struct {
	Seq     uint64
	Header  []byte
	Body    *bytes.Buffer
	Records int
}

// HeaderPreparer is implemented by connectors whose wire variant needs a
// request preamble. It runs strictly after the batch buffer is frozen,
// because the preamble embeds the final body length.
type HeaderPreparer interface {
	PrepareHeader(destination string, contentLength int) []byte
}

// Instance is one configured connector: its stages, its accumulation buffer,
// its cached label fragment, and the handoff channel shared with the
// transport worker. The buffer is owned by the formatting producer while a
// cycle is in progress; ownership moves to the worker at end-batch.
type Instance struct {
	cfg    Config
	stages Stages

	buf     *bytes.Buffer
	labels  bytes.Buffer
	records int
	seq     uint64

	pool *misc.Pool[*bytes.Buffer]
	out  chan *Payload

	storedValue StoredValueFunc
	stats       *Stats
	log         *zap.Logger
}

// Option adjusts optional Instance collaborators.
type Option func(*Instance)

// WithStoredValue injects the storage engine's value-derivation function,
// used by connectors running in the Average source mode.
func WithStoredValue(fn StoredValueFunc) Option {
	return func(in *Instance) { in.storedValue = fn }
}

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(in *Instance) { in.log = log }
}

// NewInstance validates the config and wires an instance to its connector.
func NewInstance(cfg Config, stages Stages, opts ...Option) (*Instance, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("exporter %q: %w", cfg.Name, domain.ErrNoDestination)
	}
	if cfg.UpdateEvery <= 0 {
		cfg.UpdateEvery = 10 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = domain.AsCollected
	}

	pool := misc.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) })
	in := &Instance{
		cfg:    cfg,
		stages: stages,
		buf:    pool.Get(),
		pool:   pool,
		out:    make(chan *Payload, 1),
		stats:  newStats(cfg.Name),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(in)
	}
	return in, nil
}

// Config returns the instance configuration.
func (in *Instance) Config() Config { return in.cfg }

// Buffer is the live batch buffer connectors append records to.
func (in *Instance) Buffer() *bytes.Buffer { return in.buf }

// Labels is the per-host label fragment cache. It is rendered once at
// begin-host, reused for every dimension of that host, and flushed at
// end-host.
func (in *Instance) Labels() *bytes.Buffer { return &in.labels }

// Stats exposes the instance counters shared with the transport worker.
func (in *Instance) Stats() *Stats { return in.stats }

// Out is the handoff channel the transport worker drains. It is closed when
// the engine shuts down; a closed channel with drained payloads means no
// batch was lost.
func (in *Instance) Out() <-chan *Payload { return in.out }

// StoredValue invokes the storage engine's derivation function for d.
// Without an injected function there is no history to derive from, so NaN
// is reported and the caller skips the sample.
func (in *Instance) StoredValue(d *domain.Dimension, now time.Time) (float64, time.Time) {
	if in.storedValue == nil {
		return nan, time.Time{}
	}
	return in.storedValue(d, now)
}

// CountRecord marks one record committed to the batch buffer. Connectors
// call it only after bytes were actually written, so NaN-skipped samples
// never inflate the count.
func (in *Instance) CountRecord() {
	in.records++
}

// Recycle returns a drained payload body to the instance buffer pool.
func (in *Instance) Recycle(buf *bytes.Buffer) {
	in.pool.Put(buf)
}

// Export runs one full cycle over hosts in stage order and hands the
// finished batch off. It is invoked by the engine only; it must never run
// concurrently with itself for the same instance.
func (in *Instance) Export(hosts []*domain.Host, local *domain.Host, localName string, now time.Time) error {
	c := &Cycle{
		Instance:      in,
		LocalHost:     local,
		LocalHostname: localName,
		Now:           now,
	}

	if err := in.stages.BeginBatch(c); err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, h := range hosts {
		c.Host = h
		if err := in.stages.BeginHost(c); err != nil {
			return fmt.Errorf("host %s: %w", h.Hostname, err)
		}
		for _, ch := range h.Charts {
			c.Chart = ch
			if err := in.stages.BeginChart(c); err != nil {
				return fmt.Errorf("chart %s: %w", ch.ID, err)
			}
			for _, d := range ch.Dimensions {
				if err := in.stages.Dimension(c, d); err != nil {
					return fmt.Errorf("dimension %s.%s: %w", ch.ID, d.ID, err)
				}
			}
			if err := in.stages.EndChart(c); err != nil {
				return fmt.Errorf("chart %s: %w", ch.ID, err)
			}
			c.Chart = nil
		}
		if err := in.stages.EndHost(c); err != nil {
			return fmt.Errorf("host %s: %w", h.Hostname, err)
		}
		c.Host = nil
	}
	if err := in.stages.EndBatch(c); err != nil {
		return fmt.Errorf("end batch: %w", err)
	}

	in.publish()
	return nil
}

// publish freezes the batch buffer, prepares the header for variants that
// need one, and blocks until the transport worker has room for it. Batches
// therefore reach the worker in exact cycle-completion order.
func (in *Instance) publish() {
	if in.records == 0 {
		in.buf.Reset()
		return
	}

	body := in.buf
	in.buf = in.pool.Get()

	records := in.records
	in.records = 0
	in.seq++

	var header []byte
	if hp, ok := in.stages.(HeaderPreparer); ok {
		header = hp.PrepareHeader(in.cfg.Destination, body.Len())
	}

	in.stats.BufferedMetrics.Inc(int64(records))
	in.stats.BufferedBytes.Inc(int64(body.Len()))

	in.out <- &Payload{
		Seq:     in.seq,
		Header:  header,
		Body:    body,
		Records: records,
	}
}

// Close seals the handoff channel after the last cycle completed. The
// transport worker drains anything still pending and exits.
func (in *Instance) Close() {
	close(in.out)
}
