// Package transport implements the sending side of an exporter instance: a
// long-lived worker that drains finalized batches in handoff order and
// performs all network I/O the formatting pipeline is forbidden to do.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/exporting"
	"github.com/exportpipe/exportpipe/internal/misc"
)

const (
	dialTimeout     = 5 * time.Second
	responseTimeout = 5 * time.Second
)

// Worker transmits one instance's batches. Batches are sent (or dropped
// after the retry schedule is exhausted) strictly in handoff order.
type Worker struct {
	in      *exporting.Instance
	log     *zap.Logger
	backoff []time.Duration
	dial    func() (net.Conn, error)
}

// Option adjusts worker behavior.
type Option func(*Worker)

// WithBackoff replaces the default retry schedule.
func WithBackoff(delays []time.Duration) Option {
	return func(w *Worker) { w.backoff = delays }
}

// WithDialer replaces the destination dialer, for tests.
func WithDialer(dial func() (net.Conn, error)) Option {
	return func(w *Worker) { w.dial = dial }
}

// NewWorker wires a worker to its instance's handoff channel.
func NewWorker(in *exporting.Instance, log *zap.Logger, opts ...Option) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		in:      in,
		log:     log.With(zap.String("instance", in.Config().Name)),
		backoff: misc.DefaultBackoff,
	}
	w.dial = w.dialDestination
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run drains the handoff channel until it is closed, then returns. A batch
// that keeps failing after the retry schedule is dropped, counted, and the
// worker moves on; delivery is at-most-once by design.
func (w *Worker) Run(ctx context.Context) {
	stats := w.in.Stats()
	for p := range w.in.Out() {
		if err := w.send(ctx, p); err != nil {
			stats.SendFailures.Inc(1)
			w.log.Error("batch dropped",
				zap.Uint64("seq", p.Seq),
				zap.Int("records", p.Records),
				zap.Error(err))
		} else {
			stats.SentBatches.Inc(1)
			stats.SentBytes.Inc(int64(len(p.Header) + p.Body.Len()))
			w.log.Debug("batch sent",
				zap.Uint64("seq", p.Seq),
				zap.Int("records", p.Records),
				zap.Int("bytes", p.Body.Len()))
		}
		w.in.Recycle(p.Body)
	}
	w.log.Info("transport worker stopped")
}

func (w *Worker) send(ctx context.Context, p *exporting.Payload) error {
	op := func() error {
		conn, err := w.dial()
		if err != nil {
			return fmt.Errorf("dial %s: %w", w.in.Config().Destination, err)
		}
		defer conn.Close()

		if len(p.Header) > 0 {
			if _, err := conn.Write(p.Header); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
		}
		if _, err := conn.Write(p.Body.Bytes()); err != nil {
			return fmt.Errorf("write body: %w", err)
		}

		discardResponse(conn)
		return nil
	}
	return misc.Retry(ctx, w.backoff, IsRetryable, op)
}

func (w *Worker) dialDestination() (net.Conn, error) {
	cfg := w.in.Config()
	if cfg.TLS {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}}
		return d.Dial("tcp", cfg.Destination)
	}
	return net.DialTimeout("tcp", cfg.Destination, dialTimeout)
}

// discardResponse is the check_response pass-through: whatever the backend
// answers is read and dropped, leaving retry policy to transmission errors
// only. A silent backend is treated the same as an accepting one.
func discardResponse(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(responseTimeout))
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// IsRetryable classifies transient network failures worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
