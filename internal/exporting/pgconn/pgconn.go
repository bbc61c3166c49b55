// Package pgconn implements a TimescaleDB/Postgres connector. It takes part
// in the same staged lifecycle as the wire-format connectors, but its batch
// is a row set rather than a byte buffer: rows accumulate during the cycle
// and are handed to a dedicated insert worker at end-batch.
package pgconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/exporting"
	"github.com/exportpipe/exportpipe/internal/misc"
)

// Row is one sample ready for insertion.
type Row struct {
	Hostname     string
	ChartID      string
	ChartContext string
	DimensionID  string
	Value        float64
	CollectedAt  time.Time
}

// Connector accumulates rows during a cycle. End-batch hands the row set to
// the worker; the formatting path never touches the database.
type Connector struct {
	exporting.NopStages
	rows []Row
	out  chan []Row
}

// New returns a postgres connector with a capacity-1 handoff, mirroring the
// byte-buffer connectors' ordering guarantee.
func New() *Connector {
	return &Connector{out: make(chan []Row, 1)}
}

// Out is the row-batch handoff channel the insert worker drains.
func (p *Connector) Out() <-chan []Row { return p.out }

// Close seals the handoff channel once the engine stopped.
func (p *Connector) Close() { close(p.out) }

func (p *Connector) Dimension(c *exporting.Cycle, d *domain.Dimension) error {
	in := c.Instance
	cfg := in.Config()

	var value float64
	var ts time.Time
	if cfg.Source == domain.Average {
		v, t := in.StoredValue(d, c.Now)
		if math.IsNaN(v) {
			return nil
		}
		value, ts = v, t
	} else {
		value = float64(d.LastCollectedValue)
		ts = d.LastCollectedTime
	}

	p.rows = append(p.rows, Row{
		Hostname:     c.Hostname(),
		ChartID:      c.Chart.ID,
		ChartContext: c.Chart.Context,
		DimensionID:  d.ID,
		Value:        value,
		CollectedAt:  ts,
	})
	return nil
}

func (p *Connector) EndBatch(c *exporting.Cycle) error {
	if len(p.rows) == 0 {
		return nil
	}
	rows := p.rows
	p.rows = nil
	p.out <- rows
	return nil
}

const insertSQL = `
INSERT INTO samples (hostname, chart_id, chart_context, dimension_id, value, collected_at)
VALUES ($1, $2, $3, $4, $5, $6);`

// Worker drains row batches and inserts each inside one transaction.
type Worker struct {
	db      *sql.DB
	conn    *Connector
	log     *zap.Logger
	backoff []time.Duration
}

// NewWorker wires the insert worker to a connector's handoff channel.
func NewWorker(db *sql.DB, conn *Connector, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{db: db, conn: conn, log: log, backoff: misc.DefaultBackoff}
}

// Run inserts batches until the handoff channel closes. A batch failing
// beyond the retry schedule is dropped, keeping per-instance order intact.
// Inserts run on a context detached from ctx: a batch already handed off is
// still written out after cancellation, the same way the byte transport
// drains its channel on shutdown.
func (w *Worker) Run(ctx context.Context) {
	drainCtx := context.WithoutCancel(ctx)
	for rows := range w.conn.Out() {
		op := func() error { return w.insertBatch(drainCtx, rows) }
		if err := misc.Retry(drainCtx, w.backoff, IsRetryable, op); err != nil {
			w.log.Error("row batch dropped", zap.Int("rows", len(rows)), zap.Error(err))
		}
	}
	w.log.Info("postgres worker stopped")
}

func (w *Worker) insertBatch(ctx context.Context, rows []Row) (retErr error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Hostname, r.ChartID, r.ChartContext, r.DimensionID, r.Value, r.CollectedAt); err != nil {
			return fmt.Errorf("insert %s.%s: %w", r.ChartID, r.DimensionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var retryablePGCodes = map[string]struct{}{
	pgerrcode.ConnectionException:                           {},
	pgerrcode.ConnectionDoesNotExist:                        {},
	pgerrcode.ConnectionFailure:                             {},
	pgerrcode.SQLClientUnableToEstablishSQLConnection:       {},
	pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection: {},
	pgerrcode.TransactionResolutionUnknown:                  {},
	pgerrcode.SerializationFailure:                          {},
	pgerrcode.DeadlockDetected:                              {},
	pgerrcode.LockNotAvailable:                              {},
	pgerrcode.TooManyConnections:                            {},
	pgerrcode.AdminShutdown:                                 {},
	pgerrcode.CrashShutdown:                                 {},
	pgerrcode.CannotConnectNow:                              {},
	pgerrcode.QueryCanceled:                                 {},
}

// IsRetryable classifies transient Postgres and network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return isRetryablePGCode(string(pqe.Code))
	}
	return false
}

func isRetryablePGCode(code string) bool {
	if _, ok := retryablePGCodes[code]; ok {
		return true
	}
	// Connection (08xxx) and rollback (40xxx) classes as a whole.
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "40")
}
