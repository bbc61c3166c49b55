package pgconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"math"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/exporting"
)

var insertPat = regexp.MustCompile(regexp.QuoteMeta(
	"INSERT INTO samples (hostname, chart_id, chart_context, dimension_id, value, collected_at)"))

func testHost() *domain.Host {
	return &domain.Host{
		Hostname: "db42",
		Charts: []*domain.Chart{{
			ID: "system.cpu", Name: "cpu", Context: "system.cpu",
			Dimensions: []*domain.Dimension{
				{ID: "user", Name: "user", LastCollectedValue: 42, LastCollectedTime: time.Unix(1700000000, 0)},
				{ID: "system", Name: "system", LastCollectedValue: 7, LastCollectedTime: time.Unix(1700000000, 0)},
			},
		}},
	}
}

func exportRows(t *testing.T, conn *Connector, cfg exporting.Config, opts ...exporting.Option) []Row {
	t.Helper()
	cfg.Name = "pg"
	cfg.Destination = "postgres://unused"
	in, err := exporting.NewInstance(cfg, conn, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Export([]*domain.Host{testHost()}, nil, "web01", time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case rows := <-conn.Out():
		return rows
	default:
		return nil
	}
}

func TestConnector_AccumulatesRows(t *testing.T) {
	rows := exportRows(t, New(), exporting.Config{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	want := Row{
		Hostname: "db42", ChartID: "system.cpu", ChartContext: "system.cpu",
		DimensionID: "user", Value: 42, CollectedAt: time.Unix(1700000000, 0),
	}
	if rows[0] != want {
		t.Fatalf("row[0] = %+v, want %+v", rows[0], want)
	}
}

func TestConnector_NaNSkipped(t *testing.T) {
	stored := func(d *domain.Dimension, now time.Time) (float64, time.Time) {
		if d.ID == "user" {
			return math.NaN(), time.Time{}
		}
		return 1.25, time.Unix(1700000060, 0)
	}
	rows := exportRows(t, New(), exporting.Config{Source: domain.Average},
		exporting.WithStoredValue(stored))
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].DimensionID != "system" || rows[0].Value != 1.25 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestConnector_EmptyCycleNoHandoff(t *testing.T) {
	conn := New()
	in, err := exporting.NewInstance(exporting.Config{Name: "pg-empty", Destination: "x"}, conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Export(nil, nil, "web01", time.Now()); err != nil {
		t.Fatal(err)
	}
	select {
	case rows := <-conn.Out():
		t.Fatalf("empty cycle handed off %d rows", len(rows))
	default:
	}
}

func newMock(t *testing.T) (*Worker, sqlmock.Sqlmock, *Connector, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	conn := New()
	w := NewWorker(db, conn, nil)
	w.backoff = nil
	return w, mock, conn, func() { _ = db.Close() }
}

func TestWorker_InsertsBatchInOneTx(t *testing.T) {
	w, mock, _, done := newMock(t)
	defer done()

	ts := time.Unix(1700000000, 0)
	rows := []Row{
		{Hostname: "db42", ChartID: "system.cpu", ChartContext: "system.cpu", DimensionID: "user", Value: 42, CollectedAt: ts},
		{Hostname: "db42", ChartID: "system.cpu", ChartContext: "system.cpu", DimensionID: "system", Value: 7, CollectedAt: ts},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insertPat.String())
	for _, r := range rows {
		prep.ExpectExec().
			WithArgs(r.Hostname, r.ChartID, r.ChartContext, r.DimensionID, r.Value, r.CollectedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := w.insertBatch(context.Background(), rows); err != nil {
		t.Fatalf("insertBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_RollsBackOnExecError(t *testing.T) {
	w, mock, _, done := newMock(t)
	defer done()

	rows := []Row{{Hostname: "db42", ChartID: "c", ChartContext: "c", DimensionID: "d", Value: 1, CollectedAt: time.Now()}}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insertPat.String())
	prep.ExpectExec().WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if err := w.insertBatch(context.Background(), rows); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_RunDrainsUntilClose(t *testing.T) {
	w, mock, conn, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insertPat.String())
	prep.ExpectExec().
		WithArgs("db42", "c", "c", "d", 1.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	go func() {
		conn.out <- []Row{{Hostname: "db42", ChartID: "c", ChartContext: "c", DimensionID: "d", Value: 1, CollectedAt: time.Now()}}
		conn.Close()
	}()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w.Run(context.Background())
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after close")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_InsertsPendingBatchAfterCancel(t *testing.T) {
	w, mock, conn, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insertPat.String())
	prep.ExpectExec().
		WithArgs("db42", "c", "c", "d", 1.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The batch is handed off before the run context dies; the drain must
	// still insert it instead of failing on the canceled context.
	conn.out <- []Row{{Hostname: "db42", ChartID: "c", ChartContext: "c", DimensionID: "d", Value: 1, CollectedAt: time.Now()}}
	conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w.Run(ctx)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after close")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"pg connection failure", &pq.Error{Code: pq.ErrorCode(pgerrcode.ConnectionFailure)}, true},
		{"pg serialization failure", &pq.Error{Code: pq.ErrorCode(pgerrcode.SerializationFailure)}, true},
		{"pg 08 class", &pq.Error{Code: "08P01"}, true},
		{"pg syntax error", &pq.Error{Code: pq.ErrorCode(pgerrcode.SyntaxError)}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
