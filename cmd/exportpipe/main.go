package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/exportpipe/exportpipe/internal/collector"
	"github.com/exportpipe/exportpipe/internal/config"
	"github.com/exportpipe/exportpipe/internal/exporting"
	"github.com/exportpipe/exportpipe/internal/exporting/graphiteconn"
	"github.com/exportpipe/exportpipe/internal/exporting/jsonconn"
	"github.com/exportpipe/exportpipe/internal/exporting/pgconn"
	"github.com/exportpipe/exportpipe/internal/misc"
	"github.com/exportpipe/exportpipe/internal/transport"
	"github.com/exportpipe/exportpipe/pkg/util"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	util.PrintBuildInfo(buildVersion, buildDate, buildCommit)

	cfg, err := config.Load(os.Args[1:], nil)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lvl, err := zapcore.ParseLevel(misc.Getenv("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("failed to parse LOG_LEVEL: %v", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := collector.New(collector.Config{
		Hostname: cfg.Hostname,
		Tags:     cfg.Tags,
		Labels:   cfg.HostLabels(),
		Interval: cfg.CollectInterval(),
	}, logger)
	if err := col.Start(ctx); err != nil {
		log.Fatalf("failed to start collector: %v", err)
	}
	defer col.Stop()

	eng := exporting.NewEngine(cfg.Hostname, cfg.CollectInterval(), col, logger)

	var wg sync.WaitGroup
	var pgConns []*pgconn.Connector
	var grConns []*graphiteconn.Connector

	for _, e := range cfg.Exporters {
		ic := e.InstanceConfig()

		var stages exporting.Stages
		var pg *pgconn.Connector
		var gr *graphiteconn.Connector
		switch e.Type {
		case config.TypeJSON:
			stages = jsonconn.NewPlaintext()
		case config.TypeJSONHTTP:
			stages = jsonconn.NewHTTP()
		case config.TypeGraphite:
			gr = graphiteconn.New()
			stages = gr
		case config.TypeTimescaleDB:
			pg = pgconn.New()
			stages = pg
		}

		in, err := exporting.NewInstance(ic, stages,
			exporting.WithStoredValue(col.StoredValue),
			exporting.WithLogger(logger))
		if err != nil {
			log.Fatalf("failed to build exporter %q: %v", e.Name, err)
		}
		eng.Add(in)

		if pg != nil {
			db, err := sql.Open("postgres", e.Destination)
			if err != nil {
				log.Fatalf("failed to open postgres for %q: %v", e.Name, err)
			}
			defer db.Close()

			migrate := func() error { return pgconn.Migrate(db) }
			if err := misc.Retry(ctx, misc.DefaultBackoff, pgconn.IsRetryable, migrate); err != nil {
				log.Fatalf("failed to migrate postgres for %q: %v", e.Name, err)
			}

			pgConns = append(pgConns, pg)
			w := pgconn.NewWorker(db, pg, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
			continue
		}

		if gr != nil {
			w, err := graphiteconn.NewWorker(in, gr, logger)
			if err != nil {
				log.Fatalf("failed to build graphite sender for %q: %v", e.Name, err)
			}
			grConns = append(grConns, gr)
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
			continue
		}

		w := transport.NewWorker(in, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	logger.Info("exportpipe started",
		zap.String("hostname", cfg.Hostname),
		zap.Duration("interval", cfg.CollectInterval()),
		zap.Int("exporters", len(cfg.Exporters)))

	if err := eng.Run(ctx); err != nil {
		log.Fatal(err)
	}
	for _, pg := range pgConns {
		pg.Close()
	}
	for _, gr := range grConns {
		gr.Close()
	}
	wg.Wait()
}
