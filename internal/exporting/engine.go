package exporting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/domain"
)

// HostSource supplies the hosts selected for export each cycle, as an
// immutable per-cycle snapshot. The storage engine behind it is an external
// collaborator.
type HostSource interface {
	Snapshot() (hosts []*domain.Host, local *domain.Host)
}

// Engine schedules export cycles across all configured instances. Cycles run
// synchronously on the engine goroutine; only the transport workers block on
// network I/O.
type Engine struct {
	hostname string
	every    time.Duration
	source   HostSource

	instances []*Instance
	last      map[*Instance]time.Time

	log *zap.Logger
}

// NewEngine creates an engine ticking at the given granularity. hostname is
// the default name substituted for the local host in rendered records.
func NewEngine(hostname string, every time.Duration, src HostSource, log *zap.Logger) *Engine {
	if every <= 0 {
		every = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		hostname: hostname,
		every:    every,
		source:   src,
		last:     make(map[*Instance]time.Time),
		log:      log,
	}
}

// Add registers an instance. Not safe to call after Run started.
func (e *Engine) Add(in *Instance) {
	e.instances = append(e.instances, in)
}

// Instances returns the registered instances, for transport wiring.
func (e *Engine) Instances() []*Instance {
	return e.instances
}

// Run drives export cycles until ctx is canceled, then seals every
// instance's handoff channel. A cycle in progress always completes before
// shutdown, so a partially-formatted batch is never handed off.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, in := range e.instances {
				in.Close()
			}
			e.log.Info("exporting engine stopped")
			return nil
		case now := <-t.C:
			e.ExportOnce(now)
		}
	}
}

// ExportOnce runs a cycle for every instance whose update interval elapsed.
func (e *Engine) ExportOnce(now time.Time) {
	hosts, local := e.source.Snapshot()

	for _, in := range e.instances {
		if last, ok := e.last[in]; ok && now.Sub(last) < in.cfg.UpdateEvery {
			continue
		}
		e.last[in] = now

		if err := in.Export(hosts, local, e.hostname, now); err != nil {
			e.log.Error("export cycle failed",
				zap.String("instance", in.cfg.Name),
				zap.Error(err))
		}
	}
}
