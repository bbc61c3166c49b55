// Package collector samples host CPU, memory, and disk statistics and exposes them
// as the host/chart/dimension tree the exporting engine walks.
package collector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/exportpipe/exportpipe/internal/domain"
)

// historyCap bounds the per-dimension sample window used for averaged
// stored values.
const historyCap = 120

// Config describes the local host the collector reports as.
type Config struct {
	Hostname string
	Tags     string
	Labels   []domain.Label
	Interval time.Duration
}

// Collector periodically samples host CPU/RAM/disk usage and keeps the results in
// a domain.Host tree plus a per-dimension history window.
type Collector struct {
	cfg  Config
	log  *zap.Logger
	stop chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	host  *domain.Host
	hist  map[string]*window
	cores int
}

// window is a ring of recent samples for one dimension.
type window struct {
	values []float64
	times  []time.Time
	next   int
	full   bool
}

func (w *window) push(v float64, at time.Time) {
	if len(w.values) < historyCap {
		w.values = append(w.values, v)
		w.times = append(w.times, at)
		return
	}
	w.values[w.next] = v
	w.times[w.next] = at
	w.next = (w.next + 1) % historyCap
	w.full = true
}

// New creates a Collector for the local host. Charts and dimensions are laid
// out on the first Start tick, once the core count is known.
func New(cfg Config, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	h := &domain.Host{Hostname: cfg.Hostname, Tags: cfg.Tags}
	h.Labels.Replace(cfg.Labels)
	return &Collector{
		cfg:  cfg,
		log:  log,
		stop: make(chan struct{}),
		host: h,
		hist: make(map[string]*window),
	}
}

// Start launches the sampling goroutine. It returns after the first sample
// completes so that the chart layout exists before the engine runs.
func (c *Collector) Start(ctx context.Context) error {
	if err := c.sample(time.Now()); err != nil {
		return fmt.Errorf("collector: first sample: %w", err)
	}

	t := time.NewTicker(c.cfg.Interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case now := <-t.C:
				if err := c.sample(now); err != nil {
					c.log.Warn("host sample failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the sampling goroutine and waits for it to exit.
func (c *Collector) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.wg.Wait()
}

func (c *Collector) sample(now time.Time) error {
	pct, err := cpu.Percent(0, true)
	if err != nil {
		return fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}
	du, err := disk.Usage("/")
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cores != len(pct) {
		c.layout(len(pct))
	}
	for i, p := range pct {
		// CPU utilization is kept in hundredths of a percent so the
		// as-collected integer keeps two decimal places.
		c.set(fmt.Sprintf("cpu%d", i), int64(p*100), p, now)
	}
	c.set("ram_used", int64(vm.Used), float64(vm.Used), now)
	c.set("ram_free", int64(vm.Free), float64(vm.Free), now)
	c.set("ram_cached", int64(vm.Cached), float64(vm.Cached), now)
	c.set("disk_used", int64(du.Used), float64(du.Used), now)
	c.set("disk_avail", int64(du.Free), float64(du.Free), now)
	return nil
}

// layout rebuilds the chart tree for the given core count. Dimension IDs are
// unique host-wide; the history map is keyed by them.
func (c *Collector) layout(cores int) {
	cpuChart := &domain.Chart{
		ID:      "system.cpu",
		Name:    "cpu",
		Family:  "cpu",
		Context: "system.cpu",
		Type:    "system",
		Units:   "percentage",
	}
	for i := 0; i < cores; i++ {
		id := fmt.Sprintf("cpu%d", i)
		cpuChart.Dimensions = append(cpuChart.Dimensions, &domain.Dimension{ID: id, Name: id})
	}

	ramChart := &domain.Chart{
		ID:      "system.ram",
		Name:    "ram",
		Family:  "ram",
		Context: "system.ram",
		Type:    "system",
		Units:   "bytes",
	}
	for _, id := range []string{"ram_used", "ram_free", "ram_cached"} {
		name := id[len("ram_"):]
		ramChart.Dimensions = append(ramChart.Dimensions, &domain.Dimension{ID: id, Name: name})
	}

	diskChart := &domain.Chart{
		ID:      "disk.root",
		Name:    "root",
		Family:  "disk",
		Context: "disk.space",
		Type:    "disk",
		Units:   "bytes",
	}
	for _, id := range []string{"disk_used", "disk_avail"} {
		name := id[len("disk_"):]
		diskChart.Dimensions = append(diskChart.Dimensions, &domain.Dimension{ID: id, Name: name})
	}

	c.host.Charts = []*domain.Chart{cpuChart, ramChart, diskChart}
	c.cores = cores
}

func (c *Collector) set(dimID string, collected int64, stored float64, now time.Time) {
	for _, ch := range c.host.Charts {
		for _, d := range ch.Dimensions {
			if d.ID != dimID {
				continue
			}
			d.LastCollectedValue = collected
			d.LastCollectedTime = now
			w := c.hist[dimID]
			if w == nil {
				w = &window{}
				c.hist[dimID] = w
			}
			w.push(stored, now)
			return
		}
	}
}

// Snapshot returns a deep copy of the local host tree. The engine and the
// connectors read the copy without racing the sampling goroutine.
func (c *Collector) Snapshot() (hosts []*domain.Host, local *domain.Host) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &domain.Host{Hostname: c.host.Hostname, Tags: c.host.Tags}
	h.Labels.Replace(c.host.Labels.Snapshot())
	for _, ch := range c.host.Charts {
		cc := &domain.Chart{
			ID:      ch.ID,
			Name:    ch.Name,
			Family:  ch.Family,
			Context: ch.Context,
			Type:    ch.Type,
			Units:   ch.Units,
		}
		for _, d := range ch.Dimensions {
			dc := *d
			cc.Dimensions = append(cc.Dimensions, &dc)
		}
		h.Charts = append(h.Charts, cc)
	}
	return []*domain.Host{h}, h
}

// StoredValue is a StoredValueFunc computing the mean of the dimension's
// recent sample window. It reports NaN when no samples exist yet.
func (c *Collector) StoredValue(d *domain.Dimension, now time.Time) (float64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.hist[d.ID]
	if w == nil || len(w.values) == 0 {
		return math.NaN(), now
	}
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	last := w.times[len(w.times)-1]
	if w.full {
		last = w.times[(w.next+historyCap-1)%historyCap]
	}
	return sum / float64(len(w.values)), last
}
