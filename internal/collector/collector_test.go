package collector

import (
	"math"
	"testing"
	"time"

	"github.com/exportpipe/exportpipe/internal/domain"
)

func testCollector() *Collector {
	c := New(Config{
		Hostname: "web01",
		Tags:     "env:prod",
		Labels:   []domain.Label{{Key: "room", Value: "dc1"}},
	}, nil)
	c.layout(2)
	return c
}

func TestLayoutBuildsCharts(t *testing.T) {
	c := testCollector()

	if len(c.host.Charts) != 3 {
		t.Fatalf("charts = %d, want 3", len(c.host.Charts))
	}
	cpuChart := c.host.Charts[0]
	if cpuChart.ID != "system.cpu" || len(cpuChart.Dimensions) != 2 {
		t.Fatalf("cpu chart = %q with %d dims", cpuChart.ID, len(cpuChart.Dimensions))
	}
	ram := c.host.Charts[1]
	if ram.ID != "system.ram" || len(ram.Dimensions) != 3 {
		t.Fatalf("ram chart = %q with %d dims", ram.ID, len(ram.Dimensions))
	}
	if ram.Dimensions[0].ID != "ram_used" || ram.Dimensions[0].Name != "used" {
		t.Fatalf("ram dim = %q/%q", ram.Dimensions[0].ID, ram.Dimensions[0].Name)
	}
	dsk := c.host.Charts[2]
	if dsk.ID != "disk.root" || len(dsk.Dimensions) != 2 {
		t.Fatalf("disk chart = %q with %d dims", dsk.ID, len(dsk.Dimensions))
	}
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	c := testCollector()
	now := time.Unix(1700000000, 0)
	c.set("cpu0", 4200, 42, now)

	hosts, local := c.Snapshot()
	if len(hosts) != 1 || hosts[0] != local {
		t.Fatalf("want a single local host, got %d hosts", len(hosts))
	}
	if local.Hostname != "web01" || local.Tags != "env:prod" {
		t.Fatalf("host = %q tags %q", local.Hostname, local.Tags)
	}
	got := local.Charts[0].Dimensions[0]
	if got.LastCollectedValue != 4200 || !got.LastCollectedTime.Equal(now) {
		t.Fatalf("dim = %+v", got)
	}

	// Mutating the live tree must not show through the snapshot.
	c.set("cpu0", 9900, 99, now.Add(time.Second))
	if got.LastCollectedValue != 4200 {
		t.Fatalf("snapshot changed after set: %d", got.LastCollectedValue)
	}

	labels := local.Labels.Snapshot()
	if len(labels) != 1 || labels[0].Key != "room" {
		t.Fatalf("labels = %+v", labels)
	}
}

func TestStoredValueMeansWindow(t *testing.T) {
	c := testCollector()
	base := time.Unix(1700000000, 0)
	for i, v := range []float64{10, 20, 60} {
		c.set("cpu1", int64(v*100), v, base.Add(time.Duration(i)*time.Second))
	}

	d := &domain.Dimension{ID: "cpu1"}
	v, at := c.StoredValue(d, base.Add(3*time.Second))
	if v != 30 {
		t.Fatalf("stored value = %v, want 30", v)
	}
	if !at.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("stored time = %v", at)
	}
}

func TestStoredValueNaNWithoutHistory(t *testing.T) {
	c := testCollector()

	v, _ := c.StoredValue(&domain.Dimension{ID: "ram_used"}, time.Now())
	if !math.IsNaN(v) {
		t.Fatalf("stored value = %v, want NaN", v)
	}
}

func TestWindowWrapsAtCapacity(t *testing.T) {
	w := &window{}
	base := time.Unix(1700000000, 0)
	for i := 0; i < historyCap+5; i++ {
		w.push(float64(i), base.Add(time.Duration(i)*time.Second))
	}
	if len(w.values) != historyCap || !w.full {
		t.Fatalf("len = %d full = %v", len(w.values), w.full)
	}
	latest := w.times[(w.next+historyCap-1)%historyCap]
	if !latest.Equal(base.Add(time.Duration(historyCap+4) * time.Second)) {
		t.Fatalf("latest = %v", latest)
	}
}
