// Package domain holds the host/chart/dimension model the exporting
// pipeline renders from. The storage engine that fills these values in is
// an external collaborator; this package only describes its shape.
package domain

import (
	"sync"
	"time"
)

// DataSource selects how a dimension value is obtained for export.
type DataSource string

const (
	// AsCollected exports the raw last collected value, unmodified.
	AsCollected DataSource = "as-collected"
	// Average exports a value derived from retained history.
	Average DataSource = "average"
)

// Label is a single host-level key/value metadata pair.
type Label struct {
	Key   string
	Value string
}

// LabelSet is an ordered label collection guarded against concurrent
// mutation. Collectors replace it wholesale; formatters take snapshots.
type LabelSet struct {
	mu     sync.RWMutex
	labels []Label
}

// Replace swaps the whole label list.
func (ls *LabelSet) Replace(labels []Label) {
	ls.mu.Lock()
	ls.labels = labels
	ls.mu.Unlock()
}

// Snapshot returns a copy of the labels taken under the read lock, so a
// render never observes a partially-mutated list.
func (ls *LabelSet) Snapshot() []Label {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Label, len(ls.labels))
	copy(out, ls.labels)
	return out
}

// Len reports the current number of labels.
func (ls *LabelSet) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.labels)
}

// Dimension is one time series within a chart. LastCollectedValue and
// LastCollectedTime are the raw collector outputs; derived values come from
// the storage engine via a StoredValueFunc.
type Dimension struct {
	ID   string
	Name string

	LastCollectedValue int64
	LastCollectedTime  time.Time
}

// Chart is a named group of dimensions on one host.
type Chart struct {
	ID      string
	Name    string
	Family  string
	Context string
	Type    string
	Units   string

	Dimensions []*Dimension
}

// Host is a monitored entity producing charts. Tags is the raw host tag
// string; it may be plain text or a literal JSON value.
type Host struct {
	Hostname string
	Tags     string
	Labels   LabelSet

	Charts []*Chart
}
