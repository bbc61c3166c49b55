// Package exporting drives configured exporter instances: once per cycle it
// walks every host, chart, and dimension selected for export, lets the
// instance's connector render records into the instance buffer, and hands the
// finished batch to the transport worker.
package exporting

import (
	"time"

	"github.com/exportpipe/exportpipe/internal/domain"
)

// Stages is the staged contract a connector implements. The driver invokes
// the stages in strict order per cycle:
//
//	BeginBatch
//	  BeginHost
//	    BeginChart
//	      Dimension*
//	    EndChart
//	  EndHost
//	EndBatch
//
// Every stage except Dimension is optional; connectors embed NopStages and
// override only what their wire format needs.
type Stages interface {
	BeginBatch(c *Cycle) error
	BeginHost(c *Cycle) error
	BeginChart(c *Cycle) error
	Dimension(c *Cycle, d *domain.Dimension) error
	EndChart(c *Cycle) error
	EndHost(c *Cycle) error
	EndBatch(c *Cycle) error
}

// NopStages is the identity implementation of every optional stage.
type NopStages struct{}

func (NopStages) BeginBatch(*Cycle) error { return nil }
func (NopStages) BeginHost(*Cycle) error  { return nil }
func (NopStages) BeginChart(*Cycle) error { return nil }
func (NopStages) EndChart(*Cycle) error   { return nil }
func (NopStages) EndHost(*Cycle) error    { return nil }
func (NopStages) EndBatch(*Cycle) error   { return nil }

// Cycle is the context of one export cycle for one instance. The local host
// identity travels with the cycle instead of living in a process-wide
// singleton; connectors compare Host against LocalHost to decide whether the
// configured default hostname applies.
type Cycle struct {
	Instance *Instance

	// LocalHost is the host this process runs on; LocalHostname is the
	// engine-wide default name substituted when Host == LocalHost.
	LocalHost     *domain.Host
	LocalHostname string

	Host  *domain.Host
	Chart *domain.Chart

	Now time.Time
}

// Hostname resolves the name to embed for the cycle's current host.
func (c *Cycle) Hostname() string {
	if c.Host == c.LocalHost && c.LocalHostname != "" {
		return c.LocalHostname
	}
	return c.Host.Hostname
}

// StoredValueFunc derives a value and its timestamp from retained history.
// It belongs to the storage engine; a NaN value means no data is available
// for the requested point and the sample must be skipped.
type StoredValueFunc func(d *domain.Dimension, now time.Time) (float64, time.Time)
