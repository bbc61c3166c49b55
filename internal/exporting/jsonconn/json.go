// Package jsonconn implements the JSON exporting connector in its two wire
// variants: newline-delimited plaintext objects for line-oriented ingestion,
// and a JSON array POSTed over HTTP.
package jsonconn

import (
	"fmt"
	"math"
	"strconv"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/exporting"
)

// Plaintext renders one JSON object per line, newline-terminated, with no
// enclosing array. The overall output is a sequence of top-level JSON
// values; downstream line-oriented consumers depend on exactly that.
type Plaintext struct {
	exporting.NopStages
}

// NewPlaintext returns the unframed JSON connector.
func NewPlaintext() *Plaintext { return &Plaintext{} }

func (p *Plaintext) BeginHost(c *exporting.Cycle) error { return formatHostLabels(c) }

func (p *Plaintext) Dimension(c *exporting.Cycle, d *domain.Dimension) error {
	return formatDimension(c, d, false)
}

func (p *Plaintext) EndHost(c *exporting.Cycle) error { return flushHostLabels(c) }

// HTTP renders the batch as a JSON array and prepares an HTTP request
// preamble once the batch length is known.
type HTTP struct {
	exporting.NopStages
}

// NewHTTP returns the HTTP-framed JSON connector.
func NewHTTP() *HTTP { return &HTTP{} }

func (h *HTTP) BeginBatch(c *exporting.Cycle) error {
	c.Instance.Buffer().WriteString("[\n")
	return nil
}

func (h *HTTP) BeginHost(c *exporting.Cycle) error { return formatHostLabels(c) }

func (h *HTTP) Dimension(c *exporting.Cycle, d *domain.Dimension) error {
	return formatDimension(c, d, true)
}

func (h *HTTP) EndHost(c *exporting.Cycle) error { return flushHostLabels(c) }

func (h *HTTP) EndBatch(c *exporting.Cycle) error {
	c.Instance.Buffer().WriteString("\n]\n")
	return nil
}

// PrepareHeader builds the request preamble. It must only run after the
// batch buffer is frozen: Content-Length embeds the final body length.
func (h *HTTP) PrepareHeader(destination string, contentLength int) []byte {
	return fmt.Appendf(nil,
		"POST /api/put HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Content-Type: application/json\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n",
		destination, contentLength)
}

// formatHostLabels renders the host's label fragment into the instance
// cache. It runs once per host per cycle; every dimension of the host then
// reuses the cached fragment.
func formatHostLabels(c *exporting.Cycle) error {
	cfg := c.Instance.Config()
	if !cfg.SendLabels {
		return nil
	}

	lb := c.Instance.Labels()
	lb.WriteString(`"labels":{`)

	count := 0
	for _, l := range c.Host.Labels.Snapshot() {
		if !cfg.LabelFilter.Match(l.Key) {
			continue
		}
		if count > 0 {
			lb.WriteByte(',')
		}
		fmt.Fprintf(lb, `"%s":"%s"`, Sanitize(l.Key, maxLabelValue), Sanitize(l.Value, maxLabelValue))
		count++
	}

	lb.WriteString("},")
	return nil
}

func flushHostLabels(c *exporting.Cycle) error {
	c.Instance.Labels().Reset()
	return nil
}

// formatDimension appends one record for d to the batch buffer. In the
// Average source mode a NaN derived value is a gap, not an error: nothing is
// written, not even a separator.
func formatDimension(c *exporting.Cycle, d *domain.Dimension, framed bool) error {
	in := c.Instance
	cfg := in.Config()

	var value string
	var ts int64
	if cfg.Source == domain.Average {
		v, t := in.StoredValue(d, c.Now)
		if math.IsNaN(v) {
			return nil
		}
		value = strconv.FormatFloat(v, 'f', 5, 64)
		ts = t.Unix()
	} else {
		value = strconv.FormatInt(d.LastCollectedValue, 10)
		ts = d.LastCollectedTime.Unix()
	}

	buf := in.Buffer()
	// A buffer holding more than the opening bracket already has a record,
	// so the array separator goes first.
	if framed && buf.Len() > 2 {
		buf.WriteString(",\n")
	}

	ch := c.Chart
	fmt.Fprintf(buf,
		`{"prefix":"%s","hostname":"%s",%s%s`+
			`"chart_id":"%s","chart_name":"%s","chart_family":"%s","chart_context":"%s","chart_type":"%s","units":"%s",`+
			`"id":"%s","name":"%s","value":%s,"timestamp":%d}`,
		cfg.Prefix, c.Hostname(), hostTagsFragment(c.Host.Tags), in.Labels().String(),
		ch.ID, ch.Name, ch.Family, ch.Context, ch.Type, ch.Units,
		d.ID, d.Name, value, ts)

	if !framed {
		buf.WriteByte('\n')
	}

	in.CountRecord()
	return nil
}

// hostTagsFragment renders the optional host_tags field. Empty tags omit
// the field; tags that already look like a JSON value ('{', '[' or '"'
// first) are embedded raw; anything else is embedded as an escaped string.
func hostTagsFragment(tags string) string {
	if tags == "" {
		return ""
	}
	switch tags[0] {
	case '{', '[', '"':
		return `"host_tags":` + tags + ","
	default:
		return `"host_tags":"` + Sanitize(tags, maxLabelValue) + `",`
	}
}
