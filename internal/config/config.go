// Package config loads the agent configuration: a YAML file describing the
// exporter targets, with environment variables and CLI flags layered on top
// for the daemon-level knobs.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/exportpipe/exportpipe/internal/domain"
	"github.com/exportpipe/exportpipe/internal/exporting"
)

// Connector type names accepted in the exporters file.
const (
	TypeJSON        = "json"
	TypeJSONHTTP    = "json:http"
	TypeGraphite    = "graphite"
	TypeTimescaleDB = "timescaledb"
)

const (
	defaultConfigPath  = "exportpipe.yaml"
	defaultInterval    = 1
	defaultUpdateEvery = 10
	defaultPrefix      = "netdata"
)

// Exporter is one configured export target.
type Exporter struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Destination string `yaml:"destination"`
	Prefix      string `yaml:"prefix"`
	DataSource  string `yaml:"data_source"`
	UpdateEvery int    `yaml:"update_every"`

	SendHostLabels bool   `yaml:"send_host_labels"`
	LabelsPattern  string `yaml:"labels_pattern"`

	TLS bool `yaml:"tls"`
}

// Config is the merged agent configuration.
type Config struct {
	Hostname string            `yaml:"hostname"`
	Tags     string            `yaml:"host_tags"`
	Labels   map[string]string `yaml:"host_labels"`
	Interval int               `yaml:"collect_interval"`

	Exporters []Exporter `yaml:"exporters"`
}

// ENV > CLI > file > defaults for the daemon knobs; exporters come from the
// file only.
func Load(args []string, out io.Writer) (Config, error) {
	if out == nil {
		out = io.Discard
	}

	fs := flag.NewFlagSet("exportpipe", flag.ContinueOnError)
	fs.SetOutput(out)

	var pathOpt string
	var hostOpt string
	var ivalOpt int

	fs.StringVar(&pathOpt, "c", "", fmt.Sprintf("path to the exporters file, default: %s", defaultConfigPath))
	fs.StringVar(&hostOpt, "n", "", "hostname to report as, default: os.Hostname")
	fs.IntVar(&ivalOpt, "i", 0, fmt.Sprintf("COLLECT_INTERVAL seconds, default: %d", defaultInterval))

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	path := FromEnvOrFlag("EXPORT_CONFIG", pathOpt, defaultConfigPath)

	cfg, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg.Hostname = FromEnvOrFlag("EXPORT_HOSTNAME", hostOpt, cfg.Hostname)
	if strings.TrimSpace(cfg.Hostname) == "" {
		h, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Hostname = h
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	cfg.Interval = FromEnvOrFlagInt("COLLECT_INTERVAL", ivalOpt, cfg.Interval, 1)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	var cfg Config
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Exporters) == 0 {
		return fmt.Errorf("config: no exporters defined")
	}
	for i := range c.Exporters {
		e := &c.Exporters[i]
		switch e.Type {
		case TypeJSON, TypeJSONHTTP, TypeGraphite, TypeTimescaleDB:
		default:
			return fmt.Errorf("config: exporter %d type %q: %w", i, e.Type, domain.ErrInvalidConnector)
		}
		if strings.TrimSpace(e.Destination) == "" {
			return fmt.Errorf("config: exporter %d: %w", i, domain.ErrNoDestination)
		}
		if e.Name == "" {
			e.Name = fmt.Sprintf("%s-%d", e.Type, i)
		}
		if e.Prefix == "" {
			e.Prefix = defaultPrefix
		}
		if e.UpdateEvery <= 0 {
			e.UpdateEvery = defaultUpdateEvery
		}
		switch e.DataSource {
		case "", string(domain.AsCollected), string(domain.Average):
		default:
			return fmt.Errorf("config: exporter %q: unknown data_source %q", e.Name, e.DataSource)
		}
	}
	return nil
}

// CollectInterval returns the sampling interval as a duration.
func (c Config) CollectInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// HostLabels converts the label map into the ordered list the domain model
// carries. Keys are sorted so repeated runs export identical fragments.
func (c Config) HostLabels() []domain.Label {
	if len(c.Labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Labels))
	for k := range c.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Label, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.Label{Key: k, Value: c.Labels[k]})
	}
	return out
}

// InstanceConfig translates one exporter entry into the exporting layer's
// instance configuration.
func (e Exporter) InstanceConfig() exporting.Config {
	src := domain.DataSource(e.DataSource)
	if e.DataSource == "" {
		src = domain.AsCollected
	}
	return exporting.Config{
		Name:        e.Name,
		Destination: e.Destination,
		Prefix:      e.Prefix,
		Source:      src,
		UpdateEvery: time.Duration(e.UpdateEvery) * time.Second,
		SendLabels:  e.SendHostLabels,
		LabelFilter: exporting.ParsePattern(e.LabelsPattern),
		TLS:         e.TLS,
	}
}
