// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package stats collects kernel health figures (frame-pool pressure,
// process and descriptor counts, recent trace volume) through a registry
// of typed collectors, so kerneld can log a periodic snapshot without
// each subsystem growing its own reporting loop.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// MetricType names one collected kernel figure set.
type MetricType string

const (
	MetricMemory    MetricType = "memory"
	MetricProcesses MetricType = "processes"
	MetricTraces    MetricType = "traces"
	MetricScheduler MetricType = "scheduler"
)

// Collector is one source of kernel figures.
type Collector interface {
	Type() MetricType
	Name() string
	// Collect returns the current snapshot for this metric type.
	Collect(ctx context.Context) (any, error)
}

// Registry holds at most one collector per metric type.
type Registry struct {
	collectors map[MetricType]Collector
	logger     logr.Logger
}

// NewRegistry creates an empty collector registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		collectors: make(map[MetricType]Collector),
		logger:     logger.WithName("registry"),
	}
}

// Register adds collector, rejecting duplicates per metric type.
func (r *Registry) Register(collector Collector) error {
	if collector == nil {
		return fmt.Errorf("cannot register nil collector")
	}
	metricType := collector.Type()
	if _, exists := r.collectors[metricType]; exists {
		return fmt.Errorf("collector for metric type %s already registered", metricType)
	}
	r.collectors[metricType] = collector
	r.logger.Info("registered collector", "type", metricType, "name", collector.Name())
	return nil
}

// Get returns the collector for metricType, or nil.
func (r *Registry) Get(metricType MetricType) Collector {
	return r.collectors[metricType]
}

// All returns every registered collector.
func (r *Registry) All() []Collector {
	collectors := make([]Collector, 0, len(r.collectors))
	for _, collector := range r.collectors {
		collectors = append(collectors, collector)
	}
	return collectors
}

// Enabled filters All down to the metric types config turns on.
func (r *Registry) Enabled(config Config) []Collector {
	var enabled []Collector
	for metricType, collector := range r.collectors {
		if config.EnabledCollectors[metricType] {
			enabled = append(enabled, collector)
		}
	}
	return enabled
}

// Config controls which collectors run and how often the manager samples
// them.
type Config struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = map[MetricType]bool{
			MetricMemory:    true,
			MetricProcesses: true,
			MetricTraces:    true,
			MetricScheduler: true,
		}
	}
}

// Manager samples the enabled collectors on an interval and logs each
// snapshot.
type Manager struct {
	config   Config
	logger   logr.Logger
	registry *Registry
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	Config Config
	Logger logr.Logger
}

// NewManager creates a stats manager with an empty registry.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}
	config := opts.Config
	config.ApplyDefaults()
	return &Manager{
		config:   config,
		logger:   opts.Logger.WithName("stats-manager"),
		registry: NewRegistry(opts.Logger),
	}, nil
}

// Register adds a collector to the manager's registry.
func (m *Manager) Register(collector Collector) error {
	return m.registry.Register(collector)
}

// GetRegistry returns the registry for inspection.
func (m *Manager) GetRegistry() *Registry {
	return m.registry
}

// GetConfig returns the active configuration.
func (m *Manager) GetConfig() Config {
	return m.config
}

// CollectAll samples every enabled collector once.
func (m *Manager) CollectAll(ctx context.Context) map[MetricType]any {
	out := make(map[MetricType]any)
	for _, collector := range m.registry.Enabled(m.config) {
		snapshot, err := collector.Collect(ctx)
		if err != nil {
			m.logger.Error(err, "collection failed", "type", collector.Type())
			continue
		}
		out[collector.Type()] = snapshot
	}
	return out
}

// Start samples on the configured interval until ctx is cancelled; it
// satisfies controller-runtime's Runnable contract.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for metricType, snapshot := range m.CollectAll(ctx) {
				m.logger.V(1).Info("snapshot", "type", metricType, "value", snapshot)
			}
		}
	}
}

// FuncCollector adapts a closure into a Collector, for subsystems whose
// snapshot is a single method call.
type FuncCollector struct {
	MetricType  MetricType
	MetricName  string
	CollectFunc func(ctx context.Context) (any, error)
}

func (f *FuncCollector) Type() MetricType { return f.MetricType }
func (f *FuncCollector) Name() string     { return f.MetricName }
func (f *FuncCollector) Collect(ctx context.Context) (any, error) {
	return f.CollectFunc(ctx)
}
