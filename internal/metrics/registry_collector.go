package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devpm/internal/registry"
)

// Source is the read side of the registry the collector samples.
type Source interface {
	FindLiveProcesses(ctx context.Context) ([]registry.ProcessEntry, error)
	CountLogs(ctx context.Context) ([]registry.ServiceLogCount, error)
	ListPorts(ctx context.Context, projectDir string) ([]registry.ReservedPort, error)
}

// RegistryCollector exports registry contents at scrape time, so values are
// correct even though services are started by other processes.
type RegistryCollector struct {
	src     Source
	timeout time.Duration
	log     *slog.Logger

	services *prometheus.Desc
	events   *prometheus.Desc
	ports    *prometheus.Desc
	up       *prometheus.Desc
}

// NewRegistryCollector returns a collector reading from src.
func NewRegistryCollector(src Source, logger *slog.Logger) *RegistryCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryCollector{
		src:     src,
		timeout: 5 * time.Second,
		log:     logger,
		services: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "services"),
			"Process entries without a recorded kill, per project.",
			[]string{"project"}, nil,
		),
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "log_events"),
			"Stored log events per service.",
			[]string{"project", "service"}, nil,
		),
		ports: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "reserved_ports"),
			"Reserved ports per project.",
			[]string{"project"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "up"),
			"Whether the last registry scrape succeeded.",
			nil, nil,
		),
	}
}

func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.services
	ch <- c.events
	ch <- c.ports
	ch <- c.up
}

func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	up := 1.0
	if procs, err := c.src.FindLiveProcesses(ctx); err != nil {
		c.log.Warn("metrics: list processes", "error", err)
		up = 0
	} else {
		perProject := make(map[string]int)
		for _, p := range procs {
			perProject[p.ProjectDir]++
		}
		for project, n := range perProject {
			ch <- prometheus.MustNewConstMetric(c.services, prometheus.GaugeValue, float64(n), project)
		}
	}

	if counts, err := c.src.CountLogs(ctx); err != nil {
		c.log.Warn("metrics: count logs", "error", err)
		up = 0
	} else {
		for _, sc := range counts {
			ch <- prometheus.MustNewConstMetric(c.events, prometheus.GaugeValue, float64(sc.Count), sc.ProjectDir, sc.CommandName)
		}
	}

	if reserved, err := c.src.ListPorts(ctx, ""); err != nil {
		c.log.Warn("metrics: list ports", "error", err)
		up = 0
	} else {
		perProject := make(map[string]int)
		for _, p := range reserved {
			perProject[p.ProjectDir]++
		}
		for project, n := range perProject {
			ch <- prometheus.MustNewConstMetric(c.ports, prometheus.GaugeValue, float64(n), project)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
}
