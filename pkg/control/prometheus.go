package control

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/registry"
)

// The following types follow Prometheus's own scrape-config field
// names, so the YAML emitted from GET /prometheus/config can replace a
// file_sd_config target list without the operator's existing
// Prometheus deployment needing any other change.

type PrometheusConfig struct {
	Global        GlobalConfig   `yaml:"global"`
	ScrapeConfigs []ScrapeConfig `yaml:"scrape_configs"`
}

type GlobalConfig struct {
	ScrapeInterval     string `yaml:"scrape_interval"`
	ScrapeTimeout      string `yaml:"scrape_timeout"`
	EvaluationInterval string `yaml:"evaluation_interval"`
}

type ScrapeConfig struct {
	JobName          string          `yaml:"job_name"`
	HonorTimestamps  *bool           `yaml:"honor_timestamps,omitempty"`
	ScrapeInterval   *string         `yaml:"scrape_interval,omitempty"`
	ScrapeTimeout    *string         `yaml:"scrape_timeout,omitempty"`
	MetricsPath      *string         `yaml:"metrics_path,omitempty"`
	Scheme           *string         `yaml:"scheme,omitempty"`
	FollowRedirects  *bool           `yaml:"follow_redirects,omitempty"`
	StaticConfigs    []StaticConfig  `yaml:"static_configs"`
}

type StaticConfig struct {
	Targets []string          `yaml:"targets"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// PrometheusConfig builds a scrape config with one target per
// connected agent's metrics port, labeled by agent id and mode so
// operator dashboards can group by either.
func (c *Control) PrometheusConfig() PrometheusConfig {
	cfg := PrometheusConfig{
		Global: GlobalConfig{
			ScrapeInterval:     "15s",
			ScrapeTimeout:      "10s",
			EvaluationInterval: "1m",
		},
	}

	for _, a := range c.Registry.List(registry.Filter{Connected: true}) {
		if len(a.Addrs.Internal) == 0 && a.Addrs.External == "" {
			continue
		}
		target := fmt.Sprintf("%s:%d", primaryAddr(a.Addrs), a.PortConfig.Metrics)
		cfg.ScrapeConfigs = append(cfg.ScrapeConfigs, ScrapeConfig{
			JobName:       fmt.Sprintf("agent-%s", a.ID),
			MetricsPath:   ptr("/metrics"),
			StaticConfigs: []StaticConfig{{Targets: []string{target}, Labels: map[string]string{"agent": string(a.ID), "mode": string(a.Flags.Mode)}}},
		})
	}
	return cfg
}

func primaryAddr(addrs agentstate.Addrs) string {
	if len(addrs.Internal) > 0 {
		return addrs.Internal[0]
	}
	return addrs.External
}
