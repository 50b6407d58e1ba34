/*
Copyright 2026 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observe discovery cycles.
type Metrics interface {
	// Cycle records a finished discovery cycle and its result.
	Cycle(cluster, result string)

	// CycleDuration records how long a discovery cycle took.
	CycleDuration(cluster string, seconds float64)

	// Sources records how many sources of a kind the last cycle observed.
	Sources(cluster, kind string, n int)

	// Warnings records schema fragments skipped while transforming.
	Warnings(cluster string, n int)
}

// NopMetrics does nothing.
type NopMetrics struct{}

// Cycle does nothing.
func (m *NopMetrics) Cycle(_, _ string) {}

// CycleDuration does nothing.
func (m *NopMetrics) CycleDuration(_ string, _ float64) {}

// Sources does nothing.
func (m *NopMetrics) Sources(_, _ string, _ int) {}

// Warnings does nothing.
func (m *NopMetrics) Warnings(_ string, _ int) {}

// PrometheusMetrics for the discovery scheduler.
type PrometheusMetrics struct {
	cycles    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	sources   *prometheus.GaugeVec
	warnings  *prometheus.CounterVec
}

// NewPrometheusMetrics exposes discovery scheduler metrics via Prometheus.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "discovery",
			Name:      "cycles_total",
			Help:      "Total number of discovery cycles run, by result.",
		}, []string{"cluster", "result"}),

		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "discovery",
			Name:      "cycle_duration_seconds",
			Help:      "How long discovery cycles take.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"cluster"}),

		sources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "discovery",
			Name:      "sources",
			Help:      "Number of sources the last discovery cycle observed.",
		}, []string{"cluster", "kind"}),

		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "discovery",
			Name:      "transform_warnings_total",
			Help:      "Total number of schema fragments skipped while transforming.",
		}, []string{"cluster"}),
	}
}

// Cycle records a finished discovery cycle and its result.
func (m *PrometheusMetrics) Cycle(cluster, result string) {
	m.cycles.With(prometheus.Labels{"cluster": cluster, "result": result}).Inc()
}

// CycleDuration records how long a discovery cycle took.
func (m *PrometheusMetrics) CycleDuration(cluster string, seconds float64) {
	m.durations.With(prometheus.Labels{"cluster": cluster}).Observe(seconds)
}

// Sources records how many sources of a kind the last cycle observed.
func (m *PrometheusMetrics) Sources(cluster, kind string, n int) {
	m.sources.With(prometheus.Labels{"cluster": cluster, "kind": kind}).Set(float64(n))
}

// Warnings records schema fragments skipped while transforming.
func (m *PrometheusMetrics) Warnings(cluster string, n int) {
	m.warnings.With(prometheus.Labels{"cluster": cluster}).Add(float64(n))
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once
// the last descriptor has been sent.
func (m *PrometheusMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.cycles.Describe(ch)
	m.durations.Describe(ch)
	m.sources.Describe(ch)
	m.warnings.Describe(ch)
}

// Collect is called by the Prometheus registry when collecting
// metrics. The implementation sends each collected metric via the
// provided channel and returns once the last metric has been sent.
func (m *PrometheusMetrics) Collect(ch chan<- prometheus.Metric) {
	m.cycles.Collect(ch)
	m.durations.Collect(ch)
	m.sources.Collect(ch)
	m.warnings.Collect(ch)
}
