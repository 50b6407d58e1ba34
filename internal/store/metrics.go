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

package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics record what the store does with entities.
type Metrics interface {
	// Write records an upsert and its outcome.
	Write(cluster, op string)

	// Read records a read and whether it was served fresh, stale, or not
	// at all.
	Read(result string)

	// Removed records an entity marked removed.
	Removed(cluster string)

	// Purged records an entity purged after its removal grace period.
	Purged(cluster string)

	// SetEntityCount records how many entities are in a lifecycle state.
	SetEntityCount(state string, n int)
}

// NopMetrics does nothing.
type NopMetrics struct{}

// Write does nothing.
func (m *NopMetrics) Write(_, _ string) {}

// Read does nothing.
func (m *NopMetrics) Read(_ string) {}

// Removed does nothing.
func (m *NopMetrics) Removed(_ string) {}

// Purged does nothing.
func (m *NopMetrics) Purged(_ string) {}

// SetEntityCount does nothing.
func (m *NopMetrics) SetEntityCount(_ string, _ int) {}

// PrometheusMetrics for the entity store.
type PrometheusMetrics struct {
	writes   *prometheus.CounterVec
	reads    *prometheus.CounterVec
	removals *prometheus.CounterVec
	purges   *prometheus.CounterVec
	entities *prometheus.GaugeVec
}

// NewPrometheusMetrics exposes entity store metrics via Prometheus.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "catalog",
			Name:      "store_writes_total",
			Help:      "Total number of entity writes, by outcome.",
		}, []string{"cluster", "op"}),

		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "catalog",
			Name:      "store_reads_total",
			Help:      "Total number of entity reads, by freshness of what was served.",
		}, []string{"result"}),

		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "catalog",
			Name:      "store_removals_total",
			Help:      "Total number of entities marked removed.",
		}, []string{"cluster"}),

		purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "catalog",
			Name:      "store_purges_total",
			Help:      "Total number of entities purged after their removal grace period.",
		}, []string{"cluster"}),

		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "catalog",
			Name:      "store_entities",
			Help:      "Number of entities in the store, by lifecycle state.",
		}, []string{"state"}),
	}
}

// Write records an upsert and its outcome.
func (m *PrometheusMetrics) Write(cluster, op string) {
	m.writes.With(prometheus.Labels{"cluster": cluster, "op": op}).Inc()
}

// Read records a read and how it was served.
func (m *PrometheusMetrics) Read(result string) {
	m.reads.With(prometheus.Labels{"result": result}).Inc()
}

// Removed records an entity marked removed.
func (m *PrometheusMetrics) Removed(cluster string) {
	m.removals.With(prometheus.Labels{"cluster": cluster}).Inc()
}

// Purged records an entity purged.
func (m *PrometheusMetrics) Purged(cluster string) {
	m.purges.With(prometheus.Labels{"cluster": cluster}).Inc()
}

// SetEntityCount records how many entities are in a lifecycle state.
func (m *PrometheusMetrics) SetEntityCount(state string, n int) {
	m.entities.With(prometheus.Labels{"state": state}).Set(float64(n))
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once
// the last descriptor has been sent.
func (m *PrometheusMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.writes.Describe(ch)
	m.reads.Describe(ch)
	m.removals.Describe(ch)
	m.purges.Describe(ch)
	m.entities.Describe(ch)
}

// Collect is called by the Prometheus registry when collecting
// metrics. The implementation sends each collected metric via the
// provided channel and returns once the last metric has been sent.
func (m *PrometheusMetrics) Collect(ch chan<- prometheus.Metric) {
	m.writes.Collect(ch)
	m.reads.Collect(ch)
	m.removals.Collect(ch)
	m.purges.Collect(ch)
	m.entities.Collect(ch)
}
