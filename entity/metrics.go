// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package entity
// metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports container statistics to prometheus.
//
// nil *Metrics is valid and records nothing.
type Metrics struct {
	created     *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	pooled      *prometheus.GaugeVec
	wrappers    *prometheus.GaugeVec
	invocations *prometheus.CounterVec
}

// NewMetrics creates container metrics and registers them to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_instances_created_total",
			Help: "Bean instances created.",
		}, []string{"deployment"}),

		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_instances_discarded_total",
			Help: "Bean instances discarded.",
		}, []string{"deployment"}),

		pooled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entity_pool_size",
			Help: "Free bean instances in the pool.",
		}, []string{"deployment"}),

		wrappers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entity_tx_wrappers",
			Help: "Identities currently pinned to transactions.",
		}, []string{"deployment"}),

		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_invocations_total",
			Help: "Container invocations by path and outcome.",
		}, []string{"deployment", "path", "outcome"}),
	}

	reg.MustRegister(m.created, m.discarded, m.pooled, m.wrappers, m.invocations)
	return m
}

func (m *Metrics) instanceCreated(deployment string) {
	if m != nil {
		m.created.WithLabelValues(deployment).Inc()
	}
}

func (m *Metrics) instanceDiscarded(deployment string) {
	if m != nil {
		m.discarded.WithLabelValues(deployment).Inc()
	}
}

func (m *Metrics) poolSize(deployment string, n int) {
	if m != nil {
		m.pooled.WithLabelValues(deployment).Set(float64(n))
	}
}

func (m *Metrics) wrapperAdded(deployment string) {
	if m != nil {
		m.wrappers.WithLabelValues(deployment).Inc()
	}
}

func (m *Metrics) wrapperDone(deployment string) {
	if m != nil {
		m.wrappers.WithLabelValues(deployment).Dec()
	}
}

func (m *Metrics) invoked(deployment string, path string, outcome string) {
	if m != nil {
		m.invocations.WithLabelValues(deployment, path, outcome).Inc()
	}
}
