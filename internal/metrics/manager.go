// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Recorder counts lifecycle events as they happen. It satisfies the license
// service's EventRecorder.
type Recorder struct {
	activations *prometheus.CounterVec
	validations *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	return &Recorder{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novahub_activations_total",
			Help: "Total activation attempts by outcome",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "novahub_validations_total",
			Help: "Total validation attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (r *Recorder) RecordActivation(outcome string) {
	r.activations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordValidation(outcome string) {
	r.validations.WithLabelValues(outcome).Inc()
}

type Manager struct {
	registry         *prometheus.Registry
	licenseCollector *LicenseCollector
	recorder         *Recorder
}

func NewManager(counter StatusCounter, recorder *Recorder) *Manager {
	registry := prometheus.NewRegistry()

	licenseCollector := NewLicenseCollector(counter)
	registry.MustRegister(licenseCollector)

	if recorder != nil {
		registry.MustRegister(recorder.activations, recorder.validations)
	}

	log.Info().Msg("Metrics manager initialized with license collector")

	return &Manager{
		registry:         registry,
		licenseCollector: licenseCollector,
		recorder:         recorder,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
