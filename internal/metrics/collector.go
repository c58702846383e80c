// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// StatusCounter reports how many license keys sit in each lifecycle status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type LicenseCollector struct {
	counter StatusCounter

	keysByStatusDesc *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewLicenseCollector(counter StatusCounter) *LicenseCollector {
	return &LicenseCollector{
		counter: counter,

		keysByStatusDesc: prometheus.NewDesc(
			"novahub_license_keys",
			"Number of license keys by lifecycle status",
			[]string{"status"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"novahub_scrape_errors_total",
			"Total number of metric scrape errors",
			[]string{"type"},
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keysByStatusDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.counter == nil {
		return
	}

	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count license keys for metrics")
		ch <- prometheus.MustNewConstMetric(
			c.scrapeErrorsDesc,
			prometheus.CounterValue,
			1,
			"count_by_status",
		)
		return
	}

	// Emit a series for every status, so absent ones read as zero
	for _, status := range []string{"issued", "active", "expired", "revoked"} {
		ch <- prometheus.MustNewConstMetric(
			c.keysByStatusDesc,
			prometheus.GaugeValue,
			float64(counts[status]),
			status,
		)
	}
}
