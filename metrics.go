// SPDX-License-Identifier: MPL-2.0

package softphone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_registrations_total",
		Help: "Registration attempts by result",
	}, []string{"result"})

	metricCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_calls_total",
		Help: "Calls by direction",
	}, []string{"direction"})

	metricActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softphone_active_calls",
		Help: "Currently connected calls",
	})

	metricCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "softphone_call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
