// Package metrics exposes operational Prometheus collectors.
//
// Collectors are registered on the default registry and scraped through the
// /metrics handler mounted by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewOpenSubscriptions tracks per-subject record subscriptions
	// currently held by aggregated views.
	ReviewOpenSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumascan",
		Subsystem: "review",
		Name:      "open_subscriptions",
		Help:      "Per-subject record subscriptions currently open across aggregated views.",
	})

	// ReviewMergesTotal counts full re-merges of aggregated views.
	ReviewMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumascan",
		Subsystem: "review",
		Name:      "merges_total",
		Help:      "Full re-merge passes performed by aggregated views.",
	})

	// ReviewSubjectStreamFailuresTotal counts isolated per-subject stream failures.
	ReviewSubjectStreamFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumascan",
		Subsystem: "review",
		Name:      "subject_stream_failures_total",
		Help:      "Per-subject record stream failures reported as warnings.",
	})

	// GrantResponsesTotal counts grant request responses by outcome.
	GrantResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumascan",
		Subsystem: "grants",
		Name:      "responses_total",
		Help:      "Access grant request responses by terminal status.",
	}, []string{"status"})

	// GrantPartialFailuresTotal counts accepted requests whose authorization
	// write failed and was surfaced for retry.
	GrantPartialFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumascan",
		Subsystem: "grants",
		Name:      "partial_failures_total",
		Help:      "Accepted requests whose authorization grant write failed.",
	})
)
