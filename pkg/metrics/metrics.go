/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics holds the Prometheus collectors shared by the credential service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anchor"

var (
	Registry = prometheus.NewRegistry()
	factory  = promauto.With(Registry)

	SagaTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_total",
		Help:      "Issuance sagas by final outcome",
	}, []string{"outcome"})

	SagaStepDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "saga_step_duration_seconds",
		Help:      "Duration of issuance saga steps",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60},
	}, []string{"step"})

	PendingOperations = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_operations",
		Help:      "Issuance sagas currently tracked in process",
	})

	VerificationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Verification requests by mode and result",
	}, []string{"mode", "result"})

	BlobOperationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "blob_operation_duration_seconds",
		Help:      "Blob provider call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation", "status"})

	BlobProviderAvailable = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blob_provider_available",
		Help:      "1 when the blob provider passed its last probe",
	}, []string{"provider"})

	LedgerSubmissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_submissions_total",
		Help:      "Ledger anchor submissions by result",
	}, []string{"result"})

	LedgerConfirmDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_confirm_duration_seconds",
		Help:      "Time from submission to required confirmations",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	HTTPDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	RateLimited = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter",
	}, []string{"tier"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
