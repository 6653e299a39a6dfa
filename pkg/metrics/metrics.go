// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes optional Prometheus instrumentation for a
// concierge run: command outcomes, provider prepare durations, retries, and
// controller bootstrap counts. The Observe* functions are called
// unconditionally by pkg/system, pkg/backoff, pkg/plan, and pkg/controller;
// only the scrape endpoint is opt-in, served by the CLI when --metrics-addr
// is set.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal counts every subprocess concierge runs, by executable
	// and outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_commands_total",
			Help: "Total number of subprocess commands run, by executable and outcome.",
		},
		[]string{"executable", "outcome"},
	)

	// CommandDurationSeconds observes how long each subprocess took to run.
	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_command_duration_seconds",
			Help:    "Subprocess command duration in seconds, by executable.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executable"},
	)

	// ProviderPrepareDurationSeconds observes how long each provider's
	// Prepare call took.
	ProviderPrepareDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_provider_prepare_duration_seconds",
			Help:    "Provider Prepare duration in seconds, by provider name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ControllerBootstrapsTotal counts controller bootstrap attempts, by
	// provider and outcome (skipped|bootstrapped|failed).
	ControllerBootstrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_controller_bootstraps_total",
			Help: "Total number of controller bootstrap attempts, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// RetriesTotal counts every retry attempt issued by the shared backoff
	// helper, by call site.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_retries_total",
			Help: "Total number of retry attempts, by call site.",
		},
		[]string{"site"},
	)
)

// ObserveCommand records a command's outcome and duration.
func ObserveCommand(executable string, outcome string, duration time.Duration) {
	CommandsTotal.WithLabelValues(executable, outcome).Inc()
	CommandDurationSeconds.WithLabelValues(executable).Observe(duration.Seconds())
}

// ObserveProviderPrepare records a provider's Prepare duration.
func ObserveProviderPrepare(provider string, duration time.Duration) {
	ProviderPrepareDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveControllerBootstrap records a controller bootstrap outcome.
func ObserveControllerBootstrap(provider, outcome string) {
	ControllerBootstrapsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveRetry records one retry attempt at the named call site.
func ObserveRetry(site string) {
	RetriesTotal.WithLabelValues(site).Inc()
}

// Handler returns the standard Prometheus scrape handler, for callers that
// enable the optional metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
