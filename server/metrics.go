// Copyright 2025 IdeaVault
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

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideavault_agent_requests_total",
			Help: "Total number of HTTP requests processed by the agent service",
		},
		[]string{"endpoint", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ideavault_agent_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"endpoint"},
	)
	promQueryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideavault_agent_query_outcomes_total",
			Help: "Query requests by final outcome",
		},
		[]string{"outcome"},
	)
	promTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ideavault_agent_tokens_total",
			Help: "Total completion-API tokens consumed across both turns",
		},
	)
	promCostMillicents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ideavault_agent_cost_millicents_total",
			Help: "Estimated completion-API spend in millicents",
		},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ideavault_agent_rate_limited_total",
			Help: "Requests rejected by the per-user rate limit",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promQueryOutcomes)
	prometheus.MustRegister(promTokensTotal)
	prometheus.MustRegister(promCostMillicents)
	prometheus.MustRegister(promRateLimited)
}
