// Copyright 2025 Tom Barlow
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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_executions_total",
		Help: "Workflow executions by final status.",
	}, []string{"status"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maestro_execution_duration_seconds",
		Help:    "Wall-clock duration of workflow executions.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_steps_total",
		Help: "Executed steps by type and status.",
	}, []string{"type", "status"})
)
