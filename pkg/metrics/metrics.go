/*
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

// Package metrics registers the scheduler's Prometheus instrumentation
// on controller-runtime's shared registry, the same registry
// cmd/controller exposes on --metrics-addr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	namespace = "fleetpacker"
	subsystem = "scheduler"
)

var (
	// CyclesTotal counts scheduler loop iterations, labeled by the mode
	// that was ultimately applied ("incremental", "full", or "skipped"
	// when there were no pending pods).
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cycles_total",
		Help:      "Number of scheduler loop cycles, by chosen mode.",
	}, []string{"mode"})

	// CycleDurationSeconds observes wall-clock time spent in one
	// locked decide-and-apply cycle.
	CycleDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one scheduler cycle (snapshot through apply).",
		Buckets:   prometheus.DefBuckets,
	})

	// NodesCreatedTotal and NodesDeletedTotal count apply-loop outcomes.
	NodesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "nodes_created_total",
		Help:      "Number of nodes successfully created by the apply loop.",
	})
	NodesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "nodes_deleted_total",
		Help:      "Number of nodes successfully deleted by the apply loop.",
	})

	// StillPending reports the size of still_pending at the end of the
	// most recent cycle: pods the optimizer could not place anywhere.
	StillPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "still_pending",
		Help:      "Pods left unplaced at the end of the most recent cycle.",
	})

	// ConsolidatorClosuresTotal counts nodes the consolidator drained
	// and deleted for being idle.
	ConsolidatorClosuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "consolidator_closures_total",
		Help:      "Number of nodes closed by the consolidator for low utilization.",
	})
)

func init() {
	crmetrics.Registry.MustRegister(
		CyclesTotal,
		CycleDurationSeconds,
		NodesCreatedTotal,
		NodesDeletedTotal,
		StillPending,
		ConsolidatorClosuresTotal,
	)
}
