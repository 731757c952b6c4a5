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

package k8sdriver

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// MetricsSource reports each node's current CPU utilization as a
// ratio of used to allocatable cores. This is deliberately a separate
// collaborator from ClusterDriver: the consolidator needs real-time
// CPU utilization, not request-based, and the Node API object never
// reports that; only the metrics.k8s.io
// aggregation layer does.
type MetricsSource interface {
	NodeCPUUsage(ctx context.Context) (map[string]float64, error)
}

// MetricsServerSource reads metrics.k8s.io NodeMetrics, the standard
// metrics-server API, and divides reported usage by each node's
// allocatable capacity read from the core API.
type MetricsServerSource struct {
	metrics metricsv.Interface
	core    kubernetes.Interface
}

// NewMetricsServerSource returns a MetricsSource backed by a live
// metrics-server. Both clients are client-go clientsets (rather than
// the controller-runtime client Driver uses) because neither
// NodeMetrics nor the metrics.k8s.io API group has a convenient
// controller-runtime scheme registration in this codebase's ancestry.
func NewMetricsServerSource(metrics metricsv.Interface, core kubernetes.Interface) *MetricsServerSource {
	return &MetricsServerSource{metrics: metrics, core: core}
}

// NodeCPUUsage returns, for every node metrics-server currently
// reports on, cpu_used_millicores / cpu_allocatable_millicores. A node
// present in the core API but absent from metrics-server (too new, or
// the aggregation layer hasn't scraped it yet) is simply omitted
// rather than assumed idle or busy.
func (s *MetricsServerSource) NodeCPUUsage(ctx context.Context) (map[string]float64, error) {
	nodeList, err := s.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("k8sdriver: listing nodes for metrics join: %w", err)
	}
	allocatable := make(map[string]int64, len(nodeList.Items))
	for _, n := range nodeList.Items {
		allocatable[n.Name] = n.Status.Allocatable.Cpu().MilliValue()
	}

	metricsList, err := s.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("k8sdriver: listing node metrics: %w", err)
	}

	out := make(map[string]float64, len(metricsList.Items))
	for _, m := range metricsList.Items {
		cap, ok := allocatable[m.Name]
		if !ok || cap <= 0 {
			continue
		}
		used := m.Usage.Cpu().MilliValue()
		out[m.Name] = float64(used) / float64(cap)
	}
	return out, nil
}

var _ MetricsSource = (*MetricsServerSource)(nil)
