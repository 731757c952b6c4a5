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

package snapshot

import (
	"context"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nodeforge/fleetpacker/pkg/cluster"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

// Snapshotter builds a Plan from whatever a ClusterDriver reports,
// joined against persisted node metadata. Pending pods are returned
// separately; they are never attached to a node here.
type Snapshotter struct {
	driver cluster.ClusterDriver
	info   *NodeInfoStore
}

// New returns a Snapshotter reading live state through driver and node
// metadata through store.
func New(driver cluster.ClusterDriver, store *NodeInfoStore) *Snapshotter {
	return &Snapshotter{driver: driver, info: store}
}

// Result is the output of one snapshot cycle: a Plan of existing nodes
// and their currently bound pods, plus the pods still waiting to be
// scheduled.
type Result struct {
	Plan    *plan.Plan
	Pending []plan.Pod
}

// Snapshot collects every Ready node with known metadata and every
// Running/Pending pod, producing a Result: nodes without recorded
// metadata are skipped rather than guessed at, and a pod whose
// addition would overflow its node's capacity is tolerated by silently
// omitting it from the model.
func (s *Snapshotter) Snapshot(ctx context.Context) (Result, error) {
	logger := log.FromContext(ctx)

	meta, err := s.info.Load()
	if err != nil {
		return Result{}, err
	}

	observedNodes, err := s.driver.ListNodes(ctx)
	if err != nil {
		return Result{}, err
	}

	p := plan.New()
	for _, on := range observedNodes {
		if !on.Ready {
			continue
		}
		m, ok := meta[on.Name]
		if !ok {
			logger.V(1).Info("skipping node with no recorded metadata", "node", on.Name)
			continue
		}
		n := plan.NewNode(on.Name, m.Region, m.MachineType, on.AllocatableCPU, on.AllocatableMemGiB, 0, true)
		if err := p.OpenNode(n); err != nil {
			return Result{}, err
		}
	}

	observedPods, err := s.driver.ListPods(ctx)
	if err != nil {
		return Result{}, err
	}

	var pending []plan.Pod
	for _, op := range observedPods {
		pod := plan.Pod{
			Namespace: op.Namespace,
			Name:      op.Name,
			Labels:    op.Labels,
		}
		for _, c := range op.Containers {
			pod.CPU += maxOf(c.RequestCPU, c.LimitCPU)
			pod.Mem += maxOf(c.RequestMem, c.LimitMem)
		}

		switch op.Phase {
		case "Running":
			n, ok := p.Nodes[op.NodeName]
			if !ok {
				continue
			}
			if !n.CanFit(pod) {
				logResourceOverflow(logger, pod, op.NodeName)
				continue
			}
			if err := p.AddPod(pod, op.NodeName); err != nil {
				return Result{}, err
			}
		case "Pending":
			pending = append(pending, pod)
		}
	}

	return Result{Plan: p, Pending: pending}, nil
}

func logResourceOverflow(logger logr.Logger, p plan.Pod, node string) {
	logger.V(1).Info("tolerating resource overflow, pod excluded from model",
		"pod", p.FullName(), "node", node)
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
