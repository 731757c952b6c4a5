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

package anneal

import (
	"math/rand"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/placer"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

func smallCatalog() *catalog.Catalog {
	return catalog.FromMaps(
		map[string]map[string]catalog.Spec{
			"us-east1": {
				"e2-standard-2": {VCPU: 2, MemGiB: 8},
				"e2-standard-4": {VCPU: 4, MemGiB: 16},
			},
			"us-west1": {
				"e2-standard-2": {VCPU: 2, MemGiB: 8},
			},
		},
		map[string]map[string]float64{
			"us-east1": {"e2-standard-2": 0.067, "e2-standard-4": 0.134},
			"us-west1": {"e2-standard-2": 0.07},
		},
	)
}

func TestEnergyExcludesMasterAndUtilityFromCost(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	g.Expect(p.OpenNode(plan.NewNode(plan.MasterNodeName, "us-east1", "e2-small", 2, 4, 999, true))).To(Succeed())
	g.Expect(p.OpenNode(plan.NewNode(plan.UtilityNodeName, "us-east1", "e2-standard-2", 2, 8, 999, true))).To(Succeed())

	e := Energy(p, Weights{Cost: 1, Idle: 1, Region: 0, Nodes: 1})
	g.Expect(e).To(Equal(0.0), "an all-exempt plan contributes no cost, idle, or node-count terms")
}

func TestEnergyChargesBilledNodes(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	g.Expect(p.OpenNode(plan.NewNode("node-2", "us-east1", "e2-standard-2", 2, 8, 0.067, true))).To(Succeed())

	e := Energy(p, Weights{Cost: 1, Idle: 0, Region: 0, Nodes: 0})
	g.Expect(e).To(BeNumerically("~", 0.067, 1e-9))
}

func TestConstraintsOKEnforcesWorkerAndCPUCaps(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultConfig()
	cfg.MaxWorkerNodes = 1
	cfg.MaxClusterCPU = 2
	o := &Optimizer{cfg: cfg}

	p := plan.New()
	g.Expect(p.OpenNode(plan.NewNode("node-1", "us-east1", "e2-standard-2", 2, 8, 0.067, true))).To(Succeed())
	g.Expect(o.constraintsOK(p)).To(BeTrue())

	g.Expect(p.OpenNode(plan.NewNode("node-2", "us-east1", "e2-standard-2", 2, 8, 0.067, false))).To(Succeed())
	g.Expect(o.constraintsOK(p)).To(BeFalse(), "worker count exceeds cap")
}

func TestOptimizeNeverViolatesHardConstraints(t *testing.T) {
	g := NewWithT(t)
	cat := smallCatalog()
	cfg := DefaultConfig()
	cfg.NIter = 20
	cfg.T0 = 10
	cfg.Tmin = 2
	cfg.MaxWorkerNodes = 6
	cfg.MaxClusterCPU = 30

	pl := placer.New(placer.DefaultConfig(), cat)
	opt := New(cfg, cat, pl, rand.New(rand.NewSource(7)))

	current := plan.New()
	pending := []plan.Pod{
		{Namespace: "default", Name: "a", CPU: 1, Mem: 2, IsNew: true},
		{Namespace: "default", Name: "b", CPU: 1.5, Mem: 3, IsNew: true},
		{Namespace: "default", Name: "c", CPU: 0.5, Mem: 1, IsNew: true},
	}

	result, still := opt.Optimize(current, pending, Incremental)
	g.Expect(still).To(BeEmpty())
	g.Expect(opt.constraintsOK(result)).To(BeTrue())

	var cpuTotal float64
	workers := 0
	for _, n := range result.Nodes {
		if n.Name == plan.MasterNodeName {
			continue
		}
		workers++
		cpuTotal += n.CPUCap
	}
	g.Expect(workers).To(BeNumerically("<=", cfg.MaxWorkerNodes))
	g.Expect(cpuTotal).To(BeNumerically("<=", cfg.MaxClusterCPU))
}

func TestOptimizeIncrementalNeverMovesNonNewPods(t *testing.T) {
	g := NewWithT(t)
	cat := smallCatalog()
	cfg := DefaultConfig()
	cfg.NIter = 30
	cfg.T0 = 10
	cfg.Tmin = 2

	current := plan.New()
	existing := plan.NewNode("node-1", "us-east1", "e2-standard-4", 4, 16, 0.134, true)
	g.Expect(current.OpenNode(existing)).To(Succeed())
	stablePod := plan.Pod{Namespace: "default", Name: "stable", CPU: 1, Mem: 2, IsNew: false}
	g.Expect(current.AddPod(stablePod, "node-1")).To(Succeed())

	pl := placer.New(placer.DefaultConfig(), cat)
	opt := New(cfg, cat, pl, rand.New(rand.NewSource(3)))

	result, _ := opt.Optimize(current, nil, Incremental)

	g.Expect(result.PodToNode[stablePod.FullName()]).To(Equal("node-1"))
}
