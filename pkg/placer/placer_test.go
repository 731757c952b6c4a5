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

package placer

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

func testCatalog() *catalog.Catalog {
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

func TestPlaceFitsExistingNodeBeforeOpeningNew(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	existing := plan.NewNode("node-1", "us-east1", "e2-standard-4", 4, 16, 0.134, true)
	g.Expect(p.OpenNode(existing)).To(Succeed())

	pl := New(DefaultConfig(), testCatalog())
	pod := plan.Pod{Namespace: "default", Name: "web", CPU: 0.5, Mem: 1}

	result, pending := pl.Place(p, []plan.Pod{pod})

	g.Expect(pending).To(BeEmpty())
	g.Expect(result.Nodes).To(HaveLen(1))
	g.Expect(result.PodToNode[pod.FullName()]).To(Equal("node-1"))
	// Original plan untouched.
	g.Expect(p.PodToNode).NotTo(HaveKey(pod.FullName()))
}

func TestPlaceOpensNewNodeWhenNothingFits(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()

	pl := New(DefaultConfig(), testCatalog())
	pod := plan.Pod{Namespace: "default", Name: "web", CPU: 1, Mem: 4}

	result, pending := pl.Place(p, []plan.Pod{pod})

	g.Expect(pending).To(BeEmpty())
	g.Expect(result.Nodes).To(HaveLen(1))
	for _, n := range result.Nodes {
		g.Expect(n.IsExisting).To(BeFalse())
		g.Expect(n.Pods()).To(ConsistOf(pod))
	}
}

func TestPlaceRespectsMaxWorkerNodes(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	cfg := DefaultConfig()
	cfg.MaxWorkerNodes = 1

	pl := New(cfg, testCatalog())

	// First pod opens the one allowed node; the node is tiny so the
	// second pod cannot fit on it and no further node may open.
	pod1 := plan.Pod{Namespace: "default", Name: "a", CPU: 1.8, Mem: 7}
	pod2 := plan.Pod{Namespace: "default", Name: "b", CPU: 1.8, Mem: 7}

	result, pending := pl.Place(p, []plan.Pod{pod1, pod2})

	g.Expect(result.Nodes).To(HaveLen(1))
	g.Expect(pending).To(HaveLen(1))
}

func TestPlaceNeverSchedulesOntoMaster(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	master := plan.NewNode(plan.MasterNodeName, "us-east1", "e2-small", 4, 16, 0, true)
	g.Expect(p.OpenNode(master)).To(Succeed())

	pl := New(DefaultConfig(), testCatalog())
	pod := plan.Pod{Namespace: "default", Name: "web", CPU: 0.5, Mem: 1}

	result, pending := pl.Place(p, []plan.Pod{pod})

	g.Expect(pending).To(BeEmpty())
	g.Expect(result.Nodes[plan.MasterNodeName].Pods()).To(BeEmpty())
}

func TestPlaceSortsPendingByDemandDescending(t *testing.T) {
	g := NewWithT(t)
	p := plan.New()
	node := plan.NewNode("node-1", "us-east1", "e2-standard-4", 4, 16, 0.134, true)
	g.Expect(p.OpenNode(node)).To(Succeed())

	small := plan.Pod{Namespace: "default", Name: "small", CPU: 0.1, Mem: 0.5}
	big := plan.Pod{Namespace: "default", Name: "big", CPU: 3, Mem: 14}

	pl := New(DefaultConfig(), testCatalog())
	result, pending := pl.Place(p, []plan.Pod{small, big})

	g.Expect(pending).To(BeEmpty())
	g.Expect(result.Nodes["node-1"].Pods()).To(HaveLen(2))
	g.Expect(result.Nodes["node-1"].Pods()[0].Name).To(Equal("big"))
}
