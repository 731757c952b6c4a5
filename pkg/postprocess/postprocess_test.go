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

package postprocess

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

func TestReuseNodesRebindsOntoEquivalentExisting(t *testing.T) {
	g := NewWithT(t)

	previous := plan.New()
	existing := plan.NewNode("node-existing", "us-east1", "e2-standard-2", 2, 8, 0.067, true)
	g.Expect(previous.OpenNode(existing)).To(Succeed())

	next := plan.New()
	hyp := plan.NewNode("rfsa-us-east1-e2-standard-2-abcd1234", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	g.Expect(next.OpenNode(hyp)).To(Succeed())
	pod := plan.Pod{Namespace: "default", Name: "web", CPU: 0.5, Mem: 1}
	g.Expect(next.AddPod(pod, hyp.Name)).To(Succeed())

	result := ReuseNodes(DefaultReuseConfig(), previous, next)

	g.Expect(result.Nodes).NotTo(HaveKey(hyp.Name))
	g.Expect(result.Nodes).To(HaveKey("node-existing"))
	g.Expect(result.PodToNode[pod.FullName()]).To(Equal("node-existing"))
}

func TestReuseNodesLeavesNonEquivalentNodeAlone(t *testing.T) {
	g := NewWithT(t)

	previous := plan.New()
	existing := plan.NewNode("node-existing", "us-east1", "e2-standard-16", 16, 64, 0.536, true)
	g.Expect(previous.OpenNode(existing)).To(Succeed())

	next := plan.New()
	hyp := plan.NewNode("rfsa-us-east1-e2-standard-2-xyz", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	g.Expect(next.OpenNode(hyp)).To(Succeed())

	result := ReuseNodes(DefaultReuseConfig(), previous, next)

	g.Expect(result.Nodes).To(HaveKey(hyp.Name))
}

func TestReuseNodesClaimsEachExistingNodeAtMostOnce(t *testing.T) {
	g := NewWithT(t)

	previous := plan.New()
	existing := plan.NewNode("node-existing", "us-east1", "e2-standard-2", 2, 8, 0.067, true)
	g.Expect(previous.OpenNode(existing)).To(Succeed())

	next := plan.New()
	hyp1 := plan.NewNode("rfsa-1", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	hyp2 := plan.NewNode("rfsa-2", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	g.Expect(next.OpenNode(hyp1)).To(Succeed())
	g.Expect(next.OpenNode(hyp2)).To(Succeed())

	result := ReuseNodes(DefaultReuseConfig(), previous, next)

	reused := 0
	if _, ok := result.Nodes["node-existing"]; ok {
		reused++
	}
	remainingHyp := 0
	for _, name := range []string{"rfsa-1", "rfsa-2"} {
		if _, ok := result.Nodes[name]; ok {
			remainingHyp++
		}
	}
	g.Expect(reused).To(Equal(1))
	g.Expect(remainingHyp).To(Equal(1), "only one hypothesized node should have been absorbed")
}

func packTestCatalog() *catalog.Catalog {
	return catalog.FromMaps(
		map[string]map[string]catalog.Spec{
			"us-east1": {
				"e2-standard-2": {VCPU: 2, MemGiB: 8},
				"e2-standard-4": {VCPU: 4, MemGiB: 16},
				"e2-standard-8": {VCPU: 8, MemGiB: 32},
			},
		},
		map[string]map[string]float64{
			"us-east1": {
				"e2-standard-2": 0.067,
				"e2-standard-4": 0.134,
				"e2-standard-8": 0.268,
			},
		},
	)
}

func TestPackSmallNodesMergesSameFamilyAndPrice(t *testing.T) {
	g := NewWithT(t)

	p := plan.New()
	n1 := plan.NewNode("rfsa-a", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	n2 := plan.NewNode("rfsa-b", "us-east1", "e2-standard-2", 2, 8, 0.067, false)
	g.Expect(p.OpenNode(n1)).To(Succeed())
	g.Expect(p.OpenNode(n2)).To(Succeed())
	pod1 := plan.Pod{Namespace: "default", Name: "a", CPU: 0.5, Mem: 1}
	pod2 := plan.Pod{Namespace: "default", Name: "b", CPU: 0.5, Mem: 1}
	g.Expect(p.AddPod(pod1, "rfsa-a")).To(Succeed())
	g.Expect(p.AddPod(pod2, "rfsa-b")).To(Succeed())

	result := PackSmallNodes(DefaultPackConfig(), packTestCatalog(), p)

	g.Expect(result.Nodes).NotTo(HaveKey("rfsa-a"))
	g.Expect(result.Nodes).NotTo(HaveKey("rfsa-b"))
	g.Expect(result.Nodes).To(HaveLen(1))
	for _, n := range result.Nodes {
		g.Expect(n.Pods()).To(HaveLen(2))
	}
}

func TestPackSmallNodesLeavesExistingNodesAlone(t *testing.T) {
	g := NewWithT(t)

	p := plan.New()
	existing1 := plan.NewNode("node-1", "us-east1", "e2-standard-2", 2, 8, 0.067, true)
	existing2 := plan.NewNode("node-2", "us-east1", "e2-standard-2", 2, 8, 0.067, true)
	g.Expect(p.OpenNode(existing1)).To(Succeed())
	g.Expect(p.OpenNode(existing2)).To(Succeed())

	result := PackSmallNodes(DefaultPackConfig(), packTestCatalog(), p)

	g.Expect(result.Nodes).To(HaveKey("node-1"))
	g.Expect(result.Nodes).To(HaveKey("node-2"))
}

func TestMachineFamilyStripsNumericSuffix(t *testing.T) {
	g := NewWithT(t)
	g.Expect(machineFamily("e2-standard-2")).To(Equal("e2-standard"))
	g.Expect(machineFamily("n1-highmem")).To(Equal("n1-highmem"))
}
