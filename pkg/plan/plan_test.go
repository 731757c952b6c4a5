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

package plan

import (
	"testing"

	. "github.com/onsi/gomega"
)

func testPod(ns, name string, cpu, mem float64) Pod {
	return Pod{Namespace: ns, Name: name, CPU: cpu, Mem: mem}
}

func TestOpenNodeRejectsDuplicate(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n)).To(Succeed())
	g.Expect(p.OpenNode(n)).To(HaveOccurred())
}

func TestAddPodUpdatesBothMaps(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n)).To(Succeed())

	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())

	g.Expect(p.PodToNode[pod.FullName()]).To(Equal("node-a"))
	g.Expect(n.Pods()).To(ConsistOf(pod))
	g.Expect(n.CPUUsed).To(Equal(0.5))
	g.Expect(n.MemUsed).To(Equal(1.0))
}

func TestAddPodRejectsOverflow(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n)).To(Succeed())

	big := testPod("default", "hog", 100, 1)
	g.Expect(p.AddPod(big, "node-a")).To(HaveOccurred())
	g.Expect(p.PodToNode).NotTo(HaveKey(big.FullName()))
}

func TestAddPodRejectsDoubleAssignment(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n1 := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	n2 := NewNode("node-b", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n1)).To(Succeed())
	g.Expect(p.OpenNode(n2)).To(Succeed())

	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())
	g.Expect(p.AddPod(pod, "node-b")).To(HaveOccurred())
}

// CloseNode must refuse a node that still holds pods (invariant: never
// orphan a pod assignment).
func TestCloseNodeRefusesNonEmpty(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n)).To(Succeed())
	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())

	g.Expect(p.CloseNode("node-a")).To(HaveOccurred())

	p.RemovePod(pod.FullName())
	g.Expect(p.CloseNode("node-a")).To(Succeed())
	g.Expect(p.Nodes).NotTo(HaveKey("node-a"))
}

func TestMovePodTransfersCapacity(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n1 := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	n2 := NewNode("node-b", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n1)).To(Succeed())
	g.Expect(p.OpenNode(n2)).To(Succeed())

	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())
	g.Expect(p.MovePod(pod.FullName(), "node-b")).To(Succeed())

	g.Expect(p.PodToNode[pod.FullName()]).To(Equal("node-b"))
	g.Expect(n1.Pods()).To(BeEmpty())
	g.Expect(n1.CPUUsed).To(Equal(0.0))
	g.Expect(n2.Pods()).To(ConsistOf(pod))
	g.Expect(n2.CPUUsed).To(Equal(0.5))
}

func TestMovePodRejectsWhenDestinationFull(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n1 := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	n2 := NewNode("node-b", "us-east1", "e2-standard-2", 1, 0.5, 0.1, false)
	g.Expect(p.OpenNode(n1)).To(Succeed())
	g.Expect(p.OpenNode(n2)).To(Succeed())

	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())

	err := p.MovePod(pod.FullName(), "node-b")
	g.Expect(err).To(HaveOccurred())
	// plan left unchanged on failure
	g.Expect(p.PodToNode[pod.FullName()]).To(Equal("node-a"))
	g.Expect(n1.Pods()).To(ConsistOf(pod))
}

// R2: moving a pod and moving it back returns the plan to an
// equivalent state.
func TestMoveThenMoveBackIsIdentity(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n1 := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	n2 := NewNode("node-b", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n1)).To(Succeed())
	g.Expect(p.OpenNode(n2)).To(Succeed())

	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())

	before := snapshotUsage(p)

	g.Expect(p.MovePod(pod.FullName(), "node-b")).To(Succeed())
	g.Expect(p.MovePod(pod.FullName(), "node-a")).To(Succeed())

	g.Expect(snapshotUsage(p)).To(Equal(before))
	g.Expect(p.PodToNode[pod.FullName()]).To(Equal("node-a"))
}

// R1: Clone produces a plan equivalent to the original, and mutating
// the clone never affects the original.
func TestCloneIsIndependent(t *testing.T) {
	g := NewWithT(t)
	p := New()
	n := NewNode("node-a", "us-east1", "e2-standard-2", 2, 8, 0.1, false)
	g.Expect(p.OpenNode(n)).To(Succeed())
	pod := testPod("default", "web", 0.5, 1)
	g.Expect(p.AddPod(pod, "node-a")).To(Succeed())

	clone := p.Clone()
	g.Expect(snapshotUsage(clone)).To(Equal(snapshotUsage(p)))

	// Mutate the clone; the original must be untouched.
	clone.RemovePod(pod.FullName())
	g.Expect(clone.Nodes["node-a"].CPUUsed).To(Equal(0.0))
	g.Expect(p.Nodes["node-a"].CPUUsed).To(Equal(0.5))
	g.Expect(p.PodToNode).To(HaveKey(pod.FullName()))

	// Nodes themselves must be distinct pointers.
	g.Expect(clone.Nodes["node-a"]).NotTo(BeIdenticalTo(p.Nodes["node-a"]))
}

func TestWorkerNodeCountExcludesMaster(t *testing.T) {
	g := NewWithT(t)
	p := New()
	g.Expect(p.OpenNode(NewNode(MasterNodeName, "us-east1", "e2-small", 2, 4, 0, true))).To(Succeed())
	g.Expect(p.OpenNode(NewNode("node-1", "us-east1", "e2-standard-2", 2, 8, 0.1, true))).To(Succeed())
	g.Expect(p.OpenNode(NewNode("node-2", "us-east1", "e2-standard-2", 2, 8, 0.1, false))).To(Succeed())

	g.Expect(p.WorkerNodeCount()).To(Equal(2))
}

func snapshotUsage(p *Plan) map[string][2]float64 {
	out := make(map[string][2]float64, len(p.Nodes))
	for name, n := range p.Nodes {
		out[name] = [2]float64{n.CPUUsed, n.MemUsed}
	}
	return out
}
