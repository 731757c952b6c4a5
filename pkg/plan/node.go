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

import "fmt"

const (
	// MasterNodeName is never scheduled onto, never deleted, and is
	// excluded from every energy and cost computation.
	MasterNodeName = "master"

	// UtilityNodeName is treated as a permanent node: it is never
	// deleted by the consolidator or SA's close move, but unlike
	// MasterNodeName it is still a normal bin-packing target.
	UtilityNodeName = "node-1"

	// DefaultOverheadCPU is reserved off every hypothesized node's
	// capacity for system daemons.
	DefaultOverheadCPU = 0.15

	// UtilityOverheadCPU is reserved on UtilityNodeName instead of
	// DefaultOverheadCPU; it runs more cluster-adjacent system load.
	UtilityOverheadCPU = 0.40
)

// Node is a VM in the plan, real or hypothetical.
type Node struct {
	Name        string
	Region      string
	MachineType string

	CPUCap float64
	MemCap float64

	// OverheadCPU is subtracted from CPUCap to get UsableCPUCap. Zero
	// for existing nodes (the real cluster already reports allocatable
	// capacity net of overhead).
	OverheadCPU  float64
	UsableCPUCap float64
	CPUUsed      float64
	MemUsed      float64

	Price float64

	// IsExisting is true iff this node is backed by a real VM at
	// snapshot time, as opposed to a hypothesis the placer or
	// optimizer introduced this cycle.
	IsExisting bool

	pods []Pod
}

// NewNode constructs a Node with system overhead applied: the utility
// node reserves more, existing nodes report net capacity already and
// reserve nothing further.
func NewNode(name, region, machineType string, cpuCap, memCap, price float64, isExisting bool) *Node {
	n := &Node{
		Name:        name,
		Region:      region,
		MachineType: machineType,
		CPUCap:      cpuCap,
		MemCap:      memCap,
		Price:       price,
		IsExisting:  isExisting,
	}
	switch {
	case isExisting:
		n.OverheadCPU = 0
	case name == UtilityNodeName:
		n.OverheadCPU = UtilityOverheadCPU
	default:
		n.OverheadCPU = DefaultOverheadCPU
	}
	n.UsableCPUCap = n.usableCap()
	return n
}

func (n *Node) usableCap() float64 {
	u := n.CPUCap - n.OverheadCPU
	if u < 0 {
		return 0
	}
	return u
}

// Pods returns the node's resident pods in insertion order. The slice
// is owned by Node; callers must not mutate it.
func (n *Node) Pods() []Pod {
	return n.pods
}

// CanFit reports whether adding p would keep the node within its
// usable CPU and memory capacity.
func (n *Node) CanFit(p Pod) bool {
	return n.CPUUsed+p.CPU <= n.UsableCPUCap && n.MemUsed+p.Mem <= n.MemCap
}

// AddPod records p as resident, updating used capacity. It is a
// programming error to call AddPod when CanFit is false; callers in
// this codebase always check CanFit first, so AddPod panics on
// overflow rather than silently corrupting accounting (the one
// exception, the snapshotter's tolerated overflow, calls CanFit
// itself and skips the pod instead of calling AddPod).
func (n *Node) AddPod(p Pod) {
	if !n.CanFit(p) {
		panic(fmt.Sprintf("plan: resource overflow adding pod %s to node %s", p.FullName(), n.Name))
	}
	n.CPUUsed += p.CPU
	n.MemUsed += p.Mem
	for i, existing := range n.pods {
		if existing.FullName() == p.FullName() {
			n.pods[i] = p
			return
		}
	}
	n.pods = append(n.pods, p)
}

// RemovePod releases the resources held by the pod identified by
// full name, if resident. A no-op if the pod isn't found.
func (n *Node) RemovePod(p Pod) {
	for i, existing := range n.pods {
		if existing.FullName() == p.FullName() {
			n.CPUUsed -= existing.CPU
			n.MemUsed -= existing.Mem
			n.pods = append(n.pods[:i], n.pods[i+1:]...)
			return
		}
	}
}

// Pod returns the resident pod matching fullName, if any.
func (n *Node) Pod(fullName string) (Pod, bool) {
	for _, p := range n.pods {
		if p.FullName() == fullName {
			return p, true
		}
	}
	return Pod{}, false
}

// UtilRatio is CPUUsed over UsableCPUCap, used by SA's close/upgrade
// candidate selection. A node with zero usable
// capacity reports full utilization so it is never mistaken for idle.
func (n *Node) UtilRatio() float64 {
	if n.UsableCPUCap == 0 {
		return 1
	}
	return n.CPUUsed / n.UsableCPUCap
}

// Clone returns a structurally independent deep copy: a fresh Node
// with its own pod slice so mutating the clone never touches n.
func (n *Node) Clone() *Node {
	cp := *n
	cp.pods = make([]Pod, len(n.pods))
	for i, p := range n.pods {
		cp.pods[i] = p.Clone()
	}
	return &cp
}
