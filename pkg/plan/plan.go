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

// Plan is a candidate assignment of pods to nodes: one snapshot of the
// cluster as the placer or optimizer currently imagines it. The methods
// below keep Nodes and PodToNode in agreement; the placer and the
// optimizer's moves also update the two fields directly and keep them
// in step themselves (the optimizer with a normalize pass).
type Plan struct {
	Nodes map[string]*Node

	// PodToNode maps a pod's FullName to the name of the node it
	// currently resides on.
	PodToNode map[string]string
}

// New returns an empty Plan ready for nodes to be opened into it.
func New() *Plan {
	return &Plan{
		Nodes:     make(map[string]*Node),
		PodToNode: make(map[string]string),
	}
}

// OpenNode adds n to the plan. It is an error to open a node whose name
// is already present.
func (p *Plan) OpenNode(n *Node) error {
	if _, exists := p.Nodes[n.Name]; exists {
		return fmt.Errorf("plan: node %s already open", n.Name)
	}
	p.Nodes[n.Name] = n
	return nil
}

// CloseNode removes an empty node from the plan. Closing a node that
// still holds pods is a programming error: every caller in this
// codebase evicts or moves pods off a node before closing it, so
// CloseNode refuses rather than silently orphaning pod assignments.
func (p *Plan) CloseNode(name string) error {
	n, ok := p.Nodes[name]
	if !ok {
		return fmt.Errorf("plan: node %s not found", name)
	}
	if len(n.pods) != 0 {
		return fmt.Errorf("plan: node %s not empty", name)
	}
	delete(p.Nodes, name)
	return nil
}

// AddPod places p onto the node named nodeName, recording the mapping.
// The pod must not already be assigned elsewhere; use MovePod for that.
func (p *Plan) AddPod(pod Pod, nodeName string) error {
	n, ok := p.Nodes[nodeName]
	if !ok {
		return fmt.Errorf("plan: node %s not found", nodeName)
	}
	if existing, ok := p.PodToNode[pod.FullName()]; ok {
		return fmt.Errorf("plan: pod %s already on node %s", pod.FullName(), existing)
	}
	if !n.CanFit(pod) {
		return fmt.Errorf("plan: node %s cannot fit pod %s", nodeName, pod.FullName())
	}
	n.AddPod(pod)
	p.PodToNode[pod.FullName()] = nodeName
	return nil
}

// RemovePod takes podFullName off whatever node it resides on. A no-op
// if the pod isn't currently assigned.
func (p *Plan) RemovePod(podFullName string) {
	nodeName, ok := p.PodToNode[podFullName]
	if !ok {
		return
	}
	if n, ok := p.Nodes[nodeName]; ok {
		if pod, ok := n.Pod(podFullName); ok {
			n.RemovePod(pod)
		}
	}
	delete(p.PodToNode, podFullName)
}

// MovePod reassigns podFullName from its current node to dstNode. It
// fails, leaving the plan unchanged, if the pod isn't found, the
// destination doesn't exist, or the destination has no room.
func (p *Plan) MovePod(podFullName, dstNode string) error {
	srcName, ok := p.PodToNode[podFullName]
	if !ok {
		return fmt.Errorf("plan: pod %s not assigned", podFullName)
	}
	dst, ok := p.Nodes[dstNode]
	if !ok {
		return fmt.Errorf("plan: node %s not found", dstNode)
	}
	src, ok := p.Nodes[srcName]
	if !ok {
		return fmt.Errorf("plan: node %s not found", srcName)
	}
	pod, ok := src.Pod(podFullName)
	if !ok {
		return fmt.Errorf("plan: pod %s not resident on recorded node %s", podFullName, srcName)
	}
	if srcName == dstNode {
		return nil
	}
	if !dst.CanFit(pod) {
		return fmt.Errorf("plan: node %s cannot fit pod %s", dstNode, podFullName)
	}
	src.RemovePod(pod)
	dst.AddPod(pod)
	p.PodToNode[podFullName] = dstNode
	return nil
}

// NodesByRegion groups the plan's nodes by region.
func (p *Plan) NodesByRegion() map[string][]*Node {
	out := make(map[string][]*Node)
	for _, n := range p.Nodes {
		out[n.Region] = append(out[n.Region], n)
	}
	return out
}

// PodsOnNode returns the pods resident on the named node, or nil if the
// node doesn't exist.
func (p *Plan) PodsOnNode(nodeName string) []Pod {
	n, ok := p.Nodes[nodeName]
	if !ok {
		return nil
	}
	return n.Pods()
}

// AllPods returns every pod in the plan across all nodes.
func (p *Plan) AllPods() []Pod {
	out := make([]Pod, 0, len(p.PodToNode))
	for _, n := range p.Nodes {
		out = append(out, n.Pods()...)
	}
	return out
}

// WorkerNodeCount returns the number of nodes excluding the master,
// i.e. the count the MAX_WORKER_NODES hard constraint governs.
func (p *Plan) WorkerNodeCount() int {
	n := len(p.Nodes)
	if _, ok := p.Nodes[MasterNodeName]; ok {
		n--
	}
	return n
}

// Clone returns a structurally independent deep copy of the plan: a
// fresh Nodes map of cloned Nodes and a fresh PodToNode map. No part of
// the clone shares mutable state with p, so mutating one never affects
// the other. This mirrors the original implementation's use of a
// dedicated copy routine rather than a generic deep-copy facility.
func (p *Plan) Clone() *Plan {
	cp := New()
	for name, n := range p.Nodes {
		cp.Nodes[name] = n.Clone()
	}
	for pod, node := range p.PodToNode {
		cp.PodToNode[pod] = node
	}
	return cp
}
