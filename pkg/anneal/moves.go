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
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

const epsilon = 1e-6

type opKind int

const (
	opMove opKind = iota
	opSwap
	opClose
	opOpen
	opUpgrade
	opUpgradeNew
)

// unrestrictedOps is sampled regardless of mode, matching the source
// system's effective (not its commented) behavior: close/upgrade
// simply decline when the walker is in incremental mode instead of
// being excluded from the draw. upgrade is listed twice, which is
// also faithfully preserved; it doubles that move's selection odds
// relative to the others.
var unrestrictedOps = []opKind{opMove, opSwap, opClose, opOpen, opUpgrade, opUpgrade, opUpgradeNew}

// restrictedOps is used only when Config.RestrictIncrementalOperators
// is set and mode is Incremental.
var restrictedOps = []opKind{opMove, opSwap, opOpen, opUpgradeNew, opUpgradeNew}

// neighbor draws one candidate mutation of working. It returns nil
// when the drawn move is inapplicable or would violate a hard
// constraint; the caller treats that as a rejected trial.
func (o *Optimizer) neighbor(working *plan.Plan) *plan.Plan {
	expPods := o.experimentalPods(working)
	if len(expPods) == 0 && o.mode == Incremental {
		return nil
	}

	ops := unrestrictedOps
	if o.cfg.RestrictIncrementalOperators && o.mode == Incremental {
		ops = restrictedOps
	}
	op := ops[o.rng.Intn(len(ops))]

	candidate := working.Clone()

	var ok bool
	switch op {
	case opMove:
		ok = o.moveOp(candidate, expPods)
	case opSwap:
		ok = o.swapOp(candidate, expPods)
	case opClose:
		ok = o.closeOp(candidate)
	case opOpen:
		ok = o.openOp(candidate)
	case opUpgrade:
		ok = o.upgradeOp(candidate)
	case opUpgradeNew:
		ok = o.upgradeNewOp(candidate)
	}

	if !ok || !o.constraintsOK(candidate) {
		return nil
	}
	normalize(candidate)
	return candidate
}

// experimentalPods lists the full names of pods this walker is
// allowed to move: only IsNew pods off master in incremental mode,
// every resident pod off master in full mode.
func (o *Optimizer) experimentalPods(p *plan.Plan) []string {
	var out []string
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName {
			continue
		}
		for _, pod := range n.Pods() {
			if o.mode == Incremental && !pod.IsNew {
				continue
			}
			out = append(out, pod.FullName())
		}
	}
	sort.Strings(out)
	return out
}

func (o *Optimizer) moveOp(p *plan.Plan, expPods []string) bool {
	if len(expPods) == 0 {
		return false
	}
	fullName := expPods[o.rng.Intn(len(expPods))]
	srcName, ok := p.PodToNode[fullName]
	if !ok {
		return false
	}
	src := p.Nodes[srcName]
	pod, ok := src.Pod(fullName)
	if !ok {
		return false
	}

	names := sortedNodeNames(p)
	tgtName := names[o.rng.Intn(len(names))]
	if tgtName == srcName || tgtName == plan.MasterNodeName {
		return false
	}
	tgt := p.Nodes[tgtName]
	if !tgt.CanFit(pod) {
		return false
	}
	src.RemovePod(pod)
	tgt.AddPod(pod)
	p.PodToNode[fullName] = tgtName
	return true
}

func (o *Optimizer) swapOp(p *plan.Plan, expPods []string) bool {
	if len(expPods) < 2 {
		return false
	}
	i := o.rng.Intn(len(expPods))
	j := o.rng.Intn(len(expPods) - 1)
	if j >= i {
		j++
	}
	f1, f2 := expPods[i], expPods[j]

	n1Name, ok1 := p.PodToNode[f1]
	n2Name, ok2 := p.PodToNode[f2]
	if !ok1 || !ok2 || n1Name == n2Name {
		return false
	}
	if n1Name == plan.MasterNodeName || n2Name == plan.MasterNodeName {
		return false
	}
	n1, n2 := p.Nodes[n1Name], p.Nodes[n2Name]
	pd1, ok1 := n1.Pod(f1)
	pd2, ok2 := n2.Pod(f2)
	if !ok1 || !ok2 {
		return false
	}
	if !n1.CanFit(pd2) || !n2.CanFit(pd1) {
		return false
	}
	n1.RemovePod(pd1)
	n2.RemovePod(pd2)
	n1.AddPod(pd2)
	n2.AddPod(pd1)
	p.PodToNode[f1] = n2Name
	p.PodToNode[f2] = n1Name
	return true
}

func (o *Optimizer) closeOp(p *plan.Plan) bool {
	if o.mode == Incremental {
		return false
	}
	var idle []*plan.Node
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName || n.Name == plan.UtilityNodeName {
			continue
		}
		if n.UtilRatio() <= o.cfg.CloseIdleThreshold {
			idle = append(idle, n)
		}
	}
	if len(idle) == 0 {
		return false
	}
	sortNodesByName(idle)
	nd := idle[o.rng.Intn(len(idle))]

	others := sortedNodeNames(p)
	for _, pod := range append([]plan.Pod(nil), nd.Pods()...) {
		placed := false
		for _, otherName := range others {
			if otherName == nd.Name || otherName == plan.MasterNodeName {
				continue
			}
			other := p.Nodes[otherName]
			if other.CanFit(pod) {
				nd.RemovePod(pod)
				other.AddPod(pod)
				p.PodToNode[pod.FullName()] = otherName
				placed = true
				break
			}
		}
		if !placed {
			return false
		}
	}

	if len(nd.Pods()) == 0 {
		if err := p.CloseNode(nd.Name); err != nil {
			return false
		}
	}
	return true
}

func (o *Optimizer) openOp(p *plan.Plan) bool {
	if !o.canAddNode(p) || len(o.pending) == 0 {
		return false
	}
	pod := o.pending[o.rng.Intn(len(o.pending))]
	nd := o.pickMachine(pod, p)
	if nd == nil {
		return false
	}
	nd.AddPod(pod)
	if err := p.OpenNode(nd); err != nil {
		return false
	}
	p.PodToNode[pod.FullName()] = nd.Name
	return true
}

func (o *Optimizer) upgradeOp(p *plan.Plan) bool {
	if o.mode == Incremental {
		return false
	}
	var low []*plan.Node
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName || n.Name == plan.UtilityNodeName {
			continue
		}
		if n.UtilRatio() <= o.cfg.UpgradeIdleThreshold {
			low = append(low, n)
		}
	}
	if len(low) == 0 {
		return false
	}
	sortNodesByName(low)
	src1 := low[o.rng.Intn(len(low))]

	group := []*plan.Node{src1}
	var others []*plan.Node
	for _, n := range low {
		if n != src1 {
			others = append(others, n)
		}
	}
	if len(others) > 0 && o.rng.Float64() < 0.5 {
		group = append(group, others[o.rng.Intn(len(others))])
	}

	var needCPU, needMem float64
	for _, n := range group {
		for _, pod := range n.Pods() {
			needCPU += pod.CPU
			needMem += pod.Mem
		}
	}

	var cpuUsedWorkers, groupCap float64
	for _, n := range p.Nodes {
		if n.Name != plan.MasterNodeName {
			cpuUsedWorkers += n.CPUCap
		}
	}
	for _, n := range group {
		groupCap += n.CPUCap
	}
	cpuAllow := o.cfg.MaxClusterCPU - cpuUsedWorkers + groupCap

	cand, ok := bestOffering(o.cat.OfferingsInRegion(src1.Region), needCPU, needMem, cpuAllow)
	if !ok {
		return false
	}

	newNode := plan.NewNode(
		"up-"+cand.Region+"-"+cand.MachineType+"-"+shortUUID(o.rng),
		cand.Region, cand.MachineType, float64(cand.VCPU), float64(cand.MemGiB), cand.Price, false)
	if err := p.OpenNode(newNode); err != nil {
		return false
	}

	var toMove []plan.Pod
	for _, n := range group {
		toMove = append(toMove, n.Pods()...)
	}
	for _, pod := range toMove {
		if !newNode.CanFit(pod) {
			return false
		}
		oldName := p.PodToNode[pod.FullName()]
		old := p.Nodes[oldName]
		old.RemovePod(pod)
		newNode.AddPod(pod)
		p.PodToNode[pod.FullName()] = newNode.Name
	}

	for _, n := range group {
		if _, ok := p.Nodes[n.Name]; !ok {
			continue
		}
		if len(n.Pods()) == 0 {
			if err := p.CloseNode(n.Name); err != nil {
				return false
			}
		}
	}
	return true
}

func (o *Optimizer) upgradeNewOp(p *plan.Plan) bool {
	var newNodes []*plan.Node
	for _, n := range p.Nodes {
		if n.IsExisting || n.Name == plan.MasterNodeName || n.Name == plan.UtilityNodeName {
			continue
		}
		newNodes = append(newNodes, n)
	}
	if len(newNodes) < 2 {
		return false
	}
	sortNodesByName(newNodes)

	byRegion := make(map[string][]*plan.Node)
	for _, n := range newNodes {
		byRegion[n.Region] = append(byRegion[n.Region], n)
	}
	var regions []string
	for r, ns := range byRegion {
		if len(ns) >= 2 {
			regions = append(regions, r)
		}
	}
	if len(regions) == 0 {
		return false
	}
	sort.Strings(regions)
	region := regions[o.rng.Intn(len(regions))]

	group := byRegion[region]
	i := o.rng.Intn(len(group))
	j := o.rng.Intn(len(group) - 1)
	if j >= i {
		j++
	}
	nd1, nd2 := group[i], group[j]

	needCPU := nd1.CPUCap + nd2.CPUCap
	needMem := nd1.MemCap + nd2.MemCap

	cand, ok := bestOfferingNoSuit(o.cat.OfferingsInRegion(region), needCPU, needMem)
	if !ok {
		return false
	}

	merged := plan.NewNode(
		"inc-up-"+cand.Region+"-"+cand.MachineType+"-"+shortUUID(o.rng),
		cand.Region, cand.MachineType, float64(cand.VCPU), float64(cand.MemGiB), cand.Price, false)
	if err := p.OpenNode(merged); err != nil {
		return false
	}

	for _, src := range []*plan.Node{nd1, nd2} {
		for _, pod := range append([]plan.Pod(nil), src.Pods()...) {
			if !merged.CanFit(pod) {
				return false
			}
			src.RemovePod(pod)
			merged.AddPod(pod)
			p.PodToNode[pod.FullName()] = merged.Name
		}
	}

	delete(p.Nodes, nd1.Name)
	delete(p.Nodes, nd2.Name)
	return true
}

// offeringCandidate is a scored machine-type choice shared by
// upgradeOp, upgradeNewOp, and pickMachine.
type offeringCandidate struct {
	catalog.Offering
	waste float64
	suit  float64
}

// bestOffering returns the cheapest, best-shaped offering able to
// host needCPU/needMem within cpuAllow vCPUs, or false if none
// qualify. Ties break by (waste, suit, price) ascending.
func bestOffering(offerings []catalog.Offering, needCPU, needMem, cpuAllow float64) (catalog.Offering, bool) {
	rhoNeed := ratio(needCPU, needMem)
	var cands []offeringCandidate
	for _, o := range offerings {
		vcpu := float64(o.VCPU)
		mem := float64(o.MemGiB)
		if vcpu-plan.DefaultOverheadCPU < needCPU || mem < needMem {
			continue
		}
		if vcpu > cpuAllow {
			continue
		}
		if o.Price <= 0 {
			continue
		}
		rhoNode := ratio(vcpu, mem)
		suit := math.Abs(rhoNeed-rhoNode) / (rhoNode + epsilon)
		cands = append(cands, offeringCandidate{Offering: o, waste: vcpu - needCPU, suit: suit})
	}
	if len(cands) == 0 {
		return catalog.Offering{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.waste != b.waste {
			return a.waste < b.waste
		}
		if a.suit != b.suit {
			return a.suit < b.suit
		}
		return a.Price < b.Price
	})
	return cands[0].Offering, true
}

// bestOfferingNoSuit is upgrade_new's candidate selection: unlike
// bestOffering it has no cluster-wide vCPU ceiling and breaks ties by
// (waste, price) only, without a shape-match term.
func bestOfferingNoSuit(offerings []catalog.Offering, needCPU, needMem float64) (catalog.Offering, bool) {
	var cands []offeringCandidate
	for _, o := range offerings {
		vcpu := float64(o.VCPU)
		mem := float64(o.MemGiB)
		if vcpu-plan.DefaultOverheadCPU < needCPU || mem < needMem {
			continue
		}
		if o.Price <= 0 {
			continue
		}
		cands = append(cands, offeringCandidate{Offering: o, waste: vcpu - needCPU})
	}
	if len(cands) == 0 {
		return catalog.Offering{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.waste != b.waste {
			return a.waste < b.waste
		}
		return a.Price < b.Price
	})
	return cands[0].Offering, true
}

// pickMachine mirrors RFSA's open-new heuristic but additionally caps
// candidates by how much cluster-wide vCPU headroom remains.
func (o *Optimizer) pickMachine(pod plan.Pod, p *plan.Plan) *plan.Node {
	var cpuUsedWorkers float64
	for _, n := range p.Nodes {
		if n.Name != plan.MasterNodeName {
			cpuUsedWorkers += n.CPUCap
		}
	}
	cpuAllow := o.cfg.MaxClusterCPU - cpuUsedWorkers
	if pod.CPU > cpuAllow {
		return nil
	}

	cand, ok := bestOffering(o.cat.Offerings(), pod.CPU, pod.Mem, cpuAllow)
	if !ok {
		return nil
	}
	name := "sa-" + cand.Region + "-" + cand.MachineType + "-" + shortUUID(o.rng)
	return plan.NewNode(name, cand.Region, cand.MachineType, float64(cand.VCPU), float64(cand.MemGiB), cand.Price, false)
}

func ratio(cpu, mem float64) float64 {
	if mem == 0 {
		return math.Inf(1)
	}
	return cpu / mem
}

func sortedNodeNames(p *plan.Plan) []string {
	names := make([]string, 0, len(p.Nodes))
	for name := range p.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortNodesByName(ns []*plan.Node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].Name < ns[j].Name })
}

// shortUUID returns an 8-character identifier suffix, standing in for
// the source system's random.randint(10000, 99999) node-name suffix.
func shortUUID(_ *rand.Rand) string {
	return uuid.New().String()[:8]
}
