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

// Package placer implements the greedy seed placer (RFSA): it fits
// pending pods onto existing nodes where possible and opens the
// cheapest reasonably-shaped new node otherwise.
package placer

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

const epsilon = 1e-6

// Config tunes the placer's open-new heuristic.
type Config struct {
	// SuitabilityThreshold partitions open-new candidates into "good"
	// (shape closely matches demand) and "other".
	SuitabilityThreshold float64

	MaxWorkerNodes int
	MaxClusterCPU  float64
}

// DefaultConfig mirrors the original greedy seed placer's defaults and
// the cluster's hard constraints.
func DefaultConfig() Config {
	return Config{
		SuitabilityThreshold: 0.6,
		MaxWorkerNodes:       6,
		MaxClusterCPU:        30,
	}
}

// Placer is the greedy seed placer (RFSA, C4).
type Placer struct {
	cfg Config
	cat *catalog.Catalog
}

// New returns a Placer drawing hypothetical nodes from cat.
func New(cfg Config, cat *catalog.Catalog) *Placer {
	return &Placer{cfg: cfg, cat: cat}
}

// Place attempts to seat every pod in pending onto p, preferring
// existing nodes and opening new ones only when nothing already open
// fits. p is cloned before mutation; the caller's plan is untouched.
// Pods that cannot be placed anywhere are returned in stillPending.
func (pl *Placer) Place(p *plan.Plan, pending []plan.Pod) (result *plan.Plan, stillPending []plan.Pod) {
	result = p.Clone()

	sorted := make([]plan.Pod, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool {
		return (sorted[i].CPU + sorted[i].Mem) > (sorted[j].CPU + sorted[j].Mem)
	})

	for _, pod := range sorted {
		if pl.fitExisting(result, pod) {
			continue
		}
		if node, ok := pl.openNew(result, pod); ok {
			node.AddPod(pod)
			_ = result.OpenNode(node)
			result.PodToNode[pod.FullName()] = node.Name
			continue
		}
		stillPending = append(stillPending, pod)
	}

	return result, stillPending
}

// fitExisting places pod on the best-fitting already-open node, if any
// can fit it. Best is the node minimizing (cpuRatioAfter, suitability)
// lexicographically: tightest CPU fit first, then closest CPU:MEM
// shape match.
func (pl *Placer) fitExisting(p *plan.Plan, pod plan.Pod) bool {
	var best *plan.Node
	var bestRatio, bestSuit float64

	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName || !n.CanFit(pod) {
			continue
		}

		cpuLeft := n.UsableCPUCap - n.CPUUsed
		memLeft := n.MemCap - n.MemUsed

		cpuRatioAfter := (cpuLeft - pod.CPU) / n.CPUCap
		suit := shapeMismatch(pod, cpuLeft, memLeft)

		if best == nil || less2(cpuRatioAfter, suit, bestRatio, bestSuit) {
			best, bestRatio, bestSuit = n, cpuRatioAfter, suit
		}
	}

	if best == nil {
		return false
	}
	best.AddPod(pod)
	p.PodToNode[pod.FullName()] = best.Name
	return true
}

// openCandidate is one (region, machine type) considered for hosting
// a new node.
type openCandidate struct {
	cpuLeft    float64
	suit       float64
	price      float64
	region     string
	mt         string
	vcpu       int
	mem        int
	regionLoad int
}

// openNew chooses the cheapest, best-shaped new machine type able to
// host pod, subject to the worker-count and cluster-CPU hard
// constraints, and returns a hypothetical Node ready to be opened.
func (pl *Placer) openNew(p *plan.Plan, pod plan.Pod) (*plan.Node, bool) {
	workerCount := 0
	var currCPUCap float64
	regionLoad := make(map[string]int)
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName {
			continue
		}
		workerCount++
		currCPUCap += n.CPUCap
		regionLoad[n.Region]++
	}

	if pl.cfg.MaxWorkerNodes > 0 && workerCount >= pl.cfg.MaxWorkerNodes {
		return nil, false
	}

	rhoPod := ratio(pod.CPU, pod.Mem)

	var good, other []openCandidate
	for _, o := range pl.cat.Offerings() {
		vcpu := float64(o.VCPU)
		mem := float64(o.MemGiB)

		if vcpu-plan.DefaultOverheadCPU < pod.CPU || mem < pod.Mem {
			continue
		}
		if vcpu < pod.CPU || mem < pod.Mem {
			continue
		}
		if pl.cfg.MaxClusterCPU > 0 && currCPUCap+vcpu > pl.cfg.MaxClusterCPU {
			continue
		}
		if o.Price <= 0 {
			continue
		}

		rhoNode := ratio(vcpu, mem)
		suit := math.Abs(rhoPod-rhoNode) / (rhoNode + epsilon)
		cpuLeft := (vcpu - plan.DefaultOverheadCPU) - pod.CPU

		cand := openCandidate{
			cpuLeft: cpuLeft, suit: suit, price: o.Price,
			region: o.Region, mt: o.MachineType,
			vcpu: o.VCPU, mem: o.MemGiB, regionLoad: regionLoad[o.Region],
		}
		if suit <= pl.cfg.SuitabilityThreshold {
			good = append(good, cand)
		} else {
			other = append(other, cand)
		}
	}

	cands := good
	if len(cands) == 0 {
		cands = other
	}
	if len(cands) == 0 {
		return nil, false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cpuLeft != b.cpuLeft {
			return a.cpuLeft < b.cpuLeft
		}
		if a.suit != b.suit {
			return a.suit < b.suit
		}
		if a.price != b.price {
			return a.price < b.price
		}
		return a.regionLoad < b.regionLoad
	})

	chosen := cands[0]
	name := "rfsa-" + chosen.region + "-" + chosen.mt + "-" + uuid.New().String()[:8]
	node := plan.NewNode(name, chosen.region, chosen.mt, float64(chosen.vcpu), float64(chosen.mem), chosen.price, false)
	return node, true
}

func shapeMismatch(pod plan.Pod, cpuLeft, memLeft float64) float64 {
	rhoPod := ratio(pod.CPU, pod.Mem)
	rhoNode := ratio(cpuLeft, memLeft)
	return math.Abs(rhoPod-rhoNode) / (rhoNode + epsilon)
}

// ratio is cpu/mem, treated as +Inf when mem is zero (an infinitely
// CPU-heavy shape), matching the source's float("inf") sentinel.
func ratio(cpu, mem float64) float64 {
	if mem == 0 {
		return math.Inf(1)
	}
	return cpu / mem
}

func less2(aFirst, aSecond, bFirst, bSecond float64) bool {
	if aFirst != bFirst {
		return aFirst < bFirst
	}
	return aSecond < bSecond
}
