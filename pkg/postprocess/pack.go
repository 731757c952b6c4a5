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
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

// PackConfig tunes small-node packing.
type PackConfig struct {
	// BinCapacity is the raw vCPU ceiling a bin-packed box may not
	// exceed (net of overhead), default 8.
	BinCapacity float64
	// CostToleranceFactor allows the replacement machine type to cost
	// up to this multiple of the summed price of the nodes it
	// replaces, default 1.1 (a 10% regression allowance).
	CostToleranceFactor float64
}

// DefaultPackConfig matches the original small-node packer's constants.
func DefaultPackConfig() PackConfig {
	return PackConfig{BinCapacity: 8, CostToleranceFactor: 1.1}
}

// PackSmallNodes merges newly-hypothesized nodes (is_existing=false)
// of the same machine family and price into fewer, larger nodes where
// the catalog offers one within cfg's vCPU ceiling and cost tolerance.
// p is mutated in place and also returned for chaining. A box whose
// migration can't complete (a pod wouldn't fit the replacement) is
// left untouched rather than partially merged.
func PackSmallNodes(cfg PackConfig, cat *catalog.Catalog, p *plan.Plan) *plan.Plan {
	regionLoad := make(map[string]int)
	for _, n := range p.Nodes {
		if n.Name != plan.MasterNodeName {
			regionLoad[n.Region]++
		}
	}

	groups := make(map[string][]*plan.Node)
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName || n.IsExisting {
			continue
		}
		key := machineFamily(n.MachineType) + "|" + strconv.FormatFloat(n.Price, 'g', -1, 64)
		groups[key] = append(groups[key], n)
	}

	for _, nodes := range groups {
		if len(nodes) < 2 {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].UsableCPUCap > nodes[j].UsableCPUCap })

		var bins [][]*plan.Node
		for _, n := range nodes {
			placed := false
			for bi, box := range bins {
				var used float64
				for _, m := range box {
					used += m.UsableCPUCap
				}
				if used+n.UsableCPUCap <= cfg.BinCapacity-plan.DefaultOverheadCPU {
					bins[bi] = append(box, n)
					placed = true
					break
				}
			}
			if !placed {
				bins = append(bins, []*plan.Node{n})
			}
		}

		for _, box := range bins {
			if len(box) < 2 {
				continue
			}
			packBox(cfg, cat, p, box, regionLoad)
		}
	}

	return p
}

func packBox(cfg PackConfig, cat *catalog.Catalog, p *plan.Plan, box []*plan.Node, regionLoad map[string]int) {
	family := machineFamily(box[0].MachineType)

	var cpuSum, memSum, priceSum float64
	regions := make(map[string]bool)
	for _, n := range box {
		cpuSum += n.UsableCPUCap
		memSum += n.MemCap
		priceSum += n.Price
		regions[n.Region] = true
	}

	var targetRegion string
	if len(regions) == 1 {
		for r := range regions {
			targetRegion = r
		}
	} else {
		best := -1
		for r := range regions {
			if best == -1 || regionLoad[r] < regionLoad[targetRegion] {
				targetRegion, best = r, regionLoad[r]
			}
		}
	}

	type candidate struct {
		vcpu, mem, price float64
		mt               string
	}
	var cands []candidate
	for _, o := range cat.OfferingsInRegion(targetRegion) {
		if float64(o.VCPU) > cfg.BinCapacity || !strings.HasPrefix(o.MachineType, family+"-") {
			continue
		}
		if float64(o.VCPU)-plan.DefaultOverheadCPU >= cpuSum &&
			float64(o.MemGiB) >= memSum &&
			o.Price <= priceSum*cfg.CostToleranceFactor {
			cands = append(cands, candidate{vcpu: float64(o.VCPU), mem: float64(o.MemGiB), price: o.Price, mt: o.MachineType})
		}
	}
	if len(cands) == 0 {
		return
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].vcpu != cands[j].vcpu {
			return cands[i].vcpu < cands[j].vcpu
		}
		return cands[i].price < cands[j].price
	})
	chosen := cands[0]

	newName := "pack-" + targetRegion + "-" + chosen.mt + "-" + uuid.New().String()[:8]
	newNode := plan.NewNode(newName, targetRegion, chosen.mt, chosen.vcpu, chosen.mem, chosen.price, false)

	type moved struct {
		from *plan.Node
		pod  plan.Pod
	}
	var history []moved
	for _, n := range box {
		for _, pod := range append([]plan.Pod(nil), n.Pods()...) {
			if !newNode.CanFit(pod) {
				for i := len(history) - 1; i >= 0; i-- {
					newNode.RemovePod(history[i].pod)
					history[i].from.AddPod(history[i].pod)
					p.PodToNode[history[i].pod.FullName()] = history[i].from.Name
				}
				return
			}
			n.RemovePod(pod)
			newNode.AddPod(pod)
			p.PodToNode[pod.FullName()] = newNode.Name
			history = append(history, moved{from: n, pod: pod})
		}
	}

	_ = p.OpenNode(newNode)
	for _, n := range box {
		if len(n.Pods()) == 0 {
			_ = p.CloseNode(n.Name)
			regionLoad[n.Region]--
		}
	}
	regionLoad[targetRegion]++
}

// machineFamily strips a trailing numeric size suffix from a machine
// type name ("e2-standard-2" -> "e2-standard"); names with no such
// suffix are their own family.
func machineFamily(machineType string) string {
	idx := strings.LastIndex(machineType, "-")
	if idx < 0 {
		return machineType
	}
	suffix := machineType[idx+1:]
	if _, err := strconv.Atoi(suffix); err != nil {
		return machineType
	}
	return machineType[:idx]
}
