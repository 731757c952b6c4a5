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

// Package anneal implements the simulated-annealing optimizer that
// refines the seed placer's plan under hard cluster constraints.
package anneal

import "github.com/nodeforge/fleetpacker/pkg/plan"

// Weights tunes the energy function's four terms.
type Weights struct {
	Cost   float64
	Idle   float64
	Region float64
	Nodes  float64
}

// DefaultWeights matches the original annealer's energy defaults.
func DefaultWeights() Weights {
	return Weights{Cost: 1.0, Idle: 0.5, Region: 0.4, Nodes: 0.6}
}

// isExempt reports whether a node is excluded from every energy term
// (master is never billed or packed; node-1 is a permanent utility
// node that SA cannot close or upgrade away).
func isExempt(name string) bool {
	return name == plan.MasterNodeName || name == plan.UtilityNodeName
}

// EnergyParts carries Energy's weighted total alongside its unweighted
// cost, idle and concentration terms and the node count, matching the history CSV's cost/idle_ratio/conc columns
// so the scheduler never has to recompute energy by hand to populate a
// history row.
type EnergyParts struct {
	Total         float64
	Cost          float64
	Idle          float64
	Concentration float64
	NodeCount     int
}

// Energy scores p; lower is better. Every term counts only
// non-exempt nodes: region concentration sums the squared share of
// billed nodes in each region, over the billed node count.
func Energy(p *plan.Plan, w Weights) float64 {
	return Decompose(p, w).Total
}

// Decompose computes the same score as Energy but also returns its
// unweighted cost/idle/concentration components and node count, for
// the scheduler's energy breakdown logging in its history row.
func Decompose(p *plan.Plan, w Weights) EnergyParts {
	var cost, idle float64
	var billedCount int

	regionCounts := make(map[string]int)
	for _, n := range p.Nodes {
		if isExempt(n.Name) {
			continue
		}
		regionCounts[n.Region]++
		cost += n.Price
		if n.CPUCap > 0 {
			idle += (n.CPUCap - n.CPUUsed) / n.CPUCap
		}
		billedCount++
	}

	var conc float64
	if billedCount > 0 {
		for _, count := range regionCounts {
			share := float64(count) / float64(billedCount)
			conc += share * share
		}
	} else {
		conc = 1
	}

	return EnergyParts{
		Total:         w.Cost*cost + w.Idle*idle + w.Region*conc + w.Nodes*float64(billedCount),
		Cost:          cost,
		Idle:          idle,
		Concentration: conc,
		NodeCount:     billedCount,
	}
}
