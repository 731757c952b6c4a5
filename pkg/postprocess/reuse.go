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

// Package postprocess implements the two passes that run between the
// optimizer and the apply loop: equivalent-node reuse and small-node
// packing, both aimed at reducing pointless create/delete churn.
package postprocess

import "github.com/nodeforge/fleetpacker/pkg/plan"

// ReuseConfig bounds how close a hypothesized node's shape and price
// must be to an existing node for them to be considered equivalent.
type ReuseConfig struct {
	CPUGap   float64
	MemGap   float64
	PriceGap float64
}

// DefaultReuseConfig matches the original reuse pass's 5% default gap.
func DefaultReuseConfig() ReuseConfig {
	return ReuseConfig{CPUGap: 0.05, MemGap: 0.05, PriceGap: 0.05}
}

// ReuseNodes rebinds every hypothesized node in next onto an
// equivalent existing node still present in previous, if one exists,
// dropping the hypothesized node. next is mutated in place and also
// returned for chaining. Existing nodes are matched at most once each.
func ReuseNodes(cfg ReuseConfig, previous, next *plan.Plan) *plan.Plan {
	claimed := make(map[string]bool)

	var hypothesized []*plan.Node
	for _, n := range next.Nodes {
		if !n.IsExisting {
			hypothesized = append(hypothesized, n)
		}
	}

	for _, hyp := range hypothesized {
		match := findEquivalent(cfg, previous, hyp, claimed)
		if match == nil {
			continue
		}
		claimed[match.Name] = true

		if _, ok := next.Nodes[match.Name]; !ok {
			clone := match.Clone()
			clone.CPUUsed, clone.MemUsed = 0, 0
			_ = next.OpenNode(clone)
		}
		target := next.Nodes[match.Name]

		for _, pod := range append([]plan.Pod(nil), hyp.Pods()...) {
			if !target.CanFit(pod) {
				continue
			}
			hyp.RemovePod(pod)
			target.AddPod(pod)
			next.PodToNode[pod.FullName()] = target.Name
		}
		if len(hyp.Pods()) == 0 {
			_ = next.CloseNode(hyp.Name)
		}
	}

	return next
}

// findEquivalent returns the first not-yet-claimed existing node in
// previous whose cpu/mem/price each fall within cfg's gap of hyp's.
func findEquivalent(cfg ReuseConfig, previous *plan.Plan, hyp *plan.Node, claimed map[string]bool) *plan.Node {
	for _, candidate := range previous.Nodes {
		if !candidate.IsExisting || claimed[candidate.Name] {
			continue
		}
		if withinGap(candidate.CPUCap, hyp.CPUCap, cfg.CPUGap) &&
			withinGap(candidate.MemCap, hyp.MemCap, cfg.MemGap) &&
			withinGap(candidate.Price, hyp.Price, cfg.PriceGap) {
			return candidate
		}
	}
	return nil
}

func withinGap(existing, hypothesized, gap float64) bool {
	if existing == 0 {
		return hypothesized == 0
	}
	diff := existing - hypothesized
	if diff < 0 {
		diff = -diff
	}
	return diff/existing <= gap
}
