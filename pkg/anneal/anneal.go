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
	"math/rand"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

// Mode selects which pods are mobile and which moves are available.
type Mode int

const (
	// Incremental restricts mobility to pods flagged IsNew.
	Incremental Mode = iota
	// Full allows every resident pod to move.
	Full
)

// Seed produces a feasible starting plan for the optimizer to refine.
// pkg/placer.Placer satisfies this.
type Seed interface {
	Place(p *plan.Plan, pending []plan.Pod) (*plan.Plan, []plan.Pod)
}

// Config tunes the annealing schedule and the hard constraints every
// candidate move is checked against.
type Config struct {
	NIter int
	T0    float64
	Tmin  float64
	Alpha float64

	Weights Weights

	MaxWorkerNodes int
	MaxClusterCPU  float64

	// RestrictIncrementalOperators, when true, limits incremental-mode
	// moves to {move, swap, open, upgrade_new}, doubling upgrade_new's
	// selection weight. When false (the default) all six operators are
	// sampled regardless of mode, and the close/upgrade moves
	// simply decline to act while in incremental mode. See DESIGN.md.
	RestrictIncrementalOperators bool

	// CloseIdleThreshold is the util_ratio ceiling for a node to be a
	// close-move candidate.
	CloseIdleThreshold float64
	// UpgradeIdleThreshold is the util_ratio ceiling for a node to be
	// an upgrade-move candidate.
	UpgradeIdleThreshold float64
	// SuitabilityThreshold bounds open/pick-machine shape match;
	// unlike the placer, the annealer's own moves don't partition into
	// good/other, so this isn't used there, but is kept alongside the
	// rest of the annealer's tunables.
	SuitabilityThreshold float64
}

// DefaultConfig mirrors the original annealer's constructor defaults
// and its hard constraints.
func DefaultConfig() Config {
	return Config{
		NIter: 600, T0: 60, Tmin: 1.0, Alpha: 0.88,
		Weights:                      DefaultWeights(),
		MaxWorkerNodes:               6,
		MaxClusterCPU:                30,
		RestrictIncrementalOperators: false,
		CloseIdleThreshold:           0.5,
		UpgradeIdleThreshold:         0.4,
		SuitabilityThreshold:         0.6,
	}
}

// Optimizer is the simulated-annealing optimizer (C5): it refines a
// seed plan through randomized neighborhood moves under hard
// constraints, tracking the best plan seen independent of the current
// walker.
type Optimizer struct {
	cfg  Config
	cat  *catalog.Catalog
	seed Seed
	rng  *rand.Rand

	mode    Mode
	pending []plan.Pod
}

// New returns an Optimizer using seed to produce the starting plan and
// cat as the source of hypothetical machine types for open/upgrade
// moves. rng supplies the move draws and acceptance tests; the
// suffixes of hypothetical node names come from uuid.New and do not
// draw on rng, so a seeded *rand.Rand alone does not make runs
// repeatable.
func New(cfg Config, cat *catalog.Catalog, seed Seed, rng *rand.Rand) *Optimizer {
	return &Optimizer{cfg: cfg, cat: cat, seed: seed, rng: rng}
}

// Optimize anneals a plan starting from seed.Place(current, pending),
// returning the best plan found and those pods the seed couldn't place
// that are still unplaced in it (an open move draws from every pending
// pod, so it can place one the seed left over).
func (o *Optimizer) Optimize(current *plan.Plan, pending []plan.Pod, mode Mode) (*plan.Plan, []plan.Pod) {
	o.mode = mode
	o.pending = pending

	working, still := o.seed.Place(current, pending)

	best := working.Clone()
	bestE := Energy(working, o.cfg.Weights)

	T := o.cfg.T0
	for T > o.cfg.Tmin {
		for i := 0; i < o.cfg.NIter; i++ {
			nbr := o.neighbor(working)
			if nbr == nil {
				continue
			}
			eNew := Energy(nbr, o.cfg.Weights)
			eCur := Energy(working, o.cfg.Weights)

			if eNew < eCur || o.rng.Float64() < math.Exp(-(eNew-eCur)/T) {
				working = nbr
				if eNew < bestE {
					best = nbr.Clone()
					bestE = eNew
				}
			}
		}
		T *= o.cfg.Alpha
	}

	var unplaced []plan.Pod
	for _, pod := range still {
		if _, ok := best.PodToNode[pod.FullName()]; !ok {
			unplaced = append(unplaced, pod)
		}
	}
	return best, unplaced
}

func (o *Optimizer) constraintsOK(p *plan.Plan) bool {
	workers := 0
	var cpuTotal float64
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName {
			continue
		}
		workers++
		cpuTotal += n.CPUCap
	}
	if o.cfg.MaxWorkerNodes > 0 && workers > o.cfg.MaxWorkerNodes {
		return false
	}
	return o.cfg.MaxClusterCPU <= 0 || cpuTotal <= o.cfg.MaxClusterCPU
}

func (o *Optimizer) canAddNode(p *plan.Plan) bool {
	workers := 0
	var cpuTotal float64
	for _, n := range p.Nodes {
		if n.Name == plan.MasterNodeName {
			continue
		}
		workers++
		cpuTotal += n.CPUCap
	}
	if o.cfg.MaxWorkerNodes > 0 && workers >= o.cfg.MaxWorkerNodes {
		return false
	}
	return o.cfg.MaxClusterCPU <= 0 || cpuTotal < o.cfg.MaxClusterCPU
}

// normalize ensures a pod from PodToNode resides only on its mapped
// node, stripping any stray duplicate entry left on another node.
// openOp relies on it: when the pending pod it draws is already
// placed, it adds the pod to the new node and repoints PodToNode
// without removing the old copy. It runs on every candidate neighbor
// returns, the same way the original annealer always called its
// equivalent.
func normalize(p *plan.Plan) {
	for fullName, nodeName := range p.PodToNode {
		for name, n := range p.Nodes {
			if name == nodeName {
				continue
			}
			if pod, ok := n.Pod(fullName); ok {
				n.RemovePod(pod)
			}
		}
	}
}
