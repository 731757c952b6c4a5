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

// Package config defines the scheduler's tunables as a single Options
// struct, bound to flags with environment-variable fallbacks, and
// injected into a context.Context for the rest of the tree to read
// back without threading it through every call.
package config

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/awslabs/operatorpkg/env"
)

// Options holds every tunable named in this system's configuration
// surface: scheduler cadence, SA hyperparameters, hard constraints,
// and overhead reservations.
type Options struct {
	// IntervalSec is the scheduler tick period.
	IntervalSec int
	// CooldownSec is the minimum gap between full-mode SA runs.
	CooldownSec int
	// FullThreshold gates whether a full-mode result is adopted: it is
	// accepted only when E_full/(E_inc+epsilon) <= FullThreshold.
	FullThreshold float64
	// CreationBlockSec inhibits the consolidator for this long after a
	// node create.
	CreationBlockSec int
	// LowThr is the node idle-utilization threshold below which the
	// consolidator considers a node for removal.
	LowThr float64

	// NIter is the SA inner-loop trial count per temperature step.
	NIter int
	// T0 is the SA starting temperature.
	T0 float64
	// Tmin is the SA stopping temperature.
	Tmin float64
	// Alpha is the SA per-step cooling factor.
	Alpha float64

	// MaxWorkerNodes is the hard cap on non-master nodes.
	MaxWorkerNodes int
	// MaxClusterCPU is the hard cap on summed vCPU across worker nodes.
	MaxClusterCPU float64

	// DefaultOverheadCPU is the vCPU reservation subtracted from a
	// regular node's advertised capacity before pods may use it.
	DefaultOverheadCPU float64
	// SpecialOverheadCPU is the same reservation for the utility node
	// (node-1), which runs more system daemons.
	SpecialOverheadCPU float64

	// MachineTypesPath and PricesPath locate the catalog's on-disk
	// JSON documents.
	MachineTypesPath string
	// PricesPath locates the per-region price JSON document.
	PricesPath string
	// NodeInfoPath locates the persisted node-metadata JSON document.
	NodeInfoPath string
	// HistoryPath locates the scheduler's CSV cycle history.
	HistoryPath string

	// ConsolidatorIntervalSec is the consolidator's own tick period,
	// separate from the main scheduler loop's IntervalSec.
	ConsolidatorIntervalSec int
	// PostCycleSettleSec pauses the scheduler, still holding its
	// mutex, after each cycle, giving just-created nodes a moment to
	// register before the consolidator's next tick can acquire the
	// lock.
	PostCycleSettleSec int

	// LogLevel is one of "debug", "info", "error".
	LogLevel string
}

// AddFlags registers every option on fs, each defaulting to its
// environment variable or, absent that, the value shown here.
func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.IntVar(&o.IntervalSec, "interval-sec", env.WithDefaultInt("INTERVAL_SEC", 120), "Scheduler tick period in seconds")
	fs.IntVar(&o.CooldownSec, "cooldown-sec", env.WithDefaultInt("COOLDOWN_SEC", 240), "Minimum gap between full-mode SA runs in seconds")
	fs.Float64Var(&o.FullThreshold, "full-threshold", withDefaultFloat("FULL_THRESHOLD", 0.95), "Full-mode accept ratio E_full/E_inc")
	fs.IntVar(&o.CreationBlockSec, "creation-block-sec", env.WithDefaultInt("CREATION_BLOCK_SEC", 150), "Consolidator inhibit window after a node create, in seconds")
	fs.Float64Var(&o.LowThr, "low-thr", withDefaultFloat("LOW_THR", 0.45), "Consolidator idle-utilization threshold")

	fs.IntVar(&o.NIter, "sa-n-iter", env.WithDefaultInt("SA_N_ITER", 600), "SA inner-loop trials per temperature step")
	fs.Float64Var(&o.T0, "sa-t0", withDefaultFloat("SA_T0", 60), "SA starting temperature")
	fs.Float64Var(&o.Tmin, "sa-tmin", withDefaultFloat("SA_TMIN", 1), "SA stopping temperature")
	fs.Float64Var(&o.Alpha, "sa-alpha", withDefaultFloat("SA_ALPHA", 0.9), "SA per-step cooling factor")

	fs.IntVar(&o.MaxWorkerNodes, "max-worker-nodes", env.WithDefaultInt("MAX_WORKER_NODES", 6), "Hard cap on non-master nodes")
	fs.Float64Var(&o.MaxClusterCPU, "max-cluster-cpu", withDefaultFloat("MAX_CLUSTER_CPU", 30), "Hard cap on summed worker vCPU")

	fs.Float64Var(&o.DefaultOverheadCPU, "default-overhead-cpu", withDefaultFloat("DEFAULT_OVERHEAD_CPU", 0.15), "vCPU reserved on a regular node before pods may use it")
	fs.Float64Var(&o.SpecialOverheadCPU, "special-overhead-cpu", withDefaultFloat("SPECIAL_OVERHEAD_CPU", 0.40), "vCPU reserved on the utility node (node-1)")

	fs.StringVar(&o.MachineTypesPath, "machine-types-path", env.WithDefaultString("MACHINE_TYPES_PATH", "data/machine_types.json"), "Path to the catalog machine-type JSON document")
	fs.StringVar(&o.PricesPath, "prices-path", env.WithDefaultString("PRICES_PATH", "data/prices.json"), "Path to the catalog price JSON document")
	fs.StringVar(&o.NodeInfoPath, "node-info-path", env.WithDefaultString("NODE_INFO_PATH", "node_info.json"), "Path to the persisted node-metadata JSON document")
	fs.StringVar(&o.HistoryPath, "history-path", env.WithDefaultString("HISTORY_PATH", "scheduler_history.csv"), "Path to the scheduler cycle history CSV")

	fs.IntVar(&o.ConsolidatorIntervalSec, "consolidator-interval-sec", env.WithDefaultInt("CONSOLIDATOR_INTERVAL_SEC", 240), "Consolidator tick period in seconds")
	fs.IntVar(&o.PostCycleSettleSec, "post-cycle-settle-sec", env.WithDefaultInt("POST_CYCLE_SETTLE_SEC", 10), "Pause after each scheduler cycle, still under its lock, in seconds")

	fs.StringVar(&o.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity level: debug, info, or error")
}

// Validate rejects option combinations that would make the scheduler
// loop meaningless rather than letting them surface as confusing
// behavior later.
func (o *Options) Validate() error {
	if o.IntervalSec <= 0 {
		return fmt.Errorf("interval-sec must be positive, got %d", o.IntervalSec)
	}
	if o.MaxWorkerNodes <= 0 {
		return fmt.Errorf("max-worker-nodes must be positive, got %d", o.MaxWorkerNodes)
	}
	if o.T0 <= o.Tmin {
		return fmt.Errorf("sa-t0 (%v) must exceed sa-tmin (%v)", o.T0, o.Tmin)
	}
	if o.Alpha <= 0 || o.Alpha >= 1 {
		return fmt.Errorf("sa-alpha must be in (0, 1), got %v", o.Alpha)
	}
	switch o.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("invalid log-level %q, must be debug, info, or error", o.LogLevel)
	}
	return nil
}

type optionsKey struct{}

// Inject stores o on ctx for retrieval with FromContext.
func (o *Options) Inject(ctx context.Context) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

// FromContext retrieves the Options injected with Inject. It panics if
// none was injected, the same contract as controller-runtime's
// log.FromContext: a missing Options on a scheduler-loop context is a
// wiring bug in this program, not a recoverable condition.
func FromContext(ctx context.Context) *Options {
	v := ctx.Value(optionsKey{})
	if v == nil {
		panic("config: no Options in context")
	}
	return v.(*Options)
}

// withDefaultFloat fills the one gap in operatorpkg/env's WithDefault*
// family, which has no float64 variant; it follows the same
// lookup-then-parse-or-fall-back shape as its sibling helpers.
func withDefaultFloat(key string, def float64) float64 {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
