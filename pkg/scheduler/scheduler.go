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

// Package scheduler implements the main decide-and-apply loop (C7) and
// the background consolidator (C8), both holding the same mutex for
// the whole of one cycle so the two never race against each other's
// view of the cluster.
package scheduler

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nodeforge/fleetpacker/pkg/anneal"
	"github.com/nodeforge/fleetpacker/pkg/apply"
	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/metrics"
	"github.com/nodeforge/fleetpacker/pkg/plan"
	"github.com/nodeforge/fleetpacker/pkg/postprocess"
	"github.com/nodeforge/fleetpacker/pkg/snapshot"
)

// fullThresholdEpsilon is the epsilon in the
// E_full/(E_inc+epsilon) <= full_threshold test, guarding against
// division by (near) zero when the incremental plan is free.
const fullThresholdEpsilon = 1e-6

// Config tunes the scheduler loop's cadence and gating. Field names
// mirror config.Options so a caller typically builds one straight from
// the injected Options rather than restating every field by hand.
type Config struct {
	Cooldown        time.Duration
	FullThreshold   float64
	PostCycleSettle time.Duration
	Weights         anneal.Weights
}

// Scheduler owns one cycle of snapshot -> seed -> SA(incremental) ->
// optionally SA(full) -> reuse -> pack -> apply -> history, all under
// a single mutex shared with a Consolidator over the same Scheduler.
type Scheduler struct {
	mu sync.Mutex

	snapshotter *snapshot.Snapshotter
	optimizer   *anneal.Optimizer
	cat         *catalog.Catalog
	reuseCfg    postprocess.ReuseConfig
	packCfg     postprocess.PackConfig
	applier     *apply.Applier
	history     *HistoryWriter

	cfg Config

	cycleID          int
	lastFullTS       time.Time
	lastNodeCreateTS time.Time
}

// New returns a Scheduler wired to its collaborators. optimizer must
// already be constructed with a pkg/placer.Placer as its seed.
func New(
	snapshotter *snapshot.Snapshotter,
	optimizer *anneal.Optimizer,
	cat *catalog.Catalog,
	reuseCfg postprocess.ReuseConfig,
	packCfg postprocess.PackConfig,
	applier *apply.Applier,
	history *HistoryWriter,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		snapshotter: snapshotter,
		optimizer:   optimizer,
		cat:         cat,
		reuseCfg:    reuseCfg,
		packCfg:     packCfg,
		applier:     applier,
		history:     history,
		cfg:         cfg,
	}
}

// RunOnce executes one full cycle, holding the scheduler's mutex for
// its entire duration, including the trailing PostCycleSettle pause.
// It never returns an error that should abort the caller's loop: every
// internal failure is logged and absorbed, following a
// no-fatal-conditions-by-design policy.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.FromContext(ctx)
	s.cycleID++
	cycleID := s.cycleID
	start := time.Now()

	snap, err := s.snapshotter.Snapshot(ctx)
	if err != nil {
		logger.Error(err, "snapshot failed, skipping cycle", "cycle", cycleID)
		return nil
	}

	if len(snap.Pending) == 0 {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	pending := make([]plan.Pod, len(snap.Pending))
	copy(pending, snap.Pending)
	for i := range pending {
		pending[i].IsNew = true
	}

	old := snap.Plan

	planInc, stillInc := s.optimizer.Optimize(old, pending, anneal.Incremental)
	planInc = postprocess.ReuseNodes(s.reuseCfg, old, planInc)

	chosen, stillPending, mode := planInc, stillInc, "incremental"

	if time.Since(s.lastFullTS) >= s.cfg.Cooldown {
		planFull, stillFull := s.optimizer.Optimize(old, pending, anneal.Full)
		planFull = postprocess.ReuseNodes(s.reuseCfg, old, planFull)

		eFull := anneal.Energy(planFull, s.cfg.Weights)
		eInc := anneal.Energy(planInc, s.cfg.Weights)
		if eFull/(eInc+fullThresholdEpsilon) <= s.cfg.FullThreshold {
			chosen, stillPending, mode = planFull, stillFull, "full"
			s.lastFullTS = time.Now()
		}
	}

	chosen = postprocess.PackSmallNodes(s.packCfg, s.cat, chosen)

	result, applyErr := s.applier.Apply(ctx, old, chosen)
	if applyErr != nil {
		logger.Error(applyErr, "apply reported errors this cycle", "cycle", cycleID)
	}
	metrics.CycleDurationSeconds.Observe(time.Since(start).Seconds())
	if len(result.Created) > 0 {
		s.lastNodeCreateTS = time.Now()
	}

	metrics.CyclesTotal.WithLabelValues(mode).Inc()
	metrics.NodesCreatedTotal.Add(float64(len(result.Created)))
	metrics.NodesDeletedTotal.Add(float64(len(result.Deleted)))
	metrics.StillPending.Set(float64(len(stillPending)))

	parts := anneal.Decompose(chosen, s.cfg.Weights)
	if err := s.history.Append(Row{
		Timestamp: time.Now(),
		CycleID:   cycleID,
		Mode:      mode,
		Energy:    parts.Total,
		Cost:      parts.Cost,
		IdleRatio: parts.Idle,
		Conc:      parts.Concentration,
		NodeCount: parts.NodeCount,
		Plan:      chosen,
	}); err != nil {
		logger.Error(err, "failed to append history row", "cycle", cycleID)
	}

	if len(stillPending) > 0 {
		logger.Info("pods left unplaced this cycle", "cycle", cycleID, "count", len(stillPending))
	}

	if s.cfg.PostCycleSettle > 0 {
		time.Sleep(s.cfg.PostCycleSettle)
	}
	return nil
}

// Run ticks the scheduler every interval, using fixed-interval pacing:
// if a cycle overruns interval, the next cycle starts immediately
// rather than compounding a backlog of skipped ticks. Run blocks until
// ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	logger := log.FromContext(ctx)
	for {
		start := time.Now()
		if err := s.RunOnce(ctx); err != nil {
			logger.Error(err, "scheduler cycle failed")
		}
		if ctx.Err() != nil {
			return
		}
		if elapsed := time.Since(start); elapsed < interval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval - elapsed):
			}
		}
	}
}
