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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nodeforge/fleetpacker/pkg/cluster"
	"github.com/nodeforge/fleetpacker/pkg/compute"
	"github.com/nodeforge/fleetpacker/pkg/metrics"
	"github.com/nodeforge/fleetpacker/pkg/plan"
)

// ConsolidatorConfig tunes idle-node detection and teardown.
type ConsolidatorConfig struct {
	LowThr           float64
	CreationBlockSec time.Duration
	DeleteConcurrency int
}

// Consolidator closes out idle worker nodes between scheduler cycles.
// It shares its Scheduler's mutex so the two never observe or mutate
// the cluster concurrently.
type Consolidator struct {
	sched  *Scheduler
	driver cluster.ClusterDriver
	prov   compute.VMProvider
	cfg    ConsolidatorConfig
}

// NewConsolidator returns a Consolidator over sched's lock and history.
func NewConsolidator(sched *Scheduler, driver cluster.ClusterDriver, prov compute.VMProvider, cfg ConsolidatorConfig) *Consolidator {
	return &Consolidator{sched: sched, driver: driver, prov: prov, cfg: cfg}
}

// Tick runs one consolidation pass: skip entirely while within the
// post-creation inhibit window, otherwise close every worker node
// (excluding master and the utility node) whose realtime CPU usage is
// below LowThr.
func (c *Consolidator) Tick(ctx context.Context) error {
	c.sched.mu.Lock()
	defer c.sched.mu.Unlock()

	logger := log.FromContext(ctx)

	if !c.sched.lastNodeCreateTS.IsZero() && time.Since(c.sched.lastNodeCreateTS) < c.cfg.CreationBlockSec {
		return nil
	}

	usage, err := c.driver.RealtimeCPUUsage(ctx)
	if err != nil {
		logger.Error(err, "consolidator failed to read realtime CPU usage")
		return nil
	}

	nodes, err := c.driver.ListNodes(ctx)
	if err != nil {
		logger.Error(err, "consolidator failed to list nodes")
		return nil
	}

	var idle []string
	for _, n := range nodes {
		if n.Name == plan.MasterNodeName || n.Name == plan.UtilityNodeName {
			continue
		}
		if !n.Ready {
			continue
		}
		if u, ok := usage[n.Name]; ok && u < c.cfg.LowThr {
			idle = append(idle, n.Name)
		}
	}
	if len(idle) == 0 {
		return nil
	}

	pods, err := c.driver.ListPods(ctx)
	if err != nil {
		logger.Error(err, "consolidator failed to list pods")
		return nil
	}
	podsByNode := make(map[string][]cluster.ObservedPod)
	for _, p := range pods {
		if p.Phase == "Running" {
			podsByNode[p.NodeName] = append(podsByNode[p.NodeName], p)
		}
	}

	limit := c.cfg.DeleteConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var closedMu sync.Mutex
	closed := make([]string, 0, len(idle))
	for _, name := range idle {
		name := name
		g.Go(func() error {
			if err := c.closeNode(gctx, name, podsByNode[name]); err != nil {
				logger.Error(err, "failed to close idle node", "node", name)
				return nil
			}
			closedMu.Lock()
			closed = append(closed, name)
			closedMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(closed) == 0 {
		return nil
	}

	metrics.ConsolidatorClosuresTotal.Add(float64(len(closed)))
	logger.Info("consolidator closed idle nodes", "nodes", closed)

	if c.sched.history != nil {
		if err := c.sched.history.Append(Row{
			Timestamp: time.Now(),
			CycleID:   c.sched.cycleID,
			Mode:      "consolidate",
		}); err != nil {
			logger.Error(err, "failed to append consolidator history row")
		}
	}
	return nil
}

func (c *Consolidator) closeNode(ctx context.Context, name string, resident []cluster.ObservedPod) error {
	if err := c.driver.Cordon(ctx, name); err != nil {
		return err
	}
	for _, p := range resident {
		if err := c.driver.Evict(ctx, p.Namespace, p.Name); err != nil && !errors.Is(err, cluster.ErrPodNotFound) {
			return err
		}
	}
	if err := c.prov.Delete(ctx, name); err != nil {
		return err
	}
	return c.driver.DeleteNode(ctx, name)
}

// Run ticks the consolidator every interval until ctx is canceled.
func (c *Consolidator) Run(ctx context.Context, interval time.Duration) {
	logger := log.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				logger.Error(err, "consolidator tick failed")
			}
		}
	}
}
