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

// Package apply reconciles two plans against the live cluster: it
// diffs plan_old against plan_new, deletes nodes that fell out,
// creates nodes that appeared (with same-price region fallback on
// provider exhaustion), waits for new nodes to register, and rebinds
// any pod whose target node changed.
package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awslabs/operatorpkg/serrors"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/cluster"
	"github.com/nodeforge/fleetpacker/pkg/compute"
	"github.com/nodeforge/fleetpacker/pkg/plan"
	"github.com/nodeforge/fleetpacker/pkg/snapshot"
)

// Config bounds the apply loop's concurrency and timeouts.
type Config struct {
	DeleteConcurrency int
	CreateConcurrency int
	NodeReadyTimeout  time.Duration
	NodeDeleteTimeout time.Duration
}

// DefaultConfig matches the original apply loop's defaults: two-wide
// bounded pools, 300s Ready wait, 180s delete confirmation wait.
func DefaultConfig() Config {
	return Config{
		DeleteConcurrency: 2,
		CreateConcurrency: 2,
		NodeReadyTimeout:  300 * time.Second,
		NodeDeleteTimeout: 180 * time.Second,
	}
}

// Result summarizes one Apply call for the scheduler's history row and
// its last_node_create_ts bookkeeping.
type Result struct {
	Created       []string
	Deleted       []string
	FailedCreates []string
	FailedDeletes []string
}

// Applier drives plan reconciliation against a ClusterDriver and
// VMProvider. Its fields are the core's only dependency on concrete
// cloud/cluster implementations, held as interfaces (pkg/cluster,
// pkg/compute) so the apply logic itself stays testable with fakes.
type Applier struct {
	Driver   cluster.ClusterDriver
	Provider compute.VMProvider
	Catalog  *catalog.Catalog
	NodeInfo *snapshot.NodeInfoStore
	Cfg      Config
}

// New returns an Applier with the given collaborators and cfg.
func New(driver cluster.ClusterDriver, provider compute.VMProvider, cat *catalog.Catalog, info *snapshot.NodeInfoStore, cfg Config) *Applier {
	return &Applier{Driver: driver, Provider: provider, Catalog: cat, NodeInfo: info, Cfg: cfg}
}

// Apply reconciles new against old. It never returns an error that
// should abort the scheduler cycle; individual node or pod failures
// are logged and recorded in the returned Result instead, following a
// no-fatal-conditions-by-design policy. The returned error is non-nil
// only to let a caller detect that at least one step failed, for
// metrics purposes.
func (a *Applier) Apply(ctx context.Context, old, new *plan.Plan) (Result, error) {
	logger := log.FromContext(ctx)
	toDelete, toCreate := diff(old, new)

	result := Result{}
	var mu sync.Mutex
	var anyErr error
	noteErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		anyErr = errors.Join(anyErr, err)
	}

	deleteGroup, deleteCtx := errgroup.WithContext(ctx)
	deleteGroup.SetLimit(maxInt(a.Cfg.DeleteConcurrency, 1))
	for _, name := range toDelete {
		name := name
		node := old.Nodes[name]
		deleteGroup.Go(func() error {
			if err := a.deleteNode(deleteCtx, old, node); err != nil {
				logger.Error(err, "failed to delete node", "node", name)
				mu.Lock()
				result.FailedDeletes = append(result.FailedDeletes, name)
				mu.Unlock()
				noteErr(err)
				return nil
			}
			mu.Lock()
			result.Deleted = append(result.Deleted, name)
			mu.Unlock()
			return nil
		})
	}
	_ = deleteGroup.Wait()

	createGroup, createCtx := errgroup.WithContext(ctx)
	createGroup.SetLimit(maxInt(a.Cfg.CreateConcurrency, 1))
	for _, name := range toCreate {
		name := name
		node := new.Nodes[name]
		createGroup.Go(func() error {
			if err := a.createNode(createCtx, node); err != nil {
				logger.Error(err, "failed to create node after exhausting fallback regions", "node", name)
				mu.Lock()
				result.FailedCreates = append(result.FailedCreates, name)
				mu.Unlock()
				noteErr(err)
				return nil
			}
			if err := a.Driver.WaitReady(createCtx, name, a.Cfg.NodeReadyTimeout); err != nil {
				logger.Error(err, "node did not become Ready in time", "node", name)
				mu.Lock()
				result.FailedCreates = append(result.FailedCreates, name)
				mu.Unlock()
				noteErr(err)
				return nil
			}
			if err := a.NodeInfo.Record(name, snapshot.NodeMeta{MachineType: node.MachineType, Region: node.Region}); err != nil {
				logger.Error(err, "failed to persist node_info", "node", name)
				noteErr(err)
			}
			mu.Lock()
			result.Created = append(result.Created, name)
			mu.Unlock()
			return nil
		})
	}
	_ = createGroup.Wait()

	for _, name := range toDelete {
		if err := a.NodeInfo.Forget(name); err != nil {
			logger.Error(err, "failed to forget node_info", "node", name)
			noteErr(err)
		}
	}

	failedCreate := make(map[string]bool, len(result.FailedCreates))
	for _, name := range result.FailedCreates {
		failedCreate[name] = true
	}
	a.rebindPods(ctx, old, new, failedCreate, noteErr)

	return result, anyErr
}

// diff returns node names present only in new (to create) and only in
// old (to delete), by name. Ordering between the two pools is not
// promised; within each pool this codebase relies on bounded
// concurrency, not sequencing.
func diff(old, new *plan.Plan) (toDelete, toCreate []string) {
	for name := range old.Nodes {
		if _, ok := new.Nodes[name]; !ok {
			toDelete = append(toDelete, name)
		}
	}
	for name := range new.Nodes {
		if _, ok := old.Nodes[name]; !ok {
			toCreate = append(toCreate, name)
		}
	}
	return toDelete, toCreate
}

// deleteNode drains node (cordon, then evict every resident pod) and
// then removes the cluster node object and destroys the backing VM. A
// failure here is logged and this node is simply retried next cycle
// rather than aborting the whole apply.
func (a *Applier) deleteNode(ctx context.Context, old *plan.Plan, node *plan.Node) error {
	logger := log.FromContext(ctx)
	if err := a.Driver.Cordon(ctx, node.Name); err != nil {
		return serrors.Wrap(fmt.Errorf("cordon: %w", err), "node", node.Name)
	}
	for _, pod := range old.PodsOnNode(node.Name) {
		if err := a.Driver.Evict(ctx, pod.Namespace, pod.Name); err != nil {
			logger.Error(err, "failed to evict pod during drain", "node", node.Name, "pod", pod.FullName())
		}
	}
	if err := a.Driver.DeleteNode(ctx, node.Name); err != nil {
		return serrors.Wrap(fmt.Errorf("delete node object: %w", err), "node", node.Name)
	}
	deleteCtx, cancel := context.WithTimeout(ctx, a.Cfg.NodeDeleteTimeout)
	defer cancel()
	if err := a.Provider.Delete(deleteCtx, node.Name); err != nil {
		return serrors.Wrap(fmt.Errorf("destroy instance: %w", err), "node", node.Name)
	}
	return nil
}

// createNode provisions node, trying its planned region first and
// falling back to other regions offering the exact same machine type
// at the same price if the provider reports pool exhaustion or quota
// errors. On success node.Region is mutated to the region actually
// used.
func (a *Applier) createNode(ctx context.Context, node *plan.Node) error {
	logger := log.FromContext(ctx)
	req := compute.CreateRequest{Name: node.Name, Region: node.Region, MachineType: node.MachineType}

	err := a.Provider.Create(ctx, req)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrZoneResourcePoolExhausted) && !errors.Is(err, ErrQuotaExceeded) {
		return serrors.Wrap(fmt.Errorf("create instance: %w", err), "node", node.Name, "region", node.Region)
	}

	fallbacks := a.Catalog.SamePriceRegions(node.MachineType, node.Price, node.Region)
	for _, region := range fallbacks {
		logger.Info("retrying node create in fallback region", "node", node.Name, "planned_region", node.Region, "fallback_region", region)
		req.Region = region
		if err := a.Provider.Create(ctx, req); err == nil {
			node.Region = region
			return nil
		}
	}
	return serrors.Wrap(fmt.Errorf("create instance: exhausted all same-price fallback regions: %w", err), "node", node.Name, "machine_type", node.MachineType)
}

// rebindPods binds every pod whose target node in new differs from
// old, skipping pods destined for a node whose create failed. A
// pod-not-found error (the controller deleted the pod before it could
// be bound) is swallowed rather than treated as fatal.
func (a *Applier) rebindPods(ctx context.Context, old, new *plan.Plan, failedCreate map[string]bool, noteErr func(error)) {
	logger := log.FromContext(ctx)
	for _, pod := range new.AllPods() {
		target := new.PodToNode[pod.FullName()]
		if failedCreate[target] {
			continue
		}
		if old.PodToNode[pod.FullName()] == target {
			continue
		}
		if err := a.Driver.Bind(ctx, pod.Namespace, pod.Name, target); err != nil {
			if errors.Is(err, cluster.ErrPodNotFound) {
				continue
			}
			logger.Error(err, "failed to bind pod", "pod", pod.FullName(), "node", target)
			noteErr(err)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
