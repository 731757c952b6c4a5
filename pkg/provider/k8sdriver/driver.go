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

// Package k8sdriver implements pkg/cluster.ClusterDriver against a live
// Kubernetes API server via controller-runtime's client.Client, the
// same client abstraction the rest of this codebase's ancestry is
// built on rather than a raw client-go clientset.
package k8sdriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nodeforge/fleetpacker/pkg/cluster"
)

// bytesPerGiB converts a memory resource.Quantity (bytes) to GiB.
const bytesPerGiB = 1 << 30

// Config names the pod-admission filter applied when collecting
// pending pods: only pods requesting this scheduler and living in
// this namespace are this scheduler's responsibility.
type Config struct {
	SchedulerName string
	PodNamespace  string
}

// DefaultConfig mirrors the original pending-pod fetch's hardcoded
// filter.
func DefaultConfig() Config {
	return Config{SchedulerName: "custom-scheduling", PodNamespace: "default"}
}

// Driver is the client-go-backed (via controller-runtime) ClusterDriver.
// CPU usage is delegated to a MetricsSource so this type never hard-
// depends on a live metrics.k8s.io connection.
type Driver struct {
	client  client.Client
	metrics MetricsSource
	cfg     Config
}

// New returns a Driver. metrics may be nil, in which case
// RealtimeCPUUsage always reports an empty map: no node has a usage
// reading, so the consolidator treats none of them as idle and closes
// nothing.
func New(c client.Client, metrics MetricsSource, cfg Config) *Driver {
	return &Driver{client: c, metrics: metrics, cfg: cfg}
}

var _ cluster.ClusterDriver = (*Driver)(nil)

// ListNodes returns every Node object's readiness and net allocatable
// capacity.
func (d *Driver) ListNodes(ctx context.Context) ([]cluster.ObservedNode, error) {
	var list corev1.NodeList
	if err := d.client.List(ctx, &list); err != nil {
		return nil, fmt.Errorf("k8sdriver: listing nodes: %w", err)
	}
	out := make([]cluster.ObservedNode, 0, len(list.Items))
	for _, n := range list.Items {
		out = append(out, cluster.ObservedNode{
			Name:              n.Name,
			NodeCondition:     cluster.NodeCondition{Ready: nodeReady(&n)},
			AllocatableCPU:    quantityCores(n.Status.Allocatable[corev1.ResourceCPU]),
			AllocatableMemGiB: quantityGiB(n.Status.Allocatable[corev1.ResourceMemory]),
		})
	}
	return out, nil
}

func nodeReady(n *corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func quantityCores(q resource.Quantity) float64 {
	v, _ := q.AsApproximateFloat64(), error(nil)
	return v
}

func quantityGiB(q resource.Quantity) float64 {
	return q.AsApproximateFloat64() / bytesPerGiB
}

// ListPods returns every Running pod cluster-wide (bound placements the
// model needs to reconstruct) plus every Pending pod that matches this
// scheduler's admission filter (the only pods this program is
// responsible for placing).
func (d *Driver) ListPods(ctx context.Context) ([]cluster.ObservedPod, error) {
	var list corev1.PodList
	if err := d.client.List(ctx, &list); err != nil {
		return nil, fmt.Errorf("k8sdriver: listing pods: %w", err)
	}
	out := make([]cluster.ObservedPod, 0, len(list.Items))
	for _, p := range list.Items {
		switch p.Status.Phase {
		case corev1.PodRunning:
			if p.Spec.NodeName == "" {
				continue
			}
			out = append(out, toObservedPod(&p, string(corev1.PodRunning)))
		case corev1.PodPending:
			if p.Spec.SchedulerName != d.cfg.SchedulerName {
				continue
			}
			if p.Namespace != d.cfg.PodNamespace {
				continue
			}
			if p.Spec.NodeName != "" {
				continue
			}
			out = append(out, toObservedPod(&p, string(corev1.PodPending)))
		}
	}
	return out, nil
}

func toObservedPod(p *corev1.Pod, phase string) cluster.ObservedPod {
	op := cluster.ObservedPod{
		Namespace: p.Namespace,
		Name:      p.Name,
		Phase:     phase,
		NodeName:  p.Spec.NodeName,
		Labels:    p.Labels,
	}
	for _, c := range p.Spec.Containers {
		op.Containers = append(op.Containers, cluster.ContainerResources{
			RequestCPU: quantityCores(c.Resources.Requests[corev1.ResourceCPU]),
			LimitCPU:   quantityCores(c.Resources.Limits[corev1.ResourceCPU]),
			RequestMem: quantityGiB(c.Resources.Requests[corev1.ResourceMemory]),
			LimitMem:   quantityGiB(c.Resources.Limits[corev1.ResourceMemory]),
		})
	}
	return op
}

// Bind assigns an unscheduled pod to targetNode via the binding
// subresource, the same mechanism a default kube-scheduler uses.
func (d *Driver) Bind(ctx context.Context, namespace, name, targetNode string) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
	binding := &corev1.Binding{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Target:     corev1.ObjectReference{Kind: "Node", Name: targetNode},
	}
	if err := d.client.SubResource("binding").Create(ctx, pod, binding); err != nil {
		if apierrors.IsNotFound(err) || apierrors.IsGone(err) {
			return cluster.ErrPodNotFound
		}
		return fmt.Errorf("k8sdriver: binding pod %s/%s to %s: %w", namespace, name, targetNode, err)
	}
	return nil
}

// Cordon marks a node unschedulable ahead of drain/delete.
func (d *Driver) Cordon(ctx context.Context, nodeName string) error {
	var node corev1.Node
	if err := d.client.Get(ctx, types.NamespacedName{Name: nodeName}, &node); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("k8sdriver: fetching node %s to cordon: %w", nodeName, err)
	}
	if node.Spec.Unschedulable {
		return nil
	}
	node.Spec.Unschedulable = true
	if err := d.client.Update(ctx, &node); err != nil {
		return fmt.Errorf("k8sdriver: cordoning node %s: %w", nodeName, err)
	}
	return nil
}

// Evict requests graceful removal of a pod from its node through the
// eviction subresource. A pod that is already gone (404/410), or an
// eviction that conflicts (409), is reported as cluster.ErrPodNotFound.
func (d *Driver) Evict(ctx context.Context, namespace, name string) error {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
	err := d.client.SubResource("eviction").Create(ctx, pod, &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
	})
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) || apierrors.IsGone(err) || apierrors.IsConflict(err) {
		return cluster.ErrPodNotFound
	}
	return fmt.Errorf("k8sdriver: evicting pod %s/%s: %w", namespace, name, err)
}

// DeleteNode removes the Node API object, tolerating one already gone.
func (d *Driver) DeleteNode(ctx context.Context, nodeName string) error {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: nodeName}}
	if err := d.client.Delete(ctx, node); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("k8sdriver: deleting node %s: %w", nodeName, err)
	}
	return nil
}

// RealtimeCPUUsage defers to the injected MetricsSource.
func (d *Driver) RealtimeCPUUsage(ctx context.Context) (map[string]float64, error) {
	if d.metrics == nil {
		return map[string]float64{}, nil
	}
	return d.metrics.NodeCPUUsage(ctx)
}

// WaitReady polls until nodeName reports Ready or timeout elapses.
func (d *Driver) WaitReady(ctx context.Context, nodeName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var node corev1.Node
		if err := d.client.Get(ctx, types.NamespacedName{Name: nodeName}, &node); err == nil && nodeReady(&node) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("k8sdriver: node " + nodeName + " not ready within timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
