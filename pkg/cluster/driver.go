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

// Package cluster defines the collaborator interface the scheduler
// core uses to observe and act on a live cluster, without depending on
// any specific Kubernetes client implementation.
package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrPodNotFound is returned by Bind and Evict when the target pod no
// longer exists (translated from the underlying client's 404/410),
// meaning some other controller already deleted it. Callers treat this
// as a no-op rather than a failure.
var ErrPodNotFound = errors.New("cluster: pod not found")

// NodeCondition mirrors the subset of a Kubernetes node's reported
// state this codebase cares about.
type NodeCondition struct {
	Ready bool
}

// ObservedNode is one node as reported live by the cluster, before any
// node_info metadata join.
type ObservedNode struct {
	Name string
	NodeCondition

	// AllocatableCPU is in cores, AllocatableMemGiB in GiB, both
	// already normalized by the driver implementation.
	AllocatableCPU    float64
	AllocatableMemGiB float64
}

// ContainerResources holds one container's resource requests and
// limits, already resolved to cores/GiB.
type ContainerResources struct {
	RequestCPU float64
	LimitCPU   float64
	RequestMem float64
	LimitMem   float64
}

// ObservedPod is one pod as reported live by the cluster.
type ObservedPod struct {
	Namespace  string
	Name       string
	Phase      string // "Running" or "Pending"; others are excluded upstream.
	NodeName   string // set only when Phase == "Running".
	Labels     map[string]string
	Containers []ContainerResources
}

// ClusterDriver is the collaborator the snapshotter and apply loop use
// to read and mutate live cluster state. Its underlying watch
// mechanism and client wire protocol are out of scope for this
// module; pkg/provider/k8sdriver supplies the concrete implementation.
type ClusterDriver interface {
	// ListNodes returns every node currently known to the cluster,
	// Ready or not.
	ListNodes(ctx context.Context) ([]ObservedNode, error)

	// ListPods returns every pod in phase Running or Pending across
	// all namespaces.
	ListPods(ctx context.Context) ([]ObservedPod, error)

	// Bind assigns an as-yet-unscheduled pod to targetNode.
	Bind(ctx context.Context, namespace, name, targetNode string) error

	// Cordon marks a node unschedulable ahead of drain/delete.
	Cordon(ctx context.Context, nodeName string) error

	// Evict requests graceful removal of a pod from its node.
	Evict(ctx context.Context, namespace, name string) error

	// DeleteNode removes the node object from the cluster's API,
	// independent of deleting the backing VM.
	DeleteNode(ctx context.Context, nodeName string) error

	// RealtimeCPUUsage returns current CPU utilization ratio per node
	// name, used by the consolidator's idle-detection path.
	RealtimeCPUUsage(ctx context.Context) (map[string]float64, error)

	// WaitReady blocks until nodeName reports Ready or timeout elapses.
	WaitReady(ctx context.Context, nodeName string, timeout time.Duration) error
}
