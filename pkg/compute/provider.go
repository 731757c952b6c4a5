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

// Package compute defines the collaborator interface the apply loop
// uses to provision and tear down VMs, independent of any specific
// cloud SDK.
package compute

import "context"

// CreateRequest describes one VM to create. Region may be a bare
// region (the provider picks a zone with the machine type available)
// or a specific zone.
type CreateRequest struct {
	Name        string
	Region      string
	MachineType string
	DiskSizeGB  int64

	// BootstrapScript is run on first boot to join the node to the
	// cluster; its contents are provider-agnostic cloud-init/startup
	// script text.
	BootstrapScript string
}

// VMProvider is the collaborator that creates and deletes the VMs
// backing worker nodes. Its underlying cloud API semantics beyond
// these two operations are out of scope for this module;
// pkg/provider/ec2compute supplies a concrete implementation.
type VMProvider interface {
	// Create provisions a VM per req and returns once the API call
	// that requests creation succeeds; it does not wait for the VM to
	// finish booting or for the node to join the cluster (that is
	// ClusterDriver.WaitReady's job).
	Create(ctx context.Context, req CreateRequest) error

	// Delete tears down the VM backing nodeName. It is not an error to
	// delete a VM that no longer exists.
	Delete(ctx context.Context, nodeName string) error
}
