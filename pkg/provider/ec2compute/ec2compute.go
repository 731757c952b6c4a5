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

// Package ec2compute implements pkg/compute.VMProvider against AWS EC2,
// standing in for a GCP Compute Engine collaborator: the core
// schedules against an abstract VM pool and never imports a cloud SDK
// directly, so EC2 is an interface-compatible substitution.
package ec2compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/awslabs/operatorpkg/serrors"
	gocache "github.com/patrickmn/go-cache"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nodeforge/fleetpacker/pkg/apply"
	"github.com/nodeforge/fleetpacker/pkg/compute"
)

// unavailableTTL and unavailableCleanup size the cache below: entries
// expire after unavailableTTL, swept every unavailableCleanup.
const (
	unavailableTTL     = 3 * time.Minute
	unavailableCleanup = 1 * time.Minute
)

// nameTagKey is the EC2 tag this package uses to recognize which
// instance backs a given node name, since RunInstances/Terminate don't
// take a caller-chosen instance ID.
const nameTagKey = "Name"

// EC2API is the subset of *ec2.Client this package calls, narrowed by
// caller the same way the teacher's interface-segregated SDK wrappers
// are, so tests can substitute a fake instead of a live client.
type EC2API interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// RegionalClient constructs (or returns a cached) EC2API client scoped
// to region. Cloud-specific credential/config resolution lives
// entirely in the caller supplied here, keeping this package itself
// config-agnostic about how a region maps to a client.
type RegionalClient func(ctx context.Context, region string) (EC2API, error)

// LaunchTemplate names the AMI, key pair, security groups, subnet, and
// IAM instance profile every created instance uses. A single template
// suffices here because the scheduler core only varies instance type
// and region across nodes, and a Node has no other shape dimension;
// per-region AMI IDs are necessary because AMIs are region-scoped
// resources.
type LaunchTemplate struct {
	AMIByRegion        map[string]string
	KeyName            string
	SecurityGroupIDs   []string
	SubnetIDByRegion   map[string]string
	InstanceProfileARN string
}

// Provider is the EC2-backed compute.VMProvider.
type Provider struct {
	client   RegionalClient
	template LaunchTemplate

	mu           sync.Mutex
	regionByNode map[string]string

	// unavailable remembers (region, machine type) pairs that recently
	// failed with a capacity or quota error, so the apply loop's
	// same-price-region fallback search can skip a known-bad region
	// without spending a live RunInstances call on it first.
	unavailable *gocache.Cache
}

// New returns a Provider. client is typically a small wrapper around
// ec2.NewFromConfig plus a per-region aws.Config cache; see
// cmd/controller for the wiring this program actually uses.
func New(client RegionalClient, template LaunchTemplate) *Provider {
	return &Provider{
		client:       client,
		template:     template,
		regionByNode: make(map[string]string),
		unavailable:  gocache.New(unavailableTTL, unavailableCleanup),
	}
}

func unavailableKey(region, machineType string) string {
	return region + ":" + machineType
}

var _ compute.VMProvider = (*Provider)(nil)

// Create launches one instance of req.MachineType in req.Region,
// running req.BootstrapScript as EC2 user-data in place of establishing
// an SSH session and running a bootstrap script directly: user-data is
// EC2's native first-boot mechanism and needs no SSH session of its
// own, so there is no separate SSH-retry path to implement here (the
// retry-with-backoff requirement applies to the bootstrap script's own
// join logic, not to this call).
func (p *Provider) Create(ctx context.Context, req compute.CreateRequest) error {
	logger := log.FromContext(ctx)

	if _, found := p.unavailable.Get(unavailableKey(req.Region, req.MachineType)); found {
		return errors.Join(apply.ErrZoneResourcePoolExhausted, fmt.Errorf("ec2compute: %s/%s recently failed with a capacity or quota error, skipping", req.Region, req.MachineType))
	}

	cli, err := p.client(ctx, req.Region)
	if err != nil {
		return serrors.Wrap(fmt.Errorf("ec2compute: resolving client for region: %w", err), "region", req.Region)
	}

	ami, ok := p.template.AMIByRegion[req.Region]
	if !ok {
		return serrors.Wrap(fmt.Errorf("ec2compute: no AMI configured for region"), "region", req.Region)
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: ec2types.InstanceType(req.MachineType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(req.BootstrapScript))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: aws.String(nameTagKey), Value: aws.String(req.Name)}},
		}},
	}
	if p.template.KeyName != "" {
		in.KeyName = aws.String(p.template.KeyName)
	}
	if len(p.template.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.template.SecurityGroupIDs
	}
	if subnet, ok := p.template.SubnetIDByRegion[req.Region]; ok {
		in.SubnetId = aws.String(subnet)
	}
	if p.template.InstanceProfileARN != "" {
		in.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Arn: aws.String(p.template.InstanceProfileARN)}
	}
	if req.DiskSizeGB > 0 {
		in.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs:        &ec2types.EbsBlockDevice{VolumeSize: aws.Int32(int32(req.DiskSizeGB))},
		}}
	}

	out, err := cli.RunInstances(ctx, in)
	if err != nil {
		return p.classifyCreateErr(req, err)
	}
	if len(out.Instances) != 1 {
		return serrors.Wrap(fmt.Errorf("ec2compute: expected exactly one instance from RunInstances"), "node", req.Name, "count", len(out.Instances))
	}

	p.mu.Lock()
	p.regionByNode[req.Name] = req.Region
	p.mu.Unlock()

	logger.Info("launched instance", "node", req.Name, "instance_id", aws.ToString(out.Instances[0].InstanceId), "region", req.Region, "machine_type", req.MachineType)
	return nil
}

// classifyCreateErr maps EC2 error codes onto the apply loop's
// same-price-region-fallback sentinels, and remembers the (region,
// machine type) pair so the next Create call can skip it without a
// live API round trip. aws-sdk-go-v2 surfaces the server error code
// via the smithy.APIError interface rather than a typed exception per
// code, so this is a string switch rather than an errors.As chain onto
// distinct types.
func (p *Provider) classifyCreateErr(req compute.CreateRequest, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientInstanceCapacity", "InsufficientHostCapacity", "InsufficientReservedInstanceCapacity":
			p.unavailable.SetDefault(unavailableKey(req.Region, req.MachineType), struct{}{})
			return errors.Join(apply.ErrZoneResourcePoolExhausted, serrors.Wrap(err, "node", req.Name, "region", req.Region))
		case "VcpuLimitExceeded", "InstanceLimitExceeded", "RequestLimitExceeded":
			p.unavailable.SetDefault(unavailableKey(req.Region, req.MachineType), struct{}{})
			return errors.Join(apply.ErrQuotaExceeded, serrors.Wrap(err, "node", req.Name, "region", req.Region))
		}
	}
	return serrors.Wrap(fmt.Errorf("ec2compute: run instances: %w", err), "node", req.Name, "region", req.Region)
}

// Delete terminates the instance tagged nodeName, in whatever region
// Create recorded it under. It is not an error to delete an instance
// that no longer exists or was never created by this process (e.g.
// after a process restart lost regionByNode): a delete against a VM
// that is already gone is tolerated, and a node this process never
// created has nothing for this provider to tear down.
func (p *Provider) Delete(ctx context.Context, nodeName string) error {
	p.mu.Lock()
	region, ok := p.regionByNode[nodeName]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	cli, err := p.client(ctx, region)
	if err != nil {
		return serrors.Wrap(fmt.Errorf("ec2compute: resolving client for region: %w", err), "region", region)
	}

	instanceID, err := p.findInstanceID(ctx, cli, nodeName)
	if err != nil {
		return err
	}
	if instanceID == "" {
		p.mu.Lock()
		delete(p.regionByNode, nodeName)
		p.mu.Unlock()
		return nil
	}

	if _, err := cli.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return serrors.Wrap(fmt.Errorf("ec2compute: terminate instance: %w", err), "node", nodeName, "instance_id", instanceID)
	}

	p.mu.Lock()
	delete(p.regionByNode, nodeName)
	p.mu.Unlock()
	return nil
}

// findInstanceID looks up the (at most one) non-terminated instance
// tagged with nodeName, returning "" if none is found.
func (p *Provider) findInstanceID(ctx context.Context, cli EC2API, nodeName string) (string, error) {
	out, err := cli.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + nameTagKey), Values: []string{nodeName}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return "", serrors.Wrap(fmt.Errorf("ec2compute: describe instances: %w", err), "node", nodeName)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return aws.ToString(inst.InstanceId), nil
		}
	}
	return "", nil
}
