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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/nodeforge/fleetpacker/pkg/cluster"
)

type usageDriver struct {
	fakeDriver
	usage      map[string]float64
	cordoned   []string
	deletedNds []string
}

func (d *usageDriver) RealtimeCPUUsage(context.Context) (map[string]float64, error) {
	return d.usage, nil
}
func (d *usageDriver) Cordon(_ context.Context, name string) error {
	d.cordoned = append(d.cordoned, name)
	return nil
}
func (d *usageDriver) DeleteNode(_ context.Context, name string) error {
	d.deletedNds = append(d.deletedNds, name)
	return nil
}

func TestConsolidatorClosesIdleWorkerNodes(t *testing.T) {
	g := NewWithT(t)
	driver := &usageDriver{
		fakeDriver: fakeDriver{nodes: []cluster.ObservedNode{
			{Name: "master", NodeCondition: cluster.NodeCondition{Ready: true}},
			{Name: "node-1", NodeCondition: cluster.NodeCondition{Ready: true}},
			{Name: "node-2", NodeCondition: cluster.NodeCondition{Ready: true}},
		}},
		usage: map[string]float64{"master": 0.9, "node-1": 0.01, "node-2": 0.02},
	}
	prov := &fakeProvider{}
	s := newTestScheduler(t, driver, prov)
	c := NewConsolidator(s, driver, prov, ConsolidatorConfig{LowThr: 0.45, CreationBlockSec: time.Minute, DeleteConcurrency: 2})

	g.Expect(c.Tick(context.Background())).To(Succeed())

	g.Expect(driver.cordoned).To(ConsistOf("node-2"), "node-1 is the permanent utility node and master is never touched")
	g.Expect(driver.deletedNds).To(ConsistOf("node-2"))
}

func TestConsolidatorSkipsWithinCreationBlockWindow(t *testing.T) {
	g := NewWithT(t)
	driver := &usageDriver{
		fakeDriver: fakeDriver{nodes: []cluster.ObservedNode{
			{Name: "node-2", NodeCondition: cluster.NodeCondition{Ready: true}},
		}},
		usage: map[string]float64{"node-2": 0.01},
	}
	prov := &fakeProvider{}
	s := newTestScheduler(t, driver, prov)
	s.lastNodeCreateTS = time.Now()
	c := NewConsolidator(s, driver, prov, ConsolidatorConfig{LowThr: 0.45, CreationBlockSec: 150 * time.Second, DeleteConcurrency: 2})

	g.Expect(c.Tick(context.Background())).To(Succeed())
	g.Expect(driver.cordoned).To(BeEmpty())
}

func TestConsolidatorIgnoresNodesAboveThreshold(t *testing.T) {
	g := NewWithT(t)
	driver := &usageDriver{
		fakeDriver: fakeDriver{nodes: []cluster.ObservedNode{
			{Name: "node-2", NodeCondition: cluster.NodeCondition{Ready: true}},
		}},
		usage: map[string]float64{"node-2": 0.6},
	}
	prov := &fakeProvider{}
	s := newTestScheduler(t, driver, prov)
	c := NewConsolidator(s, driver, prov, ConsolidatorConfig{LowThr: 0.45, CreationBlockSec: time.Minute, DeleteConcurrency: 2})

	g.Expect(c.Tick(context.Background())).To(Succeed())
	g.Expect(driver.cordoned).To(BeEmpty())
}
