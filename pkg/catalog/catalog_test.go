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

package catalog

import (
	"testing"

	. "github.com/onsi/gomega"
)

func sampleSpecs() map[string]map[string]Spec {
	return map[string]map[string]Spec{
		"us-east1": {
			"e2-standard-2":  {VCPU: 2, MemGiB: 8},
			"e2-standard-16": {VCPU: 16, MemGiB: 64},
			"n2d-standard-4": {VCPU: 4, MemGiB: 16},
		},
		"us-central1-a": {
			"e2-standard-2": {VCPU: 2, MemGiB: 8},
		},
	}
}

func samplePrices() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"us-east1": {
			"e2-standard-2":  0.067,
			"e2-standard-16": 0.536,
			// n2d-standard-4 intentionally unpriced to test the
			// priced/specified intersection.
		},
		"us-central1-a": {
			"e2-standard-2": 0.067,
		},
	}
}

func TestFromMapsIntersectsSpecsAndPrices(t *testing.T) {
	g := NewWithT(t)
	c := FromMaps(sampleSpecs(), samplePrices())

	_, ok := c.Spec("us-east1", "n2d-standard-4")
	g.Expect(ok).To(BeFalse(), "unpriced machine type should be dropped")

	spec, ok := c.Spec("us-east1", "e2-standard-2")
	g.Expect(ok).To(BeTrue())
	g.Expect(spec).To(Equal(Spec{VCPU: 2, MemGiB: 8}))

	price, ok := c.Price("us-east1", "e2-standard-2")
	g.Expect(ok).To(BeTrue())
	g.Expect(price).To(Equal(0.067))
}

func TestOfferingsInRegion(t *testing.T) {
	g := NewWithT(t)
	c := FromMaps(sampleSpecs(), samplePrices())

	offerings := c.OfferingsInRegion("us-east1")
	g.Expect(offerings).To(HaveLen(2))
	for _, o := range offerings {
		g.Expect(o.Region).To(Equal("us-east1"))
	}
}

func TestPrefilterDropsBlacklistedRegionAndNames(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultPrefilterConfig()

	specs, prices := Prefilter(cfg, sampleSpecs(), samplePrices())

	g.Expect(specs).NotTo(HaveKey("us-central1-a"))
	g.Expect(prices).NotTo(HaveKey("us-central1-a"))

	// n2d-standard-4 is both over MaxVCPU... no, it's vcpu=4 <= 8, but
	// blacklisted by name.
	g.Expect(specs["us-east1"]).NotTo(HaveKey("n2d-standard-4"))

	// e2-standard-16 exceeds MaxVCPU(8) and must be dropped.
	g.Expect(specs["us-east1"]).NotTo(HaveKey("e2-standard-16"))

	// e2-standard-2 (2 vcpu, not blacklisted) survives.
	g.Expect(specs["us-east1"]).To(HaveKey("e2-standard-2"))
}

func TestPrefilterPricesFollowSurvivingSpecs(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultPrefilterConfig()

	specs, prices := Prefilter(cfg, sampleSpecs(), samplePrices())

	for region, byType := range prices {
		for mt := range byType {
			g.Expect(specs[region]).To(HaveKey(mt))
		}
	}
}

func TestPrefilterDoesNotMutateInputs(t *testing.T) {
	g := NewWithT(t)
	specs := sampleSpecs()
	prices := samplePrices()
	cfg := DefaultPrefilterConfig()

	Prefilter(cfg, specs, prices)

	g.Expect(specs["us-east1"]).To(HaveKey("e2-standard-16"))
	g.Expect(specs).To(HaveKey("us-central1-a"))
}
