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

// Package catalog loads and serves the region/machine-type/price data
// the placer and optimizer draw hypothetical nodes from.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
)

// Spec describes one machine type's shape: vCPU count and memory in
// GiB. Price is carried separately in the price catalog because the
// source data ships it that way (region_machine_prices.json vs.
// machine_types.json).
type Spec struct {
	VCPU   int
	MemGiB int
}

// Offering is one denormalized (region, machine type) combination,
// used by the placer and SA's open/upgrade moves which need to iterate
// candidates rather than look one up by key.
type Offering struct {
	Region      string
	MachineType string
	VCPU        int
	MemGiB      int
	Price       float64
}

// Catalog holds the machine specs and prices for every region this
// cluster may provision into.
type Catalog struct {
	// specs maps region -> machine type -> shape.
	specs map[string]map[string]Spec
	// prices maps region -> machine type -> on-demand hourly price.
	prices map[string]map[string]float64

	offerings []Offering
}

// machineTypeEntry mirrors one element of machine_types.json's
// per-region arrays.
type machineTypeEntry struct {
	Name   string `json:"name"`
	VCPUs  int    `json:"vcpus"`
	MemGiB int    `json:"mem_gib"`
}

// Load reads machine_types.json and region_machine_prices.json from
// disk and builds a Catalog restricted to machine types present in
// both files for the same region. Entries priced but not
// specified, or specified but not priced, are dropped silently — the
// source data sometimes carries stale entries on one side only.
func Load(machineTypesPath, pricesPath string) (*Catalog, error) {
	mtRaw, err := os.ReadFile(machineTypesPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading machine types: %w", err)
	}
	prRaw, err := os.ReadFile(pricesPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading prices: %w", err)
	}

	var mtByRegion map[string][]machineTypeEntry
	if err := json.Unmarshal(mtRaw, &mtByRegion); err != nil {
		return nil, fmt.Errorf("catalog: parsing machine types: %w", err)
	}

	// region_machine_prices.json nests on-demand/preemptible pricing
	// categories; this repo only ever schedules on-demand capacity.
	var prByRegion map[string]struct {
		OnDemand map[string]float64 `json:"OnDemand"`
	}
	if err := json.Unmarshal(prRaw, &prByRegion); err != nil {
		return nil, fmt.Errorf("catalog: parsing prices: %w", err)
	}

	specs := make(map[string]map[string]Spec)
	for region, entries := range mtByRegion {
		m := make(map[string]Spec, len(entries))
		for _, e := range entries {
			m[e.Name] = Spec{VCPU: e.VCPUs, MemGiB: e.MemGiB}
		}
		specs[region] = m
	}

	prices := make(map[string]map[string]float64)
	for region, cat := range prByRegion {
		prices[region] = cat.OnDemand
	}

	return FromMaps(specs, prices), nil
}

// FromMaps builds a Catalog directly from in-memory spec and price
// maps, intersecting them. Exported for tests and for callers that
// source catalog data from somewhere other than the two JSON files
// (e.g. a fetched-and-prefiltered in-memory result).
func FromMaps(specs map[string]map[string]Spec, prices map[string]map[string]float64) *Catalog {
	c := &Catalog{specs: make(map[string]map[string]Spec), prices: make(map[string]map[string]float64)}
	for region, byType := range specs {
		priceByType, ok := prices[region]
		if !ok {
			continue
		}
		keptSpecs := make(map[string]Spec)
		keptPrices := make(map[string]float64)
		for mt, spec := range byType {
			price, ok := priceByType[mt]
			if !ok {
				continue
			}
			keptSpecs[mt] = spec
			keptPrices[mt] = price
			c.offerings = append(c.offerings, Offering{
				Region: region, MachineType: mt,
				VCPU: spec.VCPU, MemGiB: spec.MemGiB, Price: price,
			})
		}
		if len(keptSpecs) == 0 {
			continue
		}
		c.specs[region] = keptSpecs
		c.prices[region] = keptPrices
	}
	return c
}

// Spec returns the (vCPU, mem) shape of machineType in region.
func (c *Catalog) Spec(region, machineType string) (Spec, bool) {
	byType, ok := c.specs[region]
	if !ok {
		return Spec{}, false
	}
	s, ok := byType[machineType]
	return s, ok
}

// Price returns the on-demand hourly price of machineType in region.
func (c *Catalog) Price(region, machineType string) (float64, bool) {
	byType, ok := c.prices[region]
	if !ok {
		return 0, false
	}
	p, ok := byType[machineType]
	return p, ok
}

// Offerings returns every (region, machine type) combination in the
// catalog, in no particular order. Callers that need determinism
// (tests, the placer's tie-breaking) should sort the result.
func (c *Catalog) Offerings() []Offering {
	return c.offerings
}

// Regions returns the distinct regions present in the catalog.
func (c *Catalog) Regions() []string {
	return lo.Keys(c.specs)
}

// OfferingsInRegion filters Offerings to one region.
func (c *Catalog) OfferingsInRegion(region string) []Offering {
	return lo.Filter(c.offerings, func(o Offering, _ int) bool {
		return o.Region == region
	})
}

// PrefilterConfig controls which catalog entries survive Prefilter.
// Grounded on the original catalog filter's hardcoded constants,
// exposed here as configuration instead.
type PrefilterConfig struct {
	// MaxVCPU drops any machine type with more vCPUs than this. The
	// source script's filter keeps vcpus <= MinVCPU despite a comment
	// claiming the opposite; this field preserves that code's actual
	// behavior (see DESIGN.md).
	MaxVCPU int

	// NameBlacklist drops any machine type whose name contains one of
	// these substrings (family/size exclusions, e.g. "n2d", "micro").
	NameBlacklist []string

	// RegionBlacklistSubstr drops any region whose name contains this
	// substring entirely.
	RegionBlacklistSubstr string
}

// DefaultPrefilterConfig reproduces the original catalog filter's
// constants.
func DefaultPrefilterConfig() PrefilterConfig {
	return PrefilterConfig{
		MaxVCPU:               8,
		NameBlacklist:         []string{"n2d", "micro", "medium", "small", "c2d"},
		RegionBlacklistSubstr: "us-central1",
	}
}

// Prefilter returns a Catalog built only from the subset of specs and
// prices that pass cfg, without mutating the inputs or touching disk.
// This is a pure function standing in for the original's one-off
// filter script, which filtered the JSON files in place.
func Prefilter(cfg PrefilterConfig, specs map[string]map[string]Spec, prices map[string]map[string]float64) (map[string]map[string]Spec, map[string]map[string]float64) {
	outSpecs := make(map[string]map[string]Spec)
	outPrices := make(map[string]map[string]float64)

	for region, byType := range specs {
		if cfg.RegionBlacklistSubstr != "" && strings.Contains(region, cfg.RegionBlacklistSubstr) {
			continue
		}
		kept := make(map[string]Spec)
		for name, spec := range byType {
			if cfg.MaxVCPU > 0 && spec.VCPU > cfg.MaxVCPU {
				continue
			}
			if containsAny(name, cfg.NameBlacklist) {
				continue
			}
			kept[name] = spec
		}
		if len(kept) > 0 {
			outSpecs[region] = kept
		}
	}

	for region, byType := range prices {
		if cfg.RegionBlacklistSubstr != "" && strings.Contains(region, cfg.RegionBlacklistSubstr) {
			continue
		}
		retained, ok := outSpecs[region]
		if !ok {
			continue
		}
		kept := make(map[string]float64)
		for name, price := range byType {
			if _, ok := retained[name]; ok {
				kept[name] = price
			}
		}
		if len(kept) > 0 {
			outPrices[region] = kept
		}
	}

	return outSpecs, outPrices
}

// SamePriceRegions returns every region (other than excludeRegion)
// that offers machineType at exactly price (within 1e-6), in no
// particular order. Used by the apply loop's same-price region
// fallback when the planned region rejects a create.
func (c *Catalog) SamePriceRegions(machineType string, price float64, excludeRegion string) []string {
	const priceTolerance = 1e-6
	var regions []string
	for region, byType := range c.prices {
		if region == excludeRegion {
			continue
		}
		p, ok := byType[machineType]
		if !ok {
			continue
		}
		diff := p - price
		if diff < 0 {
			diff = -diff
		}
		if diff <= priceTolerance {
			regions = append(regions, region)
		}
	}
	return regions
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
