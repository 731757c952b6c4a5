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

// Package snapshot builds a pkg/plan.Plan from live cluster state,
// joined against a persisted node-to-(machine type, region) mapping
// that the cluster API itself doesn't carry.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
)

// NodeMeta is the machine type and region recorded for one node. The
// cluster API reports allocatable capacity but has no notion of
// machine type or billing region, so this mapping is maintained
// out-of-band by whatever created the node (the apply loop, in this
// repo's case).
type NodeMeta struct {
	MachineType string `json:"machine_type"`
	Region      string `json:"region"`
}

// NodeInfoStore persists the node name -> NodeMeta mapping to a JSON
// file on disk, mirroring node_info.json in the source system.
type NodeInfoStore struct {
	path string
}

// NewNodeInfoStore returns a store backed by the file at path. The
// file need not exist yet; Load returns an empty map in that case.
func NewNodeInfoStore(path string) *NodeInfoStore {
	return &NodeInfoStore{path: path}
}

// Load reads the persisted mapping, returning an empty map if the file
// doesn't exist yet.
func (s *NodeInfoStore) Load() (map[string]NodeMeta, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]NodeMeta{}, nil
		}
		return nil, fmt.Errorf("snapshot: reading node info: %w", err)
	}
	var out map[string]NodeMeta
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("snapshot: parsing node info: %w", err)
	}
	return out, nil
}

// Save persists info, overwriting whatever was there before.
func (s *NodeInfoStore) Save(info map[string]NodeMeta) error {
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshaling node info: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("snapshot: writing node info: %w", err)
	}
	return nil
}

// Record adds or updates one node's metadata and persists the result.
func (s *NodeInfoStore) Record(nodeName string, meta NodeMeta) error {
	info, err := s.Load()
	if err != nil {
		return err
	}
	info[nodeName] = meta
	return s.Save(info)
}

// Forget removes a node's metadata (called once a node is deleted)
// and persists the result.
func (s *NodeInfoStore) Forget(nodeName string) error {
	info, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := info[nodeName]; !ok {
		return nil
	}
	delete(info, nodeName)
	return s.Save(info)
}
