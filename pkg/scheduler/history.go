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
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nodeforge/fleetpacker/pkg/plan"
)

var historyHeader = []string{
	"ts", "cycle_id", "mode", "energy", "cost", "idle_ratio", "conc",
	"node_cnt", "nodes", "nodes_pods",
}

// Row is one history entry, matching the schedule_history.csv schema
// exactly.
type Row struct {
	Timestamp time.Time
	CycleID   int
	Mode      string
	Energy    float64
	Cost      float64
	IdleRatio float64
	Conc      float64
	NodeCount int
	Plan      *plan.Plan
}

// HistoryWriter appends Row values to an append-only CSV file with a
// header written only the first time the file is created.
type HistoryWriter struct {
	path string
}

// NewHistoryWriter returns a writer targeting path.
func NewHistoryWriter(path string) *HistoryWriter {
	return &HistoryWriter{path: path}
}

// Append writes one row, creating the file and its header if it
// doesn't exist yet.
func (h *HistoryWriter) Append(row Row) error {
	_, statErr := os.Stat(h.path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("scheduler: opening history file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(historyHeader); err != nil {
			return fmt.Errorf("scheduler: writing history header: %w", err)
		}
	}

	record := []string{
		row.Timestamp.UTC().Format(time.RFC3339),
		strconv.Itoa(row.CycleID),
		row.Mode,
		strconv.FormatFloat(row.Energy, 'g', -1, 64),
		strconv.FormatFloat(row.Cost, 'g', -1, 64),
		strconv.FormatFloat(row.IdleRatio, 'g', -1, 64),
		strconv.FormatFloat(row.Conc, 'g', -1, 64),
		strconv.Itoa(row.NodeCount),
		formatNodes(row.Plan),
		formatNodesPods(row.Plan),
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("scheduler: writing history row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// formatNodes renders "region|machine_type|price|name" entries joined
// by ";", sorted by name for a stable diff between consecutive rows.
// A nil Plan (the consolidator's own rows carry no plan snapshot)
// renders as an empty field.
func formatNodes(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	names := sortedNames(p)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		n := p.Nodes[name]
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%s",
			n.Region, n.MachineType, strconv.FormatFloat(n.Price, 'g', -1, 64), n.Name))
	}
	return strings.Join(parts, ";")
}

// formatNodesPods renders "node_name:[ns/name|ns/name|...]" entries
// joined by ";".
func formatNodesPods(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	names := sortedNames(p)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		n := p.Nodes[name]
		pods := n.Pods()
		podNames := make([]string, 0, len(pods))
		for _, pod := range pods {
			podNames = append(podNames, pod.FullName())
		}
		sort.Strings(podNames)
		parts = append(parts, fmt.Sprintf("%s:[%s]", name, strings.Join(podNames, "|")))
	}
	return strings.Join(parts, ";")
}

func sortedNames(p *plan.Plan) []string {
	names := make([]string, 0, len(p.Nodes))
	for name := range p.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
