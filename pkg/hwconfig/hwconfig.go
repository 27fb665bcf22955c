// Package hwconfig extracts the final hardware configuration of a built
// graph and saves it.
//
// The configuration is a folding config of its own: it maps every hardware
// node to the values of its configurable attributes, so feeding it back
// through ApplyConfig reproduces the build.
//
//	{
//	  "Defaults": {},
//	  "MatrixVectorActivation_0": {"PE": 2, "SIMD": 4, "ram_style": "auto", ...},
//	  "StreamingFIFO_0": {"depth": 32, "impl_style": "rtl", "ram_style": "auto"}
//	}
package hwconfig

import (
	"slices"
	"time"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

// DefaultAttrs are the attributes extracted by default.
var DefaultAttrs = []string{
	"PE",
	"SIMD",
	"ram_style",
	"depth",
	"impl_style",
	"resType",
	"mem_mode",
	"runtime_writeable_weights",
}

// DefaultsKey names the section holding per-op-type defaults, which an
// extracted configuration leaves empty.
const DefaultsKey = "Defaults"

// Config maps node names to attribute values.
type Config map[string]map[string]any

// Nodes returns the node entries of c in name order.
func (c Config) Nodes() []string {
	var names []string
	for name := range c {
		if name != DefaultsKey {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Extract collects attrs from every hardware node of g. A node only
// reports the attributes its operator declares.
func Extract(g *graph.Graph, attrs []string) Config {
	cfg := Config{DefaultsKey: {}}
	for _, n := range g.HWNodes() {
		entry := make(map[string]any)
		for _, a := range attrs {
			if !ops.Declares(n.OpType, a) {
				continue
			}
			if v, ok := n.Attrs[a]; ok {
				entry[a] = v
			} else {
				entry[a] = ops.HWAttrs(n.OpType)[a]
			}
		}
		cfg[n.Name] = entry
	}
	return cfg
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Record is one saved hardware configuration together with what it was
// built from.
type Record struct {
	BuildID     string
	Model       string
	Fingerprint string
	FPGAPart    string
	CreatedAt   time.Time
	Config      Config
}

// NewRecord extracts the configuration of g with [DefaultAttrs].
func NewRecord(buildID, fpgaPart string, g *graph.Graph) *Record {
	return &Record{
		BuildID:     buildID,
		Model:       g.Name,
		Fingerprint: g.Fingerprint(),
		FPGAPart:    fpgaPart,
		CreatedAt:   time.Now().UTC(),
		Config:      Extract(g, DefaultAttrs),
	}
}
