package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/charmbracelet/log"

	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

// DefaultsKey is the folding-config section holding per-op-type defaults:
//
//	{"Defaults": {"ram_style": ["block", ["MatrixVectorActivation"]]}}
//
// The op-type list may be ["all"] to address every hardware node.
const DefaultsKey = "Defaults"

// FoldingConfig maps node names to attribute overrides.
type FoldingConfig map[string]map[string]any

// LoadFoldingConfig reads a folding config JSON file.
func LoadFoldingConfig(path string) (FoldingConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFoldingConfig(f)
}

// ReadFoldingConfig decodes a folding config.
func ReadFoldingConfig(r io.Reader) (FoldingConfig, error) {
	var cfg FoldingConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode folding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every key besides [DefaultsKey] is a usable node
// name.
func (c FoldingConfig) Validate() error {
	for _, name := range slices.Sorted(maps.Keys(c)) {
		if name == DefaultsKey {
			continue
		}
		if err := errs.ValidateNodeName(name); err != nil {
			return errs.Wrap(errs.ErrCodeInvalidFolding, err, "folding config key %q", name)
		}
	}
	return nil
}

// ApplyConfig sets node attributes from cfg. Defaults apply first, then
// per-node entries. Entries naming nodes that do not exist are ignored, and
// attributes the node's operator does not declare are skipped with a
// warning.
func ApplyConfig(cfg FoldingConfig, logger *log.Logger) Pass {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return InPlace("ApplyConfig", func(g *graph.Graph) error {
		if err := applyDefaults(g, cfg[DefaultsKey], logger); err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(cfg)) {
			if name == DefaultsKey {
				continue
			}
			n, ok := g.NodeByName(name)
			if !ok {
				logger.Debug("folding config names unknown node", "node", name)
				continue
			}
			attrs := cfg[name]
			for _, attr := range slices.Sorted(maps.Keys(attrs)) {
				if !ops.Declares(n.OpType, attr) {
					logger.Warn("attribute not declared by operator, skipped", "node", name, "op", n.OpType, "attr", attr)
					continue
				}
				n.Attrs[attr] = normalizeValue(attrs[attr])
			}
		}
		return nil
	})
}

func applyDefaults(g *graph.Graph, defaults map[string]any, logger *log.Logger) error {
	for _, attr := range slices.Sorted(maps.Keys(defaults)) {
		entry, ok := defaults[attr].([]any)
		if !ok || len(entry) != 2 {
			return fmt.Errorf("folding defaults for %q: want [value, [op types]]", attr)
		}
		types, ok := entry[1].([]any)
		if !ok {
			return fmt.Errorf("folding defaults for %q: op types must be a list", attr)
		}
		all := false
		var want []string
		for _, t := range types {
			s, _ := t.(string)
			if s == "all" {
				all = true
			}
			want = append(want, s)
		}
		for _, n := range g.HWNodes() {
			if !all && !slices.Contains(want, n.OpType) {
				continue
			}
			if !ops.Declares(n.OpType, attr) {
				logger.Debug("default attribute not declared, skipped", "node", n.Name, "attr", attr)
				continue
			}
			n.Attrs[attr] = normalizeValue(entry[0])
		}
	}
	return nil
}

// normalizeValue turns integral JSON numbers into ints so attributes set
// from a config compare equal to attributes set by passes.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int(x)
		}
	case []any:
		ints := make([]int, 0, len(x))
		for _, e := range x {
			f, ok := e.(float64)
			if !ok || f != math.Trunc(f) {
				return v
			}
			ints = append(ints, int(f))
		}
		return ints
	}
	return v
}
