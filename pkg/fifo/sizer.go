package fifo

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/hlsflow/pkg/cache"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/observability"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/sim"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// LargeDepth is the depth above which a FIFO is built from memory
// primitives instead of shift registers.
const LargeDepth = 256

// SizingOptions holds the build settings that affect FIFO sizing.
type SizingOptions struct {
	FPGAPart      string
	ClockPeriodNs float64

	// LargeFIFOMemStyle is the ram_style of FIFOs deeper than [LargeDepth].
	LargeFIFOMemStyle string
}

// Sizer assigns a depth to every stream buffer of a graph. The returned
// graph has a concrete depth on every remaining StreamingFIFO.
type Sizer interface {
	SizeFIFOs(ctx context.Context, g *graph.Graph, opts SizingOptions) (*graph.Graph, error)
}

// Setting is the configuration chosen for one FIFO.
type Setting struct {
	Depth     int    `json:"depth"`
	ImplStyle string `json:"impl_style"`
	RamStyle  string `json:"ram_style"`
}

// SettingFor returns the FIFO configuration for a measured occupancy.
func SettingFor(occupancy int, largeMemStyle string) Setting {
	depth := max(occupancy, ShallowDepth)
	if depth > LargeDepth {
		if largeMemStyle == "" {
			largeMemStyle = "auto"
		}
		return Setting{Depth: depth, ImplStyle: "vivado", RamStyle: largeMemStyle}
	}
	return Setting{Depth: depth, ImplStyle: "rtl", RamStyle: "auto"}
}

// SimSizer sizes FIFOs by simulating the dataflow with unbounded buffers
// and using the highest occupancy each buffer reached. Results are
// memoized in Cache, keyed by the graph fingerprint and the options.
type SimSizer struct {
	Cache     cache.Cache
	Keyer     cache.Keyer
	TTL       time.Duration
	MaxCycles int
	Logger    *log.Logger
}

// NewSimSizer returns a sizer with defaults filled in. A nil cache disables
// memoization.
func NewSimSizer(c cache.Cache, logger *log.Logger) *SimSizer {
	s := &SimSizer{Cache: c, Logger: logger}
	s.setDefaults()
	return s
}

func (s *SimSizer) setDefaults() {
	if s.Cache == nil {
		s.Cache = cache.NewNullCache()
	}
	if s.Keyer == nil {
		s.Keyer = cache.NewDefaultKeyer()
	}
	if s.TTL == 0 {
		s.TTL = cache.TTLSizing
	}
	if s.Logger == nil {
		s.Logger = log.New(io.Discard)
	}
}

// SizeFIFOs implements [Sizer].
func (s *SimSizer) SizeFIFOs(ctx context.Context, g *graph.Graph, opts SizingOptions) (*graph.Graph, error) {
	s.setDefaults()
	g, err := transform.Apply(g,
		InsertDWC(),
		InsertFIFO(true),
		transform.GiveUniqueNodeNames(),
		transform.GiveReadableTensorNames(),
	)
	if err != nil {
		return nil, err
	}

	key := s.Keyer.SizingKey(g.Fingerprint(), cache.SizingKeyOpts{
		FPGAPart:          opts.FPGAPart,
		ClockPeriodNs:     opts.ClockPeriodNs,
		LargeFIFOMemStyle: opts.LargeFIFOMemStyle,
	})
	settings, ok := s.cached(ctx, key)
	if !ok {
		res, err := sim.Simulate(ctx, g, sim.Options{
			ClockPeriodNs: opts.ClockPeriodNs,
			MaxCycles:     s.MaxCycles,
			Unbounded:     true,
			Logger:        s.Logger,
		})
		if err != nil {
			return nil, err
		}
		settings = make(map[string]Setting)
		for _, n := range g.NodesOfType(ops.OpFIFO) {
			settings[n.Name] = SettingFor(res.MaxOccupancy[n.Name], opts.LargeFIFOMemStyle)
		}
		s.store(ctx, key, settings)
		s.Logger.Debug("simulated fifo depths", "fifos", len(settings), "cycles", res.Cycles, "latency", res.Latency)
	}

	for _, n := range g.NodesOfType(ops.OpFIFO) {
		st, ok := settings[n.Name]
		if !ok {
			st = SettingFor(0, opts.LargeFIFOMemStyle)
		}
		n.Attrs["depth"] = st.Depth
		n.Attrs["impl_style"] = st.ImplStyle
		n.Attrs["ram_style"] = st.RamStyle
	}
	for _, name := range slices.Sorted(maps.Keys(settings)) {
		if st := settings[name]; st.Depth > ShallowDepth {
			s.Logger.Debug("fifo sized", "fifo", name, "depth", st.Depth, "impl_style", st.ImplStyle)
		}
	}
	return transform.Apply(g, RemoveShallowFIFOs())
}

func (s *SimSizer) cached(ctx context.Context, key string) (map[string]Setting, bool) {
	data, hit, err := s.Cache.Get(ctx, key)
	if err != nil {
		s.Logger.Warn("fifo sizing cache unavailable", "err", err)
		return nil, false
	}
	if !hit {
		observability.Cache().OnCacheMiss(ctx, "sizing")
		return nil, false
	}
	var settings map[string]Setting
	if err := json.Unmarshal(data, &settings); err != nil {
		s.Logger.Warn("discarding malformed fifo sizing cache entry", "err", err)
		return nil, false
	}
	observability.Cache().OnCacheHit(ctx, "sizing")
	s.Logger.Debug("fifo depths from cache", "fifos", len(settings))
	return settings, true
}

func (s *SimSizer) store(ctx context.Context, key string, settings map[string]Setting) {
	data, err := json.Marshal(settings)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, key, data, s.TTL); err != nil {
		s.Logger.Warn("could not cache fifo depths", "err", err)
		return
	}
	observability.Cache().OnCacheSet(ctx, "sizing", len(data))
}

var _ Sizer = (*SimSizer)(nil)
