package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/hlsflow/pkg/cache"
	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/fifo"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/transform/streamline"
)

// =============================================================================
// Default Values - Single Source of Truth for CLI and API
// =============================================================================

const (
	// DefaultSynthClkPeriodNs is the target clock period for synthesis.
	DefaultSynthClkPeriodNs = 10.0

	// DefaultLargeFIFOMemStyle is the memory style of FIFOs above
	// fifo.LargeDepth.
	DefaultLargeFIFOMemStyle = "auto"
)

// ValidMemStyles is the set of supported large FIFO memory styles.
var ValidMemStyles = map[string]bool{
	"auto":        true,
	"block":       true,
	"distributed": true,
	"ultra":       true,
}

// boardParts maps the supported boards to their FPGA part.
var boardParts = map[string]string{
	"Pynq-Z1":   "xc7z020clg400-1",
	"Pynq-Z2":   "xc7z020clg400-1",
	"Ultra96":   "xczu3eg-sbva484-1-e",
	"ZCU102":    "xczu9eg-ffvb1156-2-e",
	"ZCU104":    "xczu7ev-ffvc1156-2-e",
	"ZCU111":    "xczu28dr-ffvg1517-2-e",
	"RFSoC2x2":  "xczu28dr-ffvg1517-2-e",
	"KV260_SOM": "xck26-sfvc784-2LV-c",
	"U50":       "xcu50-fsvh2104-2L-e",
	"U200":      "xcu200-fsgd2104-2-e",
	"U250":      "xcu250-figd2104-2L-e",
	"U280":      "xcu280-fsvh2892-2L-e",
}

// Boards returns the names of the boards a part can be resolved for.
func Boards() []string {
	names := make([]string, 0, len(boardParts))
	for b := range boardParts {
		names = append(names, b)
	}
	sort.Strings(names)
	return names
}

// PartForBoard returns the FPGA part of a board.
func PartForBoard(board string) (string, bool) {
	p, ok := boardParts[board]
	return p, ok
}

// =============================================================================
// Config - Build Configuration
// =============================================================================

// Config contains all settings of one build. It is read from a TOML file,
// CLI flags or an API request and passed to steps by value.
type Config struct {
	OutputDir string `toml:"output_dir" json:"output_dir"`

	// Target
	Board            string  `toml:"board" json:"board,omitempty"`
	FPGAPart         string  `toml:"fpga_part" json:"fpga_part,omitempty"`
	SynthClkPeriodNs float64 `toml:"synth_clk_period_ns" json:"synth_clk_period_ns,omitempty"`
	HLSClkPeriodNs   float64 `toml:"hls_clk_period_ns" json:"hls_clk_period_ns,omitempty"`

	// Buffers. AutoFIFODepths defaults to true when unset.
	AutoFIFODepths    *bool  `toml:"auto_fifo_depths" json:"auto_fifo_depths,omitempty"`
	LargeFIFOMemStyle string `toml:"large_fifo_mem_style" json:"large_fifo_mem_style,omitempty"`
	FoldingConfigFile string `toml:"folding_config_file" json:"folding_config_file,omitempty"`

	// Flow
	StreamlineIterations   int      `toml:"streamline_iterations" json:"streamline_iterations,omitempty"`
	VerifySteps            bool     `toml:"verify_steps" json:"verify_steps,omitempty"`
	SaveIntermediateModels bool     `toml:"save_intermediate_models" json:"save_intermediate_models,omitempty"`
	Steps                  []string `toml:"steps" json:"steps,omitempty"`
	Experimental           bool     `toml:"experimental" json:"experimental,omitempty"`

	// Storage
	Cache cache.Config         `toml:"cache" json:"-"`
	Store hwconfig.MongoConfig `toml:"store" json:"-"`

	// validated tracks whether ValidateAndSetDefaults has been called.
	validated bool
}

// LoadConfig reads a TOML build configuration.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.ErrCodeFileNotFound, err, "open config %s", path)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig decodes a TOML build configuration.
func ReadConfig(r io.Reader) (Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, errs.Wrap(errs.ErrCodeInvalidConfig, err, "decode config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errs.New(errs.ErrCodeInvalidConfig, "unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ValidateAndSetDefaults checks required fields and applies defaults.
// This method is idempotent - calling it multiple times has the same effect as calling it once.
func (c *Config) ValidateAndSetDefaults() error {
	if c.validated {
		return nil
	}
	if err := errs.ValidateOutputDir(c.OutputDir); err != nil {
		return err
	}

	if c.FPGAPart == "" && c.Board != "" {
		part, ok := boardParts[c.Board]
		if !ok {
			return errs.New(errs.ErrCodeInvalidConfig, "unknown board: %s", c.Board)
		}
		c.FPGAPart = part
	}
	if err := errs.ValidateFPGAPart(c.FPGAPart); err != nil {
		return err
	}

	if c.SynthClkPeriodNs == 0 {
		c.SynthClkPeriodNs = DefaultSynthClkPeriodNs
	}
	if c.SynthClkPeriodNs < 0 || c.HLSClkPeriodNs < 0 {
		return errs.New(errs.ErrCodeInvalidConfig, "clock period must be positive")
	}
	if c.HLSClkPeriodNs == 0 {
		c.HLSClkPeriodNs = c.SynthClkPeriodNs
	}

	if c.AutoFIFODepths == nil {
		auto := true
		c.AutoFIFODepths = &auto
	}
	if c.LargeFIFOMemStyle == "" {
		c.LargeFIFOMemStyle = DefaultLargeFIFOMemStyle
	}
	if !ValidMemStyles[c.LargeFIFOMemStyle] {
		return errs.New(errs.ErrCodeInvalidConfig,
			"invalid large_fifo_mem_style: %q (must be one of: auto, block, distributed, ultra)", c.LargeFIFOMemStyle)
	}

	if c.StreamlineIterations == 0 {
		c.StreamlineIterations = streamline.DefaultIterations
	}
	if c.StreamlineIterations < 0 {
		return errs.New(errs.ErrCodeInvalidConfig, "streamline_iterations must be positive")
	}

	for _, name := range c.Steps {
		if _, ok := StepByName(name); !ok {
			return errs.New(errs.ErrCodeInvalidStep, "unknown step: %s", name)
		}
	}

	c.validated = true
	return nil
}

// AutoFIFO reports whether FIFO depths are sized automatically.
func (c Config) AutoFIFO() bool {
	return c.AutoFIFODepths == nil || *c.AutoFIFODepths
}

// SizingOptions returns the options passed to the FIFO sizer.
func (c Config) SizingOptions() fifo.SizingOptions {
	return fifo.SizingOptions{
		FPGAPart:          c.FPGAPart,
		ClockPeriodNs:     c.HLSClkPeriodNs,
		LargeFIFOMemStyle: c.LargeFIFOMemStyle,
	}
}

// BuildKeyOpts returns cache key options for a full build. The folding
// file is hashed by content so that editing it invalidates the key, and
// the output directory does not take part.
func (c Config) BuildKeyOpts() (cache.BuildKeyOpts, error) {
	keyed := c
	keyed.OutputDir, keyed.FoldingConfigFile = "", ""
	data, err := json.Marshal(keyed)
	if err != nil {
		return cache.BuildKeyOpts{}, fmt.Errorf("encode config: %w", err)
	}
	if c.FoldingConfigFile != "" {
		folding, err := os.ReadFile(c.FoldingConfigFile)
		if err != nil {
			return cache.BuildKeyOpts{}, errs.Wrap(errs.ErrCodeFileNotFound, err, "read folding config")
		}
		data = append(data, folding...)
	}
	return cache.BuildKeyOpts{
		ConfigHash: cache.Hash(data),
		Steps:      slices.Clone(c.StepNames()),
	}, nil
}

// StepNames returns the configured step names, or the default sequence.
func (c Config) StepNames() []string {
	if len(c.Steps) > 0 {
		return c.Steps
	}
	names := make([]string, len(DefaultSteps))
	for i, s := range DefaultSteps {
		names[i] = s.Name
	}
	return names
}

// ResolveSteps returns the steps to run in order.
func (c Config) ResolveSteps() ([]Step, error) {
	if len(c.Steps) == 0 {
		return slices.Clone(DefaultSteps), nil
	}
	steps := make([]Step, 0, len(c.Steps))
	for _, name := range c.Steps {
		s, ok := StepByName(name)
		if !ok {
			return nil, errs.New(errs.ErrCodeInvalidStep, "unknown step: %s", name)
		}
		steps = append(steps, s)
	}
	return steps, nil
}
