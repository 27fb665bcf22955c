package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// modelFileName is the name of the rewritten model in the output directory.
const modelFileName = "model.json"

// buildFlags holds the flags of the build command. Only flags the user set
// override values from the config file.
type buildFlags struct {
	configFile   string
	outputDir    string
	board        string
	part         string
	clock        float64
	steps        string
	folding      string
	manualFIFO   bool
	memStyle     string
	iterations   int
	verify       bool
	intermediate bool
	experimental bool
	noCache      bool
	tui          bool
}

// buildCommand creates the build command.
func (c *CLI) buildCommand() *cobra.Command {
	var f buildFlags

	cmd := &cobra.Command{
		Use:   "build [model.json]",
		Short: "Compile a model into a streaming dataflow",
		Long: `Compile a model into a streaming dataflow.

The build command reads a model in JSON form and runs the build steps on it:
tidy, streamline, convert_to_hw and set_fifo_depths. The rewritten model is
written to <output_dir>/model.json and the final hardware configuration to
<output_dir>/final_hw_config.json.

Settings are read from --config (or ./hlsflow.toml if present); flags
override the file. FIFO sizing results are cached locally.`,
		Example: `  hlsflow build model.json -o build --board Pynq-Z1
  hlsflow build model.json --config build.toml --steps tidy,streamline
  hlsflow build model.json -o build --part xcu250-figd2104-2L-e --manual-fifo --folding folding.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configFile)
			if err != nil {
				return err
			}
			applyBuildFlags(cmd, &cfg, f)
			if err := cfg.ValidateAndSetDefaults(); err != nil {
				return err
			}
			return c.runBuild(cmd.Context(), args[0], cfg, f)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "build config file (TOML)")
	cmd.Flags().StringVarP(&f.outputDir, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&f.board, "board", "", "target board, resolves the FPGA part")
	cmd.Flags().StringVar(&f.part, "part", "", "target FPGA part")
	cmd.Flags().Float64Var(&f.clock, "clock", pipeline.DefaultSynthClkPeriodNs, "synthesis clock period in ns")
	cmd.Flags().StringVar(&f.steps, "steps", "", "comma-separated steps to run (default: all)")
	cmd.Flags().StringVar(&f.folding, "folding", "", "folding config JSON applied in manual FIFO mode")
	cmd.Flags().BoolVar(&f.manualFIFO, "manual-fifo", false, "take FIFO depths from node attributes and the folding config")
	cmd.Flags().StringVar(&f.memStyle, "mem-style", pipeline.DefaultLargeFIFOMemStyle, "memory style of large FIFOs: auto, block, distributed, ultra")
	cmd.Flags().IntVar(&f.iterations, "iterations", 0, "streamline iterations (default 4)")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "validate the graph after every step")
	cmd.Flags().BoolVar(&f.intermediate, "save-intermediate", false, "write the model after every step")
	cmd.Flags().BoolVar(&f.experimental, "experimental", false, "enable experimental lowering passes")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "disable caching")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "show a live step view")

	_ = cmd.RegisterFlagCompletionFunc("board", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return pipeline.Boards(), cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("mem-style", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"auto", "block", "distributed", "ultra"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("steps", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return pipeline.Config{}.StepNames(), cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
	})

	return cmd
}

// applyBuildFlags copies the flags the user set onto cfg.
func applyBuildFlags(cmd *cobra.Command, cfg *pipeline.Config, f buildFlags) {
	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.OutputDir = f.outputDir
	}
	if changed("board") {
		cfg.Board = f.board
		cfg.FPGAPart = ""
	}
	if changed("part") {
		cfg.FPGAPart = f.part
	}
	if changed("clock") {
		cfg.SynthClkPeriodNs = f.clock
	}
	if changed("steps") {
		cfg.Steps = splitList(f.steps)
	}
	if changed("folding") {
		cfg.FoldingConfigFile = f.folding
	}
	if changed("manual-fifo") {
		auto := !f.manualFIFO
		cfg.AutoFIFODepths = &auto
	}
	if changed("mem-style") {
		cfg.LargeFIFOMemStyle = f.memStyle
	}
	if changed("iterations") {
		cfg.StreamlineIterations = f.iterations
	}
	if changed("verify") {
		cfg.VerifySteps = f.verify
	}
	if changed("save-intermediate") {
		cfg.SaveIntermediateModels = f.intermediate
	}
	if changed("experimental") {
		cfg.Experimental = f.experimental
	}
}

// runBuild loads the model, runs the build and writes the results.
func (c *CLI) runBuild(ctx context.Context, input string, cfg pipeline.Config, f buildFlags) error {
	g, err := graph.ImportJSON(input)
	if err != nil {
		return fmt.Errorf("load model %s: %w", input, err)
	}

	runner, cleanup, err := c.newRunner(ctx, cfg, f.noCache)
	if err != nil {
		return fmt.Errorf("initialize runner: %w", err)
	}
	defer cleanup()

	printInfo("Building %s for %s", StyleHighlight.Render(g.Name), StyleValue.Render(cfg.FPGAPart))

	var result *pipeline.Result
	if f.tui {
		result, err = runBuildTUI(ctx, runner, g, cfg)
	} else {
		spinner := newSpinner(ctx, "Building...")
		runner.Progress = spinner.Observe
		spinner.Start()
		result, err = runner.Run(ctx, g, cfg, nil)
		spinner.Stop()
	}
	if err != nil {
		printError("Build failed")
		return err
	}

	modelPath := filepath.Join(cfg.OutputDir, modelFileName)
	if err := graph.ExportJSON(result.Graph, modelPath); err != nil {
		return fmt.Errorf("write model: %w", err)
	}

	printSuccess("Built %s", g.Name)
	printKeyValue("FPGA part", cfg.FPGAPart)
	printKeyValue("Build ID", result.BuildID)
	printStats(result.Graph, result.CacheHit)
	if len(result.Stats) > 0 {
		fmt.Println(stepStatsTable(result.Stats))
	}
	printFile(modelPath)
	if result.Record != nil {
		printFile(filepath.Join(cfg.OutputDir, hwconfig.FileName))
	}
	printNewline()
	printNextStep("Inspect the dataflow", fmt.Sprintf("%s visualize %s", appName, modelPath))
	return nil
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
