package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// configTemplate is written by "config init".
const configTemplate = `# hlsflow build configuration
output_dir = "build"

# Either a board or an explicit FPGA part.
board = "Pynq-Z1"
# fpga_part = "xc7z020clg400-1"

synth_clk_period_ns = 10.0
# hls_clk_period_ns = 10.0

# Automatic FIFO sizing by simulation. Set to false to take depths from
# the node attributes and the folding config.
auto_fifo_depths = true
large_fifo_mem_style = "auto"
# folding_config_file = "folding.json"

streamline_iterations = 4
verify_steps = false
save_intermediate_models = false
# steps = ["tidy", "streamline", "convert_to_hw", "set_fifo_depths"]

[cache]
# backend = "redis"
# redis_addr = "localhost:6379"

[store]
# mongo_uri = "mongodb://localhost:27017"
# database = "hlsflow"
`

// configCommand creates the config command and its subcommands.
func (c *CLI) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect build configurations",
	}

	cmd.AddCommand(c.configInitCommand())
	cmd.AddCommand(c.configShowCommand())
	cmd.AddCommand(c.configBoardsCommand())

	return cmd
}

// configInitCommand creates the "config init" subcommand.
func (c *CLI) configInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			printSuccess("Created configuration")
			printFile(path)
			printNewline()
			printNextStep("Build a model", fmt.Sprintf("%s build model.json --config %s", appName, path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// configShowCommand creates the "config show" subcommand.
func (c *CLI) configShowCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateAndSetDefaults(); err != nil {
				return err
			}
			return cfg.Encode(os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "build config file (TOML)")
	return cmd
}

// configBoardsCommand creates the "config boards" subcommand.
func (c *CLI) configBoardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List the known boards and their FPGA parts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := newTable("Board", "FPGA part")
			for _, b := range pipeline.Boards() {
				part, _ := pipeline.PartForBoard(b)
				t.Row(b, part)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}
