package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/finchlabs/finch/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/finchlabs/finch/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// Exit codes: 0 clean shutdown, 1 unconfigured required environment,
// 2 invalid argument.
const (
	exitOK      = 0
	exitConfig  = 1
	exitBadArgs = 2
)

var rootCmd = &cobra.Command{
	Use:   "finch",
	Short: "Finch — multi-channel agent runtime",
	Long:  "Finch: a multi-channel conversational agent runtime. Ingests messages from Telegram, Discord, webhooks, and a local console, runs each through a tool-using turn loop, and replies on the originating transport.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.finch/config.json or $FINCH_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(consoleCmd())
	rootCmd.AddCommand(subagentCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("finch %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("FINCH_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome("~/.finch/config.json")
}

// loadConfig loads and validates configuration, exiting with the documented
// codes on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Set ANTHROPIC_API_KEY or add provider.apiKey to the config file.")
		os.Exit(exitConfig)
	}
	return cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitBadArgs)
	}
}
