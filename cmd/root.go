package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/batchdl/internal/config"
	"github.com/surge-downloader/batchdl/internal/logging"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Populated by PersistentPreRunE for every subcommand.
var (
	settings *config.Settings
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "batchdl",
	Short:         "A rate-limited batch downloader",
	Long:          `batchdl downloads lists of URLs under a strict request budget, resuming partial files and verifying every payload.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		s, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}

		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			s.General.LogLevel = lvl
		}
		if format, _ := cmd.Flags().GetString("log-format"); format != "" {
			s.General.LogFormat = format
		}
		if debugLog, _ := cmd.Flags().GetString("debug-log"); debugLog != "" {
			s.General.LogFile = debugLog
		}

		l, closer, err := logging.New(logging.Options{
			Level:     s.General.LogLevel,
			Format:    s.General.LogFormat,
			Output:    cmd.ErrOrStderr(),
			DebugFile: s.General.LogFile,
		})
		if err != nil {
			return err
		}
		settings, logger, closeLog = s, l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("batchdl version %s (built %s)\n", Version, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "path to settings.toml (default: user config dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().String("debug-log", "", "also write debug-level JSON logs to this file")

	rootCmd.AddCommand(getCmd, historyCmd, configCmd)
}
