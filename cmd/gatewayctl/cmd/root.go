package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatewayclient/transport/config"
	"github.com/gatewayclient/transport/logger"
)

var (
	// Global flags
	cfgFile  string
	uri      string
	protocol string
	logLevel string
	logFile  string

	// Shared state set during PersistentPreRun
	cfg *config.Config
	log *logger.Logger
)

// rootCmd is the base command for gatewayctl
var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Talk to an API gateway over a socket or plain requests",
	Long: `gatewayctl opens a transport to an API gateway, sends a payload and prints
what comes back. Settings come from a yaml config file, GATEWAY_* environment
variables and flags, flags winning over both.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Read(cfgFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if uri != "" {
			cfg.Uri = uri
		}
		if protocol != "" {
			cfg.Protocol = config.Protocol(protocol)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFile != "" {
			cfg.Log.Path = logFile
		}

		log, err = logger.New(&logger.Config{
			ConsoleWriters: []io.Writer{cmd.ErrOrStderr()},
			FilePath:       cfg.Log.Path,
			LogLevel:       logger.ToLogLevel(cfg.Log.Level),
		})
		if err != nil {
			return fmt.Errorf("failed to start logger: %w", err)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "yaml config file")
	rootCmd.PersistentFlags().StringVar(&uri, "uri", "", "gateway uri")
	rootCmd.PersistentFlags().StringVar(&protocol, "protocol", "", "transport to use: socket or request")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write json logs to this file")
}
