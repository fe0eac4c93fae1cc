package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/brewery-modbus/internal/config"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	cfg    *config.Config
	cfgErr error
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "brewsim",
	Short: "Brewery Modbus TCP slave",
	Long: `brewsim exposes a brewery's glycol chiller and fermenters as a Modbus TCP
slave so that an IoT gateway can poll live readings and write setpoints.

Register map (defaults):
  30001-30010  chiller block (input registers)
  30021+10*i   fermenter block for slot i (input registers)
  40001        chiller setpoint mirror (holding register)
  40002+i      fermenter slot i setpoint mirror (holding register)

Examples:
  # Run the slave on port 5020 with the built-in simulation
  brewsim serve --port 5020

  # Read the chiller block from a running slave
  brewsim read chiller -H 192.168.1.100

  # Show the register map for the configured layout
  brewsim registers`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		logger = setupLogger(cfg.Log)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./brewsim.yaml, $HOME/.brewsim/brewsim.yaml, /etc/brewsim/brewsim.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text, json")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(registersCmd)
	rootCmd.AddCommand(netinfoCmd)
}

func initConfig() {
	cfg, cfgErr = config.Load(viper.GetViper(), cfgFile)
}

func setupLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch lc.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if lc.File != "" && lc.File != "-" {
		f, err := os.OpenFile(lc.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, falling back to stderr: %v\n", err)
		} else {
			out = f
		}
	}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}
