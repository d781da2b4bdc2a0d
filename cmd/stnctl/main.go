package main

import (
	"fmt"
	"os"

	"github.com/mastercactapus/stnctl/config"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	transportKind string
	portName      string
)

var rootCmd = &cobra.Command{
	Use:   "stnctl",
	Short: "Drive a serial-attached station",
	Long: `stnctl sends line commands to a serial-attached station and gates each
one on the station's ack/flowdone replies. Pause, resume and terminate jump
ahead of anything queued.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&transportKind, "transport", "", "Transport: serial, spjs or sim")
	rootCmd.PersistentFlags().StringVar(&portName, "port", "", "Serial port name")

	rootCmd.AddCommand(consoleCmd, runCmd, portsCmd)
}

// loadConfig applies command-line overrides on top of the loaded config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if transportKind != "" {
		cfg.Transport.Kind = transportKind
	}
	if portName != "" {
		cfg.Transport.Serial.Port = portName
		cfg.Transport.SPJS.Port = portName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
