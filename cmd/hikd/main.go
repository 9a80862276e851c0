// Command hikd bridges a Hikvision ISAPI event stream to MQTT (Home
// Assistant) and a local HTTP API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trymwestin/hikd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hikd",
	Short: "Hikvision ISAPI event daemon",
	Long: `hikd connects to a Hikvision NVR/DVR/IPC, subscribes to its ISAPI
alert stream, and exposes per-channel motion, human and vehicle states
over MQTT (with Home Assistant auto-discovery) and a local HTTP API.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML; defaults + HIKD_* env vars when omitted)")
}

// loadConfig loads and validates the configuration shared by all commands.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
