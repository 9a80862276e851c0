package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trymwestin/hikd/internal/core/isapi"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check device credentials and connectivity",
	Long:  `Perform a single authenticated request against the device and report the result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		device := isapi.NewClient(isapi.Options{
			Host:     cfg.Device.Host,
			Port:     cfg.Device.Port,
			UseSSL:   cfg.Device.UseSSL,
			Username: cfg.Device.Username,
			Password: cfg.Device.Password,
		}, log)

		if err := device.ValidateDeviceInfo(ctx); err != nil {
			return fmt.Errorf("device validation failed: %w", err)
		}
		fmt.Printf("OK: %s accepted the credentials\n", device.BaseURL())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
