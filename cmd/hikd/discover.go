package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trymwestin/hikd/internal/core/isapi"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe the device for its channel list",
	Long:  `Query the device's channel endpoints and print the channel IDs found.`,
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

		channels := device.DiscoverChannels(ctx)
		if len(channels) == 0 {
			fmt.Println("No channels reported; they will be discovered from the event stream at runtime.")
			return nil
		}
		for _, channelID := range channels {
			fmt.Printf("channel %d\n", channelID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
