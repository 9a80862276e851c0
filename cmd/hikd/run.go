package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trymwestin/hikd/internal/core/isapi"
	"github.com/trymwestin/hikd/internal/core/state"
	"github.com/trymwestin/hikd/internal/core/stream"
	"github.com/trymwestin/hikd/internal/httpapi"
	"github.com/trymwestin/hikd/internal/mqtt"
	"github.com/trymwestin/hikd/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long:  `Connect to the device's alert stream and serve MQTT and HTTP until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Channel settings store, with one-time migration of the legacy
		// "channel=seconds" overrides from config.
		store, err := storage.Open(cfg.Storage.Path, cfg.Device.DefaultOffDelaySeconds, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if cfg.Device.ChannelOverrides != "" {
			if err := store.MigrateLegacyOverrides(cfg.Device.ChannelOverrides); err != nil {
				log.Warn("legacy override migration failed", "error", err)
			}
		}

		bus := state.NewBus(log)
		hub := state.NewHub(store, bus, log)

		device := isapi.NewClient(isapi.Options{
			Host:     cfg.Device.Host,
			Port:     cfg.Device.Port,
			UseSSL:   cfg.Device.UseSSL,
			Username: cfg.Device.Username,
			Password: cfg.Device.Password,
		}, log)

		// Probe the device for its channel list so entities exist before
		// the first event arrives. Channels missed here are still picked
		// up lazily from the stream.
		hub.AddDiscovered(device.DiscoverChannels(ctx))

		streamClient := stream.NewClient(device, hub,
			time.Duration(cfg.Device.ReconnectDelaySeconds)*time.Second, log)
		if err := streamClient.Start(ctx); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}

		var publisher mqtt.Publisher
		if cfg.MQTT.Enabled {
			publisher = mqtt.NewHAPublisher(mqtt.Config{
				Broker:      cfg.MQTT.Broker,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				DeviceID:    cfg.MQTT.DeviceID,
				DeviceName:  cfg.MQTT.DeviceName,
			}, hub, store, bus, log)
		} else {
			publisher = mqtt.NewStubPublisher(log)
		}
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}

		api := httpapi.NewServer(httpapi.Config{
			Addr:    cfg.HTTP.Addr,
			CORSAll: cfg.HTTP.CORSAll,
		}, hub, store, bus, log)

		apiErr := make(chan error, 1)
		go func() {
			apiErr <- api.Start()
		}()

		log.Info("hikd started", "device", cfg.Device.Host)

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err := <-apiErr:
			if err != nil {
				log.Error("http api failed", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := api.Stop(shutdownCtx); err != nil {
			log.Warn("http api shutdown", "error", err)
		}
		if err := publisher.Stop(shutdownCtx); err != nil {
			log.Warn("mqtt shutdown", "error", err)
		}
		if err := streamClient.Stop(shutdownCtx); err != nil {
			log.Warn("stream shutdown", "error", err)
		}
		if err := streamClient.FatalErr(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
