package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/lifecycle"
	"obisbridge/internal/meter"
	"obisbridge/internal/modbus"
	"obisbridge/internal/mqtt"
	"obisbridge/internal/server"
	"obisbridge/internal/stats"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const statsInterval = time.Minute

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "obisbridge",
		Short:        "OBIS energy meter to MQTT and SunSpec Modbus bridge",
		Version:      versioninfo.Short(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c",
		os.Getenv("OBISBRIDGE_CONFIG"), "config file (env OBISBRIDGE_CONFIG)")

	return cmd
}

func run(cfgPath string) error {
	// config is not loaded yet, log through slog until zap is up
	early := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		TimeFormat: time.DateTime,
	}))

	if cfgPath == "" {
		early.Error("no config file given (use --config or OBISBRIDGE_CONFIG)")
		return errors.New("config file is required")
	}

	early.Info("loading config", "file", cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		early.Error("config error", "error", err)
		return err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(config.ParseLogLevel(cfg.Logger.Level))
	logger, err := zapCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting obisbridge",
		zap.String("version", versioninfo.Short()),
		zap.String("config", cfgPath))

	lc := lifecycle.New()
	defer lc.Close()

	// Modbus consumer (optional)
	var slave *modbus.Slave
	if cfg.Modbus != nil {
		if cfg.Modbus.TCP != nil && cfg.Modbus.TCP.Port < 1024 && os.Geteuid() != 0 {
			logger.Warn("modbus TCP port is privileged but the process is not running as root",
				zap.Int("port", cfg.Modbus.TCP.Port))
		}
		slave, err = modbus.New(*cfg.Modbus, lc, logger)
		if err != nil {
			logger.Error("starting modbus slave", zap.Error(err))
			return err
		}
		defer slave.Close()
	} else {
		logger.Info("modbus slave disabled (no modbus section in config)")
	}

	// MQTT consumer
	mqttClient := mqtt.New(cfg.MQTT, lc, logger)
	defer mqttClient.Close()

	// meter producer
	m := meter.New(cfg.Meter, lc, logger)
	defer m.Close()

	base := cfg.MQTT.Topic
	m.OnValues(func(payload string, v meter.Values) {
		mqttClient.Publish(payload, mqtt.ValuesTopic(base))
		if slave != nil {
			slave.UpdateValues(v)
		}
	})
	m.OnDevice(func(payload string, d meter.Device) {
		mqttClient.Publish(payload, mqtt.DeviceTopic(base))
		if slave != nil {
			slave.UpdateDevice(d)
		}
	})
	m.OnAvailability(func(state string) {
		mqttClient.Publish(state, mqtt.AvailabilityTopic(base))
	})

	// optional HTTP status endpoint
	if cfg.HTTP != nil {
		srv := server.New(*cfg.HTTP, m, logger)
		go func() {
			logger.Info("starting http status endpoint", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server error", zap.Error(err))
				lc.Shutdown()
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	reporter, err := stats.Start(statsInterval, logger, func() []zap.Field {
		telegrams, parseFailures := m.Stats()
		published, dropped := mqttClient.Stats()
		return []zap.Field{
			zap.Uint64("telegrams", telegrams),
			zap.Uint64("parse_failures", parseFailures),
			zap.Uint64("mqtt_published", published),
			zap.Uint64("mqtt_dropped", dropped),
		}
	})
	if err != nil {
		logger.Warn("stats reporter disabled", zap.Error(err))
	} else {
		defer reporter.Stop()
	}

	lc.Wait()
	logger.Info("shutting down", zap.String("cause", lc.SignalName()))
	return nil
}
