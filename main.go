package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"serial-bridge/bridge"
	"serial-bridge/command"
	"serial-bridge/config"
	"serial-bridge/mqtt"
	"serial-bridge/serial"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the settings file (json, yaml or toml)")
	envPath := flag.String("env", ".env", "optional dotenv file with SERIAL_BRIDGE_* overrides")
	flag.Parse()

	if err := loadDotEnv(*envPath); err != nil {
		log.Fatalf("Failed to load %s: %v", *envPath, err)
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog, err := newLogger(settings.Log, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, logger); err != nil {
		logger.Error("bridge terminated", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// run собирает компоненты, запускает мост и ждет сигнала остановки
func run(ctx context.Context, s *config.Settings, logger *slog.Logger) error {
	serialSession := serial.NewSession(serial.Config{
		Port:        s.SerialPort,
		BaudRate:    s.BaudRate,
		ReadTimeout: s.Serial.ReadTimeout,
	}, serial.OpenPort, logger.With("component", "serial"))

	mqttConfig := mqtt.DefaultConfig()
	mqttConfig.Broker = s.MQTT.Broker()
	mqttConfig.Username = s.MQTT.Username
	mqttConfig.Password = s.MQTT.Password
	mqttConfig.ClientID = s.MQTT.ClientID
	mqttConfig.Topic = s.MQTT.Topic
	mqttConfig.QoS = byte(s.MQTT.QoS)
	mqttConfig.KeepAlive = s.MQTT.KeepAlive
	mqttConfig.ConnectTimeout = s.MQTT.ConnectTimeout
	mqttClient := mqtt.NewClient(mqttConfig, logger.With("component", "mqtt"))

	bridgeLogger := logger.With("component", "bridge")
	var handler bridge.DataHandler
	if s.MQTT.DataTopic != "" {
		handler = bridge.NewPublishHandler(mqttClient, s.MQTT.DataTopic, bridgeLogger)
	}

	engine := bridge.NewEngine(bridge.Config{
		Defaults: command.Defaults{
			CommandType:     s.CommandType,
			RegisterAddress: s.RegisterAddress,
		},
		PollInterval: s.Bridge.PollInterval,
		StopTimeout:  s.Bridge.StopTimeout,
	}, serialSession, mqttClient, handler, bridgeLogger)

	if err := engine.Start(); err != nil {
		_ = engine.Stop()
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	logger.Info("serial bridge started, press Ctrl+C to stop", "port", s.SerialPort, "broker", mqttConfig.Broker, "topic", mqttConfig.Topic)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return engine.Stop()
}

// newLogger пишет в out и, если задан файл, дописывает в него
func newLogger(cfg config.LogSettings, out io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	closeFn := func() {}
	w := out
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(out, f)
		closeFn = func() { _ = f.Close() }
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// loadDotEnv загружает переменные окружения из path. Отсутствующий файл игнорируется.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
