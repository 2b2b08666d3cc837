package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"serial-bridge/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	logger, closeLog, err := newLogger(config.LogSettings{File: path, Level: "info"}, &out)
	require.NoError(t, err)

	logger.Info("serial port opened", "port", "/dev/ttyUSB0")
	logger.Debug("hidden")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=INFO")
	assert.Contains(t, string(data), "serial port opened")
	assert.NotContains(t, string(data), "hidden")
	assert.Equal(t, string(data), out.String())
}

func TestNewLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, os.WriteFile(path, []byte("previous\n"), 0o644))

	logger, closeLog, err := newLogger(config.LogSettings{File: path, Level: "debug"}, &bytes.Buffer{})
	require.NoError(t, err)
	logger.Debug("next")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "previous\n")
	assert.Contains(t, string(data), "next")
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, _, err := newLogger(config.LogSettings{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERIAL_BRIDGE_TEST_KEY=from-dotenv\n"), 0o644))
	t.Setenv("SERIAL_BRIDGE_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("SERIAL_BRIDGE_TEST_KEY"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("SERIAL_BRIDGE_TEST_KEY"))
}

func TestRunFailsWithoutDevice(t *testing.T) {
	s := &config.Settings{
		SerialPort: filepath.Join(t.TempDir(), "ttyMISSING"),
		BaudRate:   9600,
	}
	s.Serial.ReadTimeout = 100 * time.Millisecond
	s.MQTT.Server = "localhost"
	s.MQTT.Port = 1883
	s.MQTT.Topic = "/Write"
	s.Bridge.PollInterval = 10 * time.Millisecond
	s.Bridge.StopTimeout = time.Second

	var out bytes.Buffer
	logger, _, err := newLogger(config.LogSettings{Level: "info"}, &out)
	require.NoError(t, err)

	err = run(context.Background(), s, logger)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start bridge")
	assert.Contains(t, err.Error(), "does not exist")
}
