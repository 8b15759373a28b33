// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ppkstat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 100*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.AckTimeout)
	assert.Equal(t, 1, cfg.Device.Retries)
	assert.Equal(t, 4096, cfg.Stream.QueueCapacity)
	assert.Equal(t, 3300, cfg.Device.VddMillivolts)
	require.NoError(t, cfg.Validate())

	mode, err := cfg.DeviceMode()
	require.NoError(t, err)
	assert.Equal(t, ppk2.ModeSourceMeter, mode)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyACM3
device:
  mode: ampere
  range: 3
  ackTimeout: 250ms
stream:
  queueCapacity: 128
calibration:
  overrides:
    - range: 2
      gain: 0.000001
      offset: -0.0000005
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM3", cfg.Serial.Port)
	assert.Equal(t, 3, cfg.Device.Range)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.AckTimeout)
	assert.Equal(t, 128, cfg.Stream.QueueCapacity)

	mode, err := cfg.DeviceMode()
	require.NoError(t, err)
	assert.Equal(t, ppk2.ModeAmpereMeter, mode)

	overrides, err := cfg.CalibrationOverrides()
	require.NoError(t, err)
	assert.Equal(t, ppk2.CalibrationEntry{Gain: 1e-6, Offset: -5e-7}, overrides[2])
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "serial:\n  port: /dev/ttyACM0\n")
	t.Setenv("PPKSTAT_SERIAL_PORT", "/dev/ttyACM9")
	t.Setenv("PPKSTAT_DEVICE_VDDMILLIVOLTS", "1800")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM9", cfg.Serial.Port)
	assert.Equal(t, 1800, cfg.Device.VddMillivolts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "device:\n  mode: turbo\n"},
		{"bad range", "device:\n  range: 5\n"},
		{"bad override", "calibration:\n  overrides:\n    - range: 9\n      gain: 1\n"},
		{"bad qos", "mqtt:\n  qos: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestYAML_OmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Password = "hunter2"
	cfg.Redis.Password = "hunter3"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Serial, back.Serial)
	assert.Equal(t, cfg.Device, back.Device)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("SMU")
	require.NoError(t, err)
	assert.Equal(t, ppk2.ModeSourceMeter, m)

	_, err = ParseMode("")
	assert.Error(t, err)
}
