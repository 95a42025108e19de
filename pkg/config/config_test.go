package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "audiohal-config-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	t.Run("Valid Config", func(t *testing.T) {
		configContent := `
audio:
  input_device: "Built-in Microphone"
  output_device: "Built-in Output"
  input_channels: 2
  output_channels: 2
  sample_rate: 44100
  buffer_size: 256

logging:
  level: "debug"
  file: "/tmp/audiohald.log"
  console: true
`
		configPath := filepath.Join(tempDir, "valid.yaml")
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if config.Audio.InputDevice != "Built-in Microphone" {
			t.Errorf("Unexpected input device: %q", config.Audio.InputDevice)
		}
		if config.Audio.SampleRate != 44100 {
			t.Errorf("Unexpected sample rate: %d", config.Audio.SampleRate)
		}
		if config.Audio.BufferSize != 256 {
			t.Errorf("Unexpected buffer size: %d", config.Audio.BufferSize)
		}
		if config.Logging.Level != "debug" {
			t.Errorf("Unexpected log level: %q", config.Logging.Level)
		}
		if !config.Logging.Console {
			t.Error("Expected console logging enabled")
		}
	})

	t.Run("Defaults Applied", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "minimal.yaml")
		if err := os.WriteFile(configPath, []byte("audio: {}\n"), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if config.Audio.SampleRate != 48000 {
			t.Errorf("Expected default sample rate 48000, got %d", config.Audio.SampleRate)
		}
		if config.Audio.InputChannels != 2 || config.Audio.OutputChannels != 2 {
			t.Errorf("Expected default channel counts 2/2, got %d/%d",
				config.Audio.InputChannels, config.Audio.OutputChannels)
		}
		if config.Logging.Level != "info" {
			t.Errorf("Expected default log level info, got %q", config.Logging.Level)
		}
		if config.Logging.MaxSize != 10 || config.Logging.MaxBackups != 3 || config.Logging.MaxAge != 28 {
			t.Errorf("Unexpected rotation defaults: %d/%d/%d",
				config.Logging.MaxSize, config.Logging.MaxBackups, config.Logging.MaxAge)
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(tempDir, "nope.yaml")); err == nil {
			t.Error("Expected an error for a missing file")
		}
	})

	t.Run("Invalid YAML", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "broken.yaml")
		if err := os.WriteFile(configPath, []byte("audio: ["), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}
		if _, err := LoadConfig(configPath); err == nil {
			t.Error("Expected an error for invalid YAML")
		}
	})

	t.Run("Invalid Values", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "invalid.yaml")
		content := "audio:\n  sample_rate: -1\n"
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}
		if _, err := LoadConfig(configPath); err == nil {
			t.Error("Expected an error for a negative sample rate")
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("Default config must validate, got: %v", err)
	}
	if config.Audio.SampleRate != 48000 {
		t.Errorf("Expected default sample rate 48000, got %d", config.Audio.SampleRate)
	}
}
