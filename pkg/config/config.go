package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config represents the audiohald configuration
type Config struct {
	Audio struct {
		// Device selection by name, as reported by the device scan. When
		// one name is empty the other device serves alone; when both are
		// empty the daemon uses the OS default input and output devices.
		InputDevice  string `yaml:"input_device"`
		OutputDevice string `yaml:"output_device"`

		// Number of channels to activate, counted from channel 1.
		InputChannels  int `yaml:"input_channels"`
		OutputChannels int `yaml:"output_channels"`

		SampleRate int `yaml:"sample_rate"`
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"audio"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`    // megabytes
		MaxBackups int    `yaml:"max_backups"` // files
		MaxAge     int    `yaml:"max_age"`     // days
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.InputChannels == 0 {
		c.Audio.InputChannels = 2
	}
	if c.Audio.OutputChannels == 0 {
		c.Audio.OutputChannels = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative, got %d", c.Audio.SampleRate)
	}
	if c.Audio.BufferSize < 0 {
		return fmt.Errorf("buffer_size must not be negative, got %d", c.Audio.BufferSize)
	}
	if c.Audio.InputChannels < 0 || c.Audio.OutputChannels < 0 {
		return fmt.Errorf("channel counts must not be negative")
	}
	return nil
}
