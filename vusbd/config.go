package main

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config are the daemon's file settable knobs.
type Config struct {
	// Path of the REST API unix socket.
	Socket string `yaml:"socket"`

	// Path of the settings database holding the policy.
	SettingsPath string `yaml:"settings"`

	// Path of the shared store daemon socket ("" for the default).
	StoreSocket string `yaml:"store_socket"`
}

// Default paths.
const (
	defaultConfigPath = "/etc/vusbd/vusbd.yaml"
	defaultSocket     = "/var/lib/vusbd/unix.socket"
	defaultSettings   = "/var/lib/vusbd/settings.db"
)

// loadConfig reads the optional daemon config file, filling in defaults.
func loadConfig(path string) (*Config, error) {
	config := &Config{
		Socket:       defaultSocket,
		SettingsPath: defaultSettings,
	}

	if path == "" {
		path = defaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}

		return nil, fmt.Errorf("Failed to read config file %q: %w", path, err)
	}

	err = yaml.Unmarshal(content, config)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse config file %q: %w", path, err)
	}

	if config.Socket == "" {
		config.Socket = defaultSocket
	}

	if config.SettingsPath == "" {
		config.SettingsPath = defaultSettings
	}

	return config, nil
}
