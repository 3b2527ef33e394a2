package main

import (
	"io"

	yaml "gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type PaginationConfig struct {
	MaxPerPage int `yaml:"maxPerPage"`
}

type MetricsConfig struct {
	SlowQueryThresholdMS int `yaml:"slowQueryThresholdMs"`
}

type NotifierConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type StorageConfig struct {
	// Driver selects the storage engine: "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pagination PaginationConfig `yaml:"pagination"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Storage    StorageConfig    `yaml:"storage"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)

	return cfg, err
}
