package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/apcluster"
)

// fileConfig is the YAML run configuration. The clustering settings sit at
// the top level next to the CLI-only sections.
type fileConfig struct {
	apcluster.Config `yaml:",inline"`

	// Store is the directory of the array container.
	Store string `yaml:"store"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
	// MetricsAddr serves Prometheus metrics when set, e.g. ":2112".
	MetricsAddr string        `yaml:"metrics_addr"`
	Archive     archiveConfig `yaml:"archive"`
}

// archiveConfig selects where finished tiers are archived.
type archiveConfig struct {
	// Kind is "local", "s3" or "minio". Empty disables archiving.
	Kind   string `yaml:"kind"`
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// DynamoDBTable commits the CURRENT pointer through DynamoDB on S3.
	DynamoDBTable string `yaml:"dynamodb_table"`

	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Config:    apcluster.DefaultConfig(),
		LogFormat: "text",
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults. Unknown keys are rejected.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
