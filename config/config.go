//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package config loads the datalab service configuration from a YAML
// file with environment variable overrides for deploy-time secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configures the HTTP surface.
type Server struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Resolver selects and configures the command resolver backend.
type Resolver struct {
	// Kind is "service" for the hosted resolver API or "openai" for a
	// direct OpenAI-compatible endpoint.
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// Sandbox configures the kernel runtime.
type Sandbox struct {
	IP          string        `yaml:"ip"`
	Port        int           `yaml:"port"`
	KernelName  string        `yaml:"kernel_name"`
	WorkRoot    string        `yaml:"work_root"`
	Packages    []string      `yaml:"packages"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// Quota configures the operation ledger.
type Quota struct {
	DBPath   string        `yaml:"db_path"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Trace configures span export.
type Trace struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Config is the root configuration document.
type Config struct {
	Server   Server   `yaml:"server"`
	Resolver Resolver `yaml:"resolver"`
	Sandbox  Sandbox  `yaml:"sandbox"`
	Quota    Quota    `yaml:"quota"`
	Trace    Trace    `yaml:"trace"`
	LogLevel string   `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Addr: ":8080",
		},
		Resolver: Resolver{
			Kind: "service",
		},
		Sandbox: Sandbox{
			IP:          "127.0.0.1",
			Port:        8888,
			KernelName:  "python3",
			Packages:    []string{"plotly", "openpyxl"},
			BootTimeout: 30 * time.Second,
			RunTimeout:  60 * time.Second,
		},
		Quota: Quota{
			DBPath:   "data/quota.db",
			CacheTTL: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the configuration at path, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus environment only.
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers deploy-time secrets over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATALAB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATALAB_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("DATALAB_RESOLVER_KIND"); v != "" {
		c.Resolver.Kind = v
	}
	if v := os.Getenv("DATALAB_RESOLVER_ENDPOINT"); v != "" {
		c.Resolver.Endpoint = v
	}
	if v := os.Getenv("DATALAB_RESOLVER_API_KEY"); v != "" {
		c.Resolver.APIKey = v
	}
	if v := os.Getenv("DATALAB_RESOLVER_MODEL"); v != "" {
		c.Resolver.Model = v
	}
	if v := os.Getenv("DATALAB_QUOTA_DB"); v != "" {
		c.Quota.DBPath = v
	}
	if v := os.Getenv("DATALAB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATALAB_TRACE_ENDPOINT"); v != "" {
		c.Trace.Enabled = true
		c.Trace.Endpoint = v
	}
}

func (c *Config) validate() error {
	switch c.Resolver.Kind {
	case "service", "openai":
	default:
		return fmt.Errorf("unknown resolver kind %q", c.Resolver.Kind)
	}
	if c.Resolver.Kind == "service" && c.Resolver.Endpoint == "" {
		return errors.New("resolver.endpoint is required for the service resolver")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	return nil
}
