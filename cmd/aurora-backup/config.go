// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aurora-msg/aurora/pkg/backup"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	DatabasePath string `yaml:"database_path"`
	OutputPath   string `yaml:"output_path"`
	BackupType   string `yaml:"backup_type"`

	// PageSize is the message walk page size. 0 uses the store default.
	PageSize int `yaml:"page_size"`

	// FlushTimeoutMinutes bounds how long the export waits on a stalled
	// consumer. 0 uses the built-in default.
	FlushTimeoutMinutes int `yaml:"flush_timeout_minutes"`

	// MinExpireTimerHours drops disappearing messages with a shorter
	// timer from the export. 0 uses the built-in default of 24 hours.
	MinExpireTimerHours int `yaml:"min_expire_timer_hours"`

	// MediaRootBackupKey is the key-material reference written into the
	// backup header for encrypted backup types.
	MediaRootBackupKey string `yaml:"media_root_backup_key"`

	backupType backup.BackupType
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.BackupType == "" {
		c.BackupType = string(backup.BackupTypePlaintext)
	}
	switch bt := backup.BackupType(c.BackupType); bt {
	case backup.BackupTypeRemote, backup.BackupTypeLocalEncrypted,
		backup.BackupTypePlaintext, backup.BackupTypeIntegrationTest:
		c.backupType = bt
	default:
		return fmt.Errorf("unknown backup type %q", c.BackupType)
	}
	return nil
}

func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMinutes) * time.Minute
}

func (c *Config) MinExpireTimer() time.Duration {
	return time.Duration(c.MinExpireTimerHours) * time.Hour
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		if err := cfg.PostProcess(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
