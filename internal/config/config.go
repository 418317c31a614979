// Package config loads the beatsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"beatsync/internal/changelog"
	"beatsync/internal/domain"
	"beatsync/internal/scheduler"
)

// Config is the on-disk configuration. Static schedule entries are kept as
// loose mappings and validated by Definitions.
type Config struct {
	Backend        string                    `yaml:"backend"`
	Path           string                    `yaml:"path"`
	DSN            string                    `yaml:"dsn"`
	Snapshot       string                    `yaml:"snapshot"`
	SyncEvery      time.Duration             `yaml:"sync_every"`
	Addr           string                    `yaml:"addr"`
	Watch          bool                      `yaml:"watch"`
	WatchGap       time.Duration             `yaml:"watch_gap"`
	BackendCleanup bool                      `yaml:"backend_cleanup"`
	Retry          RetryConfig               `yaml:"retry"`
	Schedule       map[string]map[string]any `yaml:"schedule"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend:   changelog.BackendFile,
		Path:      "beatsync-changes",
		DSN:       "beatsync.db",
		SyncEvery: scheduler.DefaultSyncEvery,
		Addr:      ":8080",
		Watch:     true,
		WatchGap:  scheduler.DefaultWatchGap,
		Retry: RetryConfig{
			Attempts: changelog.DefaultRetry.Attempts,
			Interval: changelog.DefaultRetry.Interval,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch changelog.BackendName(c.Backend) {
	case changelog.BackendFile, changelog.BackendKV:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("config: path is required for backend %q", c.Backend)
		}
	case changelog.BackendSQL:
		if strings.TrimSpace(c.DSN) == "" {
			return errors.New("config: dsn is required for backend sql")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.SyncEvery < 0 {
		return errors.New("config: sync_every must not be negative")
	}
	_, err := c.Definitions()
	return err
}

// ChangeLog is the change log configuration.
func (c Config) ChangeLog() changelog.Config {
	return changelog.Config{
		Backend: c.Backend,
		Path:    c.Path,
		DSN:     c.DSN,
		Retry:   changelog.Retry{Attempts: c.Retry.Attempts, Interval: c.Retry.Interval},
	}
}

// SnapshotPath defaults to "<path>.schedule.json" for the file and kv
// backends.
func (c Config) SnapshotPath() string {
	if c.Snapshot != "" {
		return c.Snapshot
	}
	if changelog.BackendName(c.Backend) == changelog.BackendSQL || c.Path == "" {
		return ""
	}
	return c.Path + ".schedule.json"
}

// Definitions parses the static schedule ordered by name. The mapping key is
// the task name unless the entry names itself.
func (c Config) Definitions() ([]domain.TaskDefinition, error) {
	names := make([]string, 0, len(c.Schedule))
	for name := range c.Schedule {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]domain.TaskDefinition, 0, len(names))
	for _, name := range names {
		raw := make(map[string]any, len(c.Schedule[name])+1)
		for k, v := range c.Schedule[name] {
			raw[k] = v
		}
		if _, ok := raw["name"]; !ok {
			raw["name"] = name
		}
		def, err := domain.ParseDefinition(raw)
		if err != nil {
			return nil, fmt.Errorf("config: schedule %q: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// SchedulerOptions builds the scheduler options.
func (c Config) SchedulerOptions() (scheduler.Options, error) {
	defs, err := c.Definitions()
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		SyncEvery:    c.SyncEvery,
		SnapshotPath: c.SnapshotPath(),
		Static:       defs,
		Defaults:     scheduler.Defaults{BackendCleanup: c.BackendCleanup},
	}, nil
}
