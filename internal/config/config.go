// Package config loads the indexer configuration from an HCL file,
// filling defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

type Config struct {
	StorageRoot string `hcl:"storage_root,optional"`
	DBPath      string `hcl:"db_path,optional"`

	Watch    *WatchConfig    `hcl:"watch,block"`
	Backfill *BackfillConfig `hcl:"backfill,block"`
	Bulk     *BulkConfig     `hcl:"bulk,block"`
}

type WatchConfig struct {
	TickMS        int `hcl:"tick_ms,optional"`
	QuietMS       int `hcl:"quiet_ms,optional"`
	QueueCapacity int `hcl:"queue_capacity,optional"`
	BatchSize     int `hcl:"batch_size,optional"`
	PollMS        int `hcl:"poll_ms,optional"`
}

type BackfillConfig struct {
	BatchSize        int `hcl:"batch_size,optional"`
	InitialIntervalS int `hcl:"initial_interval_s,optional"`
	SteadyIntervalS  int `hcl:"steady_interval_s,optional"`
	HandoffWindowS   int `hcl:"handoff_window_s,optional"`
}

type BulkConfig struct {
	ColdSessionThreshold int `hcl:"cold_session_threshold,optional"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads an HCL config file. A missing file yields defaults; a
// malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorageRoot == "" {
		c.StorageRoot = "~/.local/share/opencode/storage"
	}
	if c.DBPath == "" {
		c.DBPath = "~/.local/share/traceview/index.db"
	}
	c.StorageRoot = expandHome(c.StorageRoot)
	c.DBPath = expandHome(c.DBPath)

	if c.Watch == nil {
		c.Watch = &WatchConfig{}
	}
	w := c.Watch
	if w.TickMS <= 0 {
		w.TickMS = 100
	}
	if w.QuietMS <= 0 {
		w.QuietMS = 500
	}
	if w.QueueCapacity <= 0 {
		w.QueueCapacity = 4096
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.PollMS <= 0 {
		w.PollMS = 250
	}

	if c.Backfill == nil {
		c.Backfill = &BackfillConfig{}
	}
	b := c.Backfill
	if b.BatchSize <= 0 {
		b.BatchSize = 200
	}
	if b.InitialIntervalS <= 0 {
		b.InitialIntervalS = 5
	}
	if b.SteadyIntervalS <= 0 {
		b.SteadyIntervalS = 60
	}
	if b.HandoffWindowS <= 0 {
		b.HandoffWindowS = 30
	}

	if c.Bulk == nil {
		c.Bulk = &BulkConfig{}
	}
	if c.Bulk.ColdSessionThreshold <= 0 {
		c.Bulk.ColdSessionThreshold = 100
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
