package main

import (
	"fmt"
	"os"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/umgr"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape loaded by --config. It mirrors
// umgr.Config field-for-field, plus the process-level knobs (data
// directory, this session's umgr uid) that have no place in the
// library config itself.
type fileConfig struct {
	UmgrUID                string `yaml:"umgr_uid"`
	DataDir                string `yaml:"data_dir"`
	Scheduler              string `yaml:"scheduler"`
	DBPollInterval         string `yaml:"db_poll_interval"`
	BulkCollectionInterval string `yaml:"bulk_collection_interval"`
	StrictCancel           bool   `yaml:"strict_cancel"`
	HWMPercent             int    `yaml:"hwm_percent"`
	BFStart                string `yaml:"bf_start"`
	BFStop                 string `yaml:"bf_stop"`
	MetricsAddr            string `yaml:"metrics_addr"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &fileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.UmgrUID == "" {
		return nil, fmt.Errorf("config %s: umgr_uid is required", path)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	return cfg, nil
}

// toUmgrConfig fills in umgr.DefaultConfig for every field the file
// left unset, the same defaulting convention umgr.DefaultConfig itself
// documents.
func (c *fileConfig) toUmgrConfig() (umgr.Config, error) {
	cfg := umgr.DefaultConfig()

	if c.Scheduler != "" {
		cfg.Scheduler = c.Scheduler
	}
	if c.DBPollInterval != "" {
		d, err := time.ParseDuration(c.DBPollInterval)
		if err != nil {
			return cfg, fmt.Errorf("invalid db_poll_interval: %w", err)
		}
		cfg.DBPollInterval = d
	}
	if c.BulkCollectionInterval != "" {
		d, err := time.ParseDuration(c.BulkCollectionInterval)
		if err != nil {
			return cfg, fmt.Errorf("invalid bulk_collection_interval: %w", err)
		}
		cfg.BulkCollectionInterval = d
	}
	cfg.StrictCancel = c.StrictCancel
	if c.HWMPercent != 0 {
		cfg.HWMPercent = c.HWMPercent
	}
	if c.BFStart != "" {
		cfg.BFStart = state.PilotState(c.BFStart)
	}
	if c.BFStop != "" {
		cfg.BFStop = state.PilotState(c.BFStop)
	}
	return cfg, nil
}
