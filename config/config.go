// Package config loads the agent configuration file. The file is YAML
// (JSON-compatible) with the field names below; absent fields take the
// installation defaults.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Swupdate configures the image update handler.
type Swupdate struct {
	InstallCommand        string   `json:"installCommand"`
	InstallArgs           []string `json:"installArgs,omitempty"`
	InstalledCriteriaFile string   `json:"installedCriteriaFile"`
	RebootRequired        bool     `json:"rebootRequired"`
}

// Config is the agent configuration.
type Config struct {
	// DataFolder is the agent state root; other paths default beneath
	// it.
	DataFolder string `json:"dataFolder"`

	// DownloadsFolder is the root under which per-deployment sandbox
	// work folders are created, keyed by workflow id.
	DownloadsFolder string `json:"downloadsFolder"`

	// SourceUpdateCachePath is the content-addressed source update
	// cache base directory.
	SourceUpdateCachePath string `json:"sourceUpdateCachePath"`

	// PurgeCacheBeforeMove selects pre-purge cache reclamation.
	PurgeCacheBeforeMove *bool `json:"purgeCacheBeforeMove,omitempty"`

	// RootKeyStorePath is the persisted root key package overlay.
	RootKeyStorePath string `json:"rootKeyStorePath"`

	// AllowTestRootKeyPackages accepts overlay packages marked isTest.
	AllowTestRootKeyPackages bool `json:"allowTestRootKeyPackages,omitempty"`

	// GoalStateFile is the persisted copy of the last goal state,
	// evaluated at startup.
	GoalStateFile string `json:"goalStateFile"`

	// SimulatorDataDir holds the simulator handler's data file.
	SimulatorDataDir string `json:"simulatorDataDir,omitempty"`

	Swupdate Swupdate `json:"swupdate"`
}

// Default returns the installation defaults rooted at dataFolder.
func Default() *Config {
	c := &Config{DataFolder: "/var/lib/device-update-agent"}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataFolder == "" {
		c.DataFolder = "/var/lib/device-update-agent"
	}
	if c.DownloadsFolder == "" {
		c.DownloadsFolder = c.DataFolder + "/downloads"
	}
	if c.SourceUpdateCachePath == "" {
		c.SourceUpdateCachePath = c.DataFolder + "/sdc"
	}
	if c.RootKeyStorePath == "" {
		c.RootKeyStorePath = c.DataFolder + "/rootkeys/rootkeypackage.json"
	}
	if c.GoalStateFile == "" {
		c.GoalStateFile = c.DataFolder + "/goalstate.json"
	}
	if c.Swupdate.InstallCommand == "" {
		c.Swupdate.InstallCommand = "/usr/bin/swupdate"
	}
	if c.Swupdate.InstalledCriteriaFile == "" {
		c.Swupdate.InstalledCriteriaFile = c.DataFolder + "/installed-version"
	}
}

// PurgeBeforeMove resolves the cache purge policy, defaulting to
// pre-purge.
func (c *Config) PurgeBeforeMove() bool {
	if c.PurgeCacheBeforeMove == nil {
		return true
	}
	return *c.PurgeCacheBeforeMove
}

// Load reads a configuration file. An empty path returns the defaults;
// a path to a file that does not exist is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}
