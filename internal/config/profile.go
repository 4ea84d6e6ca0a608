package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML file describing a sync job. It covers the
// per-job half of the configuration (what to upload and where), leaving
// credentials and environment to env vars. Boolean fields are pointers
// so an absent key does not override the merged value.
type Profile struct {
	Inputs     []string `yaml:"inputs"`
	Filter     string   `yaml:"filter"`
	Output     string   `yaml:"output"`
	Skip       []string `yaml:"skip"`
	FlatUpload *bool    `yaml:"flat_upload"`
	PurgeStale *bool    `yaml:"purge_stale"`
}

// LoadProfile reads and parses a profile file. Unlike env loading, a
// missing file is an error: the path was given explicitly.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile YAML: %w", err)
	}

	return &p, nil
}

// ApplyProfile overlays a profile onto the config. Only keys present in
// the profile take effect; flags parsed after this call still win.
func (c *Config) ApplyProfile(p *Profile) {
	if len(p.Inputs) > 0 {
		c.Inputs = p.Inputs
	}

	if p.Filter != "" {
		c.Filter = p.Filter
	}

	if p.Output != "" {
		c.Output = p.Output
	}

	if len(p.Skip) > 0 {
		c.Skip = p.Skip
	}

	if p.FlatUpload != nil {
		c.FlatUpload = *p.FlatUpload
	}

	if p.PurgeStale != nil {
		c.PurgeStale = *p.PurgeStale
	}
}
