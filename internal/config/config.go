// Package config loads the project configuration (vct.yaml) and job request
// files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HPC mode selection.
const (
	HPCAuto   = "auto"
	HPCAlways = "always"
	HPCNever  = "never"
)

// Config is the parsed vct.yaml project configuration.
type Config struct {
	// DataDir holds the registry database, run outputs and build scratch.
	DataDir string `yaml:"data_dir"`
	// InputsDir is the root of the inputs tree (one directory per slot).
	InputsDir string `yaml:"inputs_dir"`
	// EngineDir is the root of the simulation engine source tree.
	EngineDir string `yaml:"engine_dir"`

	// MaxParallel bounds the local worker pool. Each run may be internally
	// multi-threaded, so this is sized independently of CPU count.
	MaxParallel int `yaml:"max_parallel"`

	// HPC selects batch-scheduler submission: auto probes for sbatch.
	HPC string `yaml:"hpc"`
	// SbatchFlags are extra per-job scheduler flags (partition, account...).
	SbatchFlags map[string]string `yaml:"sbatch_flags,omitempty"`

	// ForceBuild rebuilds the engine even when the build cache is current.
	ForceBuild bool `yaml:"force_build"`
	// Prune is the run-output retention policy: never, always, on_failure.
	Prune string `yaml:"prune"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns a Config with default values.
func Default() Config {
	return Config{
		DataDir:     "data",
		InputsDir:   "inputs",
		EngineDir:   "PhysiCell",
		MaxParallel: 1,
		HPC:         HPCAuto,
		Prune:       "never",
	}
}

// Load loads and parses a vct.yaml file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading project config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing project config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.InputsDir == "" {
		cfg.InputsDir = "inputs"
	}
	if cfg.EngineDir == "" {
		cfg.EngineDir = "PhysiCell"
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.HPC == "" {
		cfg.HPC = HPCAuto
	}
	if cfg.Prune == "" {
		cfg.Prune = "never"
	}

	switch cfg.HPC {
	case HPCAuto, HPCAlways, HPCNever:
	default:
		return cfg, fmt.Errorf("hpc: must be one of auto, always, never (got %q)", cfg.HPC)
	}

	switch cfg.Prune {
	case "never", "always", "on_failure":
	default:
		return cfg, fmt.Errorf("prune: must be one of never, always, on_failure (got %q)", cfg.Prune)
	}

	if cfg.MaxParallel < 1 {
		return cfg, fmt.Errorf("max_parallel: must be at least 1 (got %d)", cfg.MaxParallel)
	}

	return cfg, nil
}

// Save writes the effective configuration as YAML, recording exactly what a
// run was executed with.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding project config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

// DBPath is the registry database location.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "vct.db") }

// OutputDir receives one directory per Run.
func (c Config) OutputDir() string { return filepath.Join(c.DataDir, "outputs") }

// BuildDir receives the uniquely-named scratch build trees.
func (c Config) BuildDir() string { return filepath.Join(c.DataDir, "build") }

// JobSpec is a job request file: which inputs to run, how many replicates,
// and optionally a list of variation tuples forming a parameter sweep.
type JobSpec struct {
	// Inputs maps slot names to registered folder names.
	Inputs map[string]string `yaml:"inputs"`

	Replicates  int   `yaml:"replicates"`
	UsePrevious *bool `yaml:"use_previous,omitempty"`

	// Variations lists per-slot variation indices, one entry per
	// ReplicateGroup. Empty means a single group at the base variation.
	Variations []map[string]int `yaml:"variations,omitempty"`
}

// LoadJobSpec loads and validates a job request file.
func LoadJobSpec(path string) (JobSpec, error) {
	var spec JobSpec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("reading job spec: %w", err)
	}

	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parsing job spec: %w", err)
	}

	if len(spec.Inputs) == 0 {
		return spec, fmt.Errorf("job spec: inputs are required")
	}
	if spec.Replicates == 0 {
		spec.Replicates = 1
	}
	if spec.Replicates < 0 {
		return spec, fmt.Errorf("job spec: replicates must be positive (got %d)", spec.Replicates)
	}

	return spec, nil
}

// UsePreviousOrDefault returns the use_previous setting, defaulting to true.
func (j JobSpec) UsePreviousOrDefault() bool {
	if j.UsePrevious == nil {
		return true
	}
	return *j.UsePrevious
}
