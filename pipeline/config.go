// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pipeline expands an experiment grid into a stage graph, submits
// it to a scheduler, and executes individual stages.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/depthsim/encoding/fastq"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/schedule"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the configuration file.
const (
	EnvState     = "DEPTHSIM_STATE"
	EnvScheduler = "DEPTHSIM_SCHEDULER"
	EnvRunsDir   = "DEPTHSIM_RUNS_DIR"
)

// Scheduler names accepted in Config.Scheduler.
const (
	SchedulerSlurm = "slurm"
	SchedulerLocal = "local"
)

// DefaultReport is the summary report every tool invocation must leave in
// its output directory.
const DefaultReport = "all-sample_analysis_summary.html"

// Config is the pipeline configuration, usually read from YAML by
// LoadConfig. Relative paths are resolved against Root.
type Config struct {
	// Root is the project root. Defaults to the directory of the
	// configuration file.
	Root string `yaml:"root"`
	// Grid is the experiment grid file.
	Grid string `yaml:"grid"`
	// Sources is the sublibrary source file.
	Sources    string `yaml:"sources"`
	RunsDir    string `yaml:"runs_dir"`
	ResultsDir string `yaml:"results_dir"`
	GenomeDir  string `yaml:"genome_dir"`
	// SampleMap is the fixed well to condition map passed to the
	// processing tool.
	SampleMap string `yaml:"sample_map"`

	// CheckPrefix is the number of leading read pairs whose ids are
	// compared between R1 and R2. Negative disables the check.
	CheckPrefix int64 `yaml:"check_prefix"`
	// ReferencePassthrough copies the reference run's sources unchanged
	// rather than sampling them at fraction 1. Defaults to true.
	ReferencePassthrough *bool `yaml:"reference_passthrough"`
	// StrictStaleness treats a sampling record with a different fraction or
	// seed as stale. Defaults to true.
	StrictStaleness *bool `yaml:"strict_staleness"`
	// Report is the file name of the summary report expected in each
	// processing and combine output directory.
	Report string `yaml:"report"`

	Tools ToolConfig `yaml:"tools"`

	// Scheduler is "slurm" or "local".
	Scheduler string               `yaml:"scheduler"`
	Slurm     schedule.SlurmConfig `yaml:"slurm"`
	// State is the completion store URL; see state.Open.
	State string `yaml:"state"`
	// Command is the argv prefix that runs this program on a cluster
	// node. Defaults to the current executable.
	Command []string `yaml:"command"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
}

// LoadConfig reads the YAML configuration at path and calls Init.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "read configuration", path)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.E(errors.Invalid, err, "parse configuration", path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.Path = path
	if err := c.Init(filepath.Dir(path)); err != nil {
		return nil, errors.E(err, path)
	}
	return c, nil
}

// Init applies environment overrides and defaults, resolves relative paths
// against the project root (itself relative to dir), and validates c.
func (c *Config) Init(dir string) error {
	if v := os.Getenv(EnvState); v != "" {
		c.State = v
	}
	if v := os.Getenv(EnvScheduler); v != "" {
		c.Scheduler = v
	}
	if v := os.Getenv(EnvRunsDir); v != "" {
		c.RunsDir = v
	}
	setDefault(&c.Grid, "config/subsample_grid.tsv")
	setDefault(&c.Sources, "config/sublibrary_fastqs.tsv")
	setDefault(&c.RunsDir, "runs")
	setDefault(&c.ResultsDir, "results")
	setDefault(&c.Report, DefaultReport)
	setDefault(&c.Scheduler, SchedulerSlurm)
	if c.CheckPrefix == 0 {
		c.CheckPrefix = fastq.DefaultCheckPrefix
	}
	if len(c.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		c.Command = []string{exe}
	}
	c.Tools.setDefaults()

	var err error
	if c.Root, err = grid.Resolve(dir, firstNonEmpty(c.Root, ".")); err != nil {
		return err
	}
	for _, p := range []*string{&c.Grid, &c.Sources, &c.RunsDir, &c.ResultsDir, &c.GenomeDir, &c.SampleMap} {
		if *p == "" {
			continue
		}
		if *p, err = grid.Resolve(c.Root, *p); err != nil {
			return err
		}
	}
	switch c.Scheduler {
	case SchedulerSlurm, SchedulerLocal:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown scheduler %q", c.Scheduler))
	}
	if filepath.Base(c.Report) != c.Report {
		return errors.E(errors.Invalid, fmt.Sprintf("report %q must be a file name", c.Report))
	}
	return nil
}

// Passthrough reports whether the reference run's sources are copied
// unchanged.
func (c *Config) Passthrough() bool {
	return c.ReferencePassthrough == nil || *c.ReferencePassthrough
}

// Strict reports whether a fraction or seed change invalidates a cached
// sampling result.
func (c *Config) Strict() bool {
	return c.StrictStaleness == nil || *c.StrictStaleness
}

// Layout returns the on-disk layout of runs and results.
func (c *Config) Layout() Layout {
	return Layout{RunsDir: c.RunsDir, ResultsDir: c.ResultsDir, Report: c.Report}
}

// StageCommand returns the argv that executes one stage on a cluster node.
func (c *Config) StageCommand(run, stage string) []string {
	args := append([]string(nil), c.Command...)
	args = append(args, "stage")
	if c.Path != "" {
		args = append(args, "-config", c.Path)
	}
	return append(args, run, stage)
}

func setDefault(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
