// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package schedule submits pipeline stages to a batch scheduler.
//
// A scheduler accepts a Job, which names one stage instance and the
// handles of the jobs it must wait for, and returns an opaque Handle. A
// job runs only after every job in its After list has succeeded; if any of
// them fails, the job never runs.
package schedule

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/depthsim/state"
)

// Handle identifies a submitted job. The empty handle is never returned
// by a scheduler.
type Handle string

// Job is one stage instance to be scheduled.
type Job struct {
	// Name is a short human-readable job name.
	Name string
	// Key is the stage instance the job executes.
	Key state.Key
	// After lists the jobs that must succeed before this one starts.
	After []Handle
}

// Scheduler submits jobs.
type Scheduler interface {
	Submit(ctx context.Context, job Job) (Handle, error)
}

// Live returns the non-empty handles among hs, without duplicates.
func Live(hs ...Handle) []Handle {
	var live []Handle
	seen := map[Handle]bool{}
	for _, h := range hs {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		live = append(live, h)
	}
	return live
}

// Runner runs an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. A failed command's error carries
// its standard error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return nil, errors.E(err, name, msg)
	}
	return stdout.Bytes(), nil
}
