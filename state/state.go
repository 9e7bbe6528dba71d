// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package state records which pipeline stages have completed.
//
// Completion is the only persisted stage state. A stage is Pending until
// its marker is set, and Done afterwards; failures are never recorded, so a
// retried stage starts again from Pending. Markers are set only by the
// stage itself, after its outputs are durable, and cleared only by an
// operator or a forced resubmission.
package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// NumSublibraries is the number of independently processed sublibraries
// in one run.
const NumSublibraries = 2

// AggregateRun is the run name under which the graph-wide aggregate stage
// is recorded.
const AggregateRun = "_aggregate"

// Kind enumerates the stage kinds.
type Kind int

const (
	// Process subsamples and processes one sublibrary.
	Process Kind = iota
	// Combine merges the two processed sublibraries of a run.
	Combine
	// Score scores a run's combined output against the reference run.
	Score
	// Aggregate summarizes every scored run.
	Aggregate
)

var kindNames = []string{"process", "combine", "score", "aggregate"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Stage identifies one unit of work within a run. Sublib is meaningful
// only for Process.
type Stage struct {
	Kind   Kind
	Sublib int
}

// Stages that exist once per run (or once per graph, for Aggregate).
var (
	CombineStage   = Stage{Kind: Combine}
	ScoreStage     = Stage{Kind: Score}
	AggregateStage = Stage{Kind: Aggregate}
)

// ProcessStage returns the process stage of the given sublibrary.
func ProcessStage(sublib int) Stage {
	return Stage{Kind: Process, Sublib: sublib}
}

// String returns the stage name, e.g. "process_sublib1" or "combine".
func (s Stage) String() string {
	if s.Kind == Process {
		return "process_sublib" + strconv.Itoa(s.Sublib)
	}
	return s.Kind.String()
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	if rest := strings.TrimPrefix(name, "process_sublib"); rest != name {
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 || i >= NumSublibraries {
			return Stage{}, errors.E(errors.Invalid, fmt.Sprintf("invalid sublibrary in stage %q", name))
		}
		return ProcessStage(i), nil
	}
	for k, n := range kindNames {
		if n == name && Kind(k) != Process {
			return Stage{Kind: Kind(k)}, nil
		}
	}
	return Stage{}, errors.E(errors.Invalid, fmt.Sprintf("unknown stage %q", name))
}

// Key names one stage instance of one run.
type Key struct {
	Run   string
	Stage Stage
}

func (k Key) String() string {
	return k.Run + "/" + k.Stage.String()
}

// State is the persisted state of a stage instance.
type State int

const (
	// Pending means the stage has not completed.
	Pending State = iota
	// Done means the stage completed and its outputs are durable.
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "pending"
}

// Store persists stage completion. Implementations must be safe for
// concurrent use by stages of different keys.
type Store interface {
	// Get returns the state of key.
	Get(ctx context.Context, key Key) (State, error)
	// MarkDone records that key completed.
	MarkDone(ctx context.Context, key Key) error
	// Clear returns key to Pending. Clearing a pending key is a no-op.
	Clear(ctx context.Context, key Key) error
}

// RunKeys returns every per-run stage key of run, in dependency order.
func RunKeys(run string) []Key {
	keys := make([]Key, 0, NumSublibraries+2)
	for i := 0; i < NumSublibraries; i++ {
		keys = append(keys, Key{run, ProcessStage(i)})
	}
	return append(keys, Key{run, CombineStage}, Key{run, ScoreStage})
}
