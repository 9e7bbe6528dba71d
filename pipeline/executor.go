package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/sampling"
	"github.com/grailbio/depthsim/state"
	"github.com/grailbio/depthsim/util"
)

// Executor runs single stage instances. A stage whose marker is set is a
// no-op. Otherwise the stage checks its prerequisites, does its work,
// verifies its outputs, and sets its marker last; a failed stage leaves
// the marker unset so that a retry starts over.
type Executor struct {
	Config *Config
	Store  state.Store
	Tool   Tool
}

// Run executes the stage instance named by key.
func (e *Executor) Run(ctx context.Context, key state.Key) error {
	st, err := e.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if st == state.Done {
		log.Printf("%s: already done", key)
		return nil
	}
	log.Printf("%s: running", key)
	start := time.Now()
	if err := e.run(ctx, key); err != nil {
		log.Error.Printf("%s: failed after %s: %v", key, time.Since(start), err)
		return errors.E(err, key.String())
	}
	if err := e.Store.MarkDone(ctx, key); err != nil {
		return errors.E(err, "mark", key.String(), "done")
	}
	log.Printf("%s: done in %s", key, time.Since(start))
	return nil
}

func (e *Executor) run(ctx context.Context, key state.Key) error {
	if key.Stage.Kind == state.Aggregate {
		return e.aggregate(ctx)
	}
	if key.Run == state.AggregateRun {
		return errors.E(errors.Invalid, fmt.Sprintf("stage %s is not a per-run stage", key.Stage))
	}
	g, err := e.loadGrid(ctx)
	if err != nil {
		return err
	}
	run, ok := g.Lookup(key.Run)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("run %s not found in grid %s", key.Run, g.Path))
	}
	switch key.Stage.Kind {
	case state.Process:
		return e.process(ctx, run, key.Stage.Sublib)
	case state.Combine:
		return e.combine(ctx, run)
	case state.Score:
		return e.score(ctx, g, run)
	}
	return errors.E(errors.Invalid, fmt.Sprintf("unknown stage %s", key.Stage))
}

func (e *Executor) loadGrid(ctx context.Context) (*grid.Grid, error) {
	if err := requireFile(ctx, "grid file", e.Config.Grid); err != nil {
		return nil, err
	}
	return grid.Load(ctx, e.Config.Grid)
}

func (e *Executor) process(ctx context.Context, run grid.Run, sublib int) error {
	c, l := e.Config, e.Config.Layout()
	if sublib < 0 || sublib >= state.NumSublibraries {
		return errors.E(errors.Invalid, fmt.Sprintf("sublibrary %d out of range", sublib))
	}
	if err := requireFile(ctx, "sublibrary source file", c.Sources); err != nil {
		return err
	}
	srcs, err := grid.LoadSources(ctx, c.Sources, c.Root)
	if err != nil {
		return err
	}
	src, err := srcs.Get(sublib)
	if err != nil {
		return errors.E(err, c.Sources)
	}
	if err := requireFile(ctx, "R1 source FASTQ", src.FQ1); err != nil {
		return err
	}
	if err := requireFile(ctx, "R2 source FASTQ", src.FQ2); err != nil {
		return err
	}
	if err := requireDir(ctx, "genome directory", c.GenomeDir); err != nil {
		return err
	}
	if err := requireFile(ctx, "sample map", c.SampleMap); err != nil {
		return err
	}

	if err := util.MkdirAll(l.RunDir(run.ID)); err != nil {
		return errors.E(err, "create run directory", l.RunDir(run.ID))
	}
	if err := grid.WriteManifest(ctx, l.Manifest(run.ID), run); err != nil {
		return err
	}
	md := grid.NewMetadata(run, state.ProcessStage(sublib).String(), e.Tool.Version(ctx))
	if err := grid.WriteMetadata(ctx, l.Metadata(run.ID), md); err != nil {
		return err
	}

	out1, out2 := l.Inputs(run.ID, sublib)
	record := l.SamplingRecord(run.ID, sublib)
	v, err := sampling.Check(ctx, sampling.Expect{
		Record:   record,
		Out1:     out1,
		Out2:     out2,
		FQ1:      src.FQ1,
		FQ2:      src.FQ2,
		Fraction: run.Fraction,
		Seed:     run.Seed,
		Strict:   c.Strict(),
	})
	if err != nil {
		return err
	}
	if v.Fresh {
		log.Printf("%s: reusing sampling record %s (%d pairs)", run.ID, record, v.Record.SampledPairs)
	} else {
		if err := v.Clean(ctx); err != nil {
			return err
		}
		if _, err := sampling.Subsample(ctx, sampling.Request{
			FQ1:         src.FQ1,
			FQ2:         src.FQ2,
			Out1:        out1,
			Out2:        out2,
			Record:      record,
			Fraction:    run.Fraction,
			Seed:        run.Seed,
			CheckPrefix: c.CheckPrefix,
			Passthrough: run.IsReference && run.Fraction == 1 && c.Passthrough(),
		}); err != nil {
			return err
		}
	}

	outDir := l.SublibDir(run.ID, sublib)
	if err := e.Tool.Process(ctx, ProcessArgs{
		Run:       run,
		Sublib:    sublib,
		FQ1:       out1,
		FQ2:       out2,
		GenomeDir: c.GenomeDir,
		SampleMap: c.SampleMap,
		OutDir:    outDir,
	}); err != nil {
		return err
	}
	return requireOutput(ctx, "processing report", l.ReportPath(outDir))
}

func (e *Executor) combine(ctx context.Context, run grid.Run) error {
	l := e.Config.Layout()
	dirs := make([]string, state.NumSublibraries)
	for i := range dirs {
		dirs[i] = l.SublibDir(run.ID, i)
		if err := requireDir(ctx, fmt.Sprintf("sublibrary %d output", i), dirs[i]); err != nil {
			return err
		}
	}
	outDir := l.CombinedDir(run.ID)
	if err := e.Tool.Combine(ctx, CombineArgs{Run: run, Sublib0: dirs[0], Sublib1: dirs[1], OutDir: outDir}); err != nil {
		return err
	}
	return requireOutput(ctx, "combined report", l.ReportPath(outDir))
}

func (e *Executor) score(ctx context.Context, g *grid.Grid, run grid.Run) error {
	l := e.Config.Layout()
	ref := g.Reference()
	if err := requireFile(ctx, "combined report", l.ReportPath(l.CombinedDir(run.ID))); err != nil {
		return err
	}
	if err := requireFile(ctx, "reference combined report", l.ReportPath(l.CombinedDir(ref.ID))); err != nil {
		return err
	}
	if err := requireDir(ctx, "sampling directory", l.SamplingDir(run.ID)); err != nil {
		return err
	}
	if err := e.Tool.Score(ctx, ScoreArgs{
		Run:          run,
		CombinedDir:  l.CombinedDir(run.ID),
		ReferenceDir: l.CombinedDir(ref.ID),
		SamplingDir:  l.SamplingDir(run.ID),
		Output:       l.ScoreMetrics(run.ID),
	}); err != nil {
		return err
	}
	return requireOutput(ctx, "score metrics", l.ScoreMetrics(run.ID))
}

func (e *Executor) aggregate(ctx context.Context) error {
	c, l := e.Config, e.Config.Layout()
	if err := requireFile(ctx, "grid file", c.Grid); err != nil {
		return err
	}
	if err := util.MkdirAll(c.ResultsDir); err != nil {
		return errors.E(err, "create results directory", c.ResultsDir)
	}
	if err := e.Tool.Aggregate(ctx, AggregateArgs{
		Grid:        c.Grid,
		RunsDir:     c.RunsDir,
		PerRunOut:   l.PerRunMetrics(),
		CurveOut:    l.Curve(),
		MainFigure:  l.MainFigure(),
		ClassFigure: l.ClassFigure(),
	}); err != nil {
		return err
	}
	return requireOutput(ctx, "per-run metrics", l.PerRunMetrics())
}

// requireFile fails with errors.NotExist unless path exists.
func requireFile(ctx context.Context, what, path string) error {
	if path == "" {
		return errors.E(errors.Invalid, what+" is not configured")
	}
	ok, err := util.Exists(ctx, path)
	if err != nil {
		return errors.E(err, "stat", what, path)
	}
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("missing %s: %s", what, path))
	}
	return nil
}

// requireDir fails with errors.NotExist unless path is a directory.
func requireDir(ctx context.Context, what, path string) error {
	if path == "" {
		return errors.E(errors.Invalid, what+" is not configured")
	}
	ok, err := util.DirExists(ctx, path)
	if err != nil {
		return errors.E(err, "stat", what, path)
	}
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("missing %s: %s", what, path))
	}
	return nil
}

// requireOutput is requireFile for artifacts a tool should have produced.
func requireOutput(ctx context.Context, what, path string) error {
	if err := requireFile(ctx, what, path); err != nil {
		return errors.E(err, "tool finished without writing its output")
	}
	return nil
}
