package pipeline

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/schedule"
	"github.com/grailbio/depthsim/state"
	"github.com/grailbio/depthsim/util"
)

// Ref refers to one stage instance in a plan. An empty Handle means that
// the stage was already complete before the plan was built: the
// dependency is satisfied, and dependents do not wait on it.
type Ref struct {
	Key    state.Key
	Handle schedule.Handle
}

// Satisfied reports whether the stage needed no submission.
func (r Ref) Satisfied() bool { return r.Handle == "" }

// RunPlan is the stage graph of one run.
type RunPlan struct {
	Run grid.Run
	// AlreadyDone is set when the run's score marker was set and nothing
	// was submitted for the run.
	AlreadyDone bool
	Process     []Ref
	Combine     Ref
	Score       Ref
}

// Plan is the result of one orchestration pass.
type Plan struct {
	// Runs maps run id to its stage graph.
	Runs map[string]*RunPlan
	// Order lists run ids in planning order; the reference run is first.
	Order []string
	// Reference is the reference run id.
	Reference string
	Aggregate Ref
}

// Submitted returns the number of submitted jobs.
func (p *Plan) Submitted() int {
	n := 0
	count := func(r Ref) {
		if !r.Satisfied() {
			n++
		}
	}
	for _, rp := range p.Runs {
		for _, r := range rp.Process {
			count(r)
		}
		count(rp.Combine)
		count(rp.Score)
	}
	count(p.Aggregate)
	return n
}

// Builder expands a grid into stage jobs and submits them.
type Builder struct {
	Layout    Layout
	Store     state.Store
	Scheduler schedule.Scheduler
	// Force clears every run's markers and resubmits all stages.
	Force bool
}

// Build plans and submits every run of g, then the aggregate stage.
//
// Each run's graph is process(i) for every sublibrary, then combine after
// all of them, then score after combine and, for non-reference runs, after
// the reference run's combine. Stages whose marker is already set are not
// submitted. The reference run is planned first so that every other run
// can depend on its combine stage. When that stage completed in an earlier
// pass, its combined report must still exist on disk.
func (b *Builder) Build(ctx context.Context, g *grid.Grid) (*Plan, error) {
	ref := g.Reference()
	plan := &Plan{Runs: map[string]*RunPlan{}, Reference: ref.ID}
	runs := []grid.Run{ref}
	for _, r := range g.Runs {
		if r.ID != ref.ID {
			runs = append(runs, r)
		}
	}
	var refCombine Ref
	for _, r := range runs {
		if r.ID != ref.ID {
			refCombine = plan.Runs[ref.ID].Combine
		}
		rp, err := b.planRun(ctx, r, refCombine)
		if err != nil {
			return nil, err
		}
		if r.ID == ref.ID && rp.Combine.Satisfied() {
			report := b.Layout.ReportPath(b.Layout.CombinedDir(ref.ID))
			ok, err := util.Exists(ctx, report)
			if err != nil {
				return nil, errors.E(err, "stat", report)
			}
			if !ok {
				return nil, errors.E(errors.Precondition,
					fmt.Sprintf("reference run %s is marked combined but its report %s is missing; clear its markers or resubmit with -force", ref.ID, report))
			}
		}
		plan.Runs[r.ID] = rp
		plan.Order = append(plan.Order, r.ID)
	}

	var scores []schedule.Handle
	for _, id := range plan.Order {
		scores = append(scores, plan.Runs[id].Score.Handle)
	}
	aggKey := state.Key{Run: state.AggregateRun, Stage: state.AggregateStage}
	if b.Force || len(schedule.Live(scores...)) > 0 {
		if err := b.Store.Clear(ctx, aggKey); err != nil {
			return nil, err
		}
	}
	var err error
	if plan.Aggregate, err = b.stage(ctx, aggKey, scores...); err != nil {
		return nil, err
	}
	log.Printf("plan: %d runs, %d jobs submitted", len(plan.Order), plan.Submitted())
	return plan, nil
}

func (b *Builder) planRun(ctx context.Context, run grid.Run, refCombine Ref) (*RunPlan, error) {
	rp := &RunPlan{Run: run}
	keys := state.RunKeys(run.ID)
	if b.Force {
		for _, k := range keys {
			if err := b.Store.Clear(ctx, k); err != nil {
				return nil, err
			}
		}
	}
	scoreKey := state.Key{Run: run.ID, Stage: state.ScoreStage}
	st, err := b.Store.Get(ctx, scoreKey)
	if err != nil {
		return nil, err
	}
	if st == state.Done {
		rp.AlreadyDone = true
		for i := 0; i < state.NumSublibraries; i++ {
			rp.Process = append(rp.Process, Ref{Key: state.Key{Run: run.ID, Stage: state.ProcessStage(i)}})
		}
		rp.Combine = Ref{Key: state.Key{Run: run.ID, Stage: state.CombineStage}}
		rp.Score = Ref{Key: scoreKey}
		log.Printf("plan: %s already done", run.ID)
		return rp, nil
	}

	var procs []schedule.Handle
	for i := 0; i < state.NumSublibraries; i++ {
		r, err := b.stage(ctx, state.Key{Run: run.ID, Stage: state.ProcessStage(i)})
		if err != nil {
			return nil, err
		}
		rp.Process = append(rp.Process, r)
		procs = append(procs, r.Handle)
	}
	if rp.Combine, err = b.stage(ctx, state.Key{Run: run.ID, Stage: state.CombineStage}, procs...); err != nil {
		return nil, err
	}
	after := []schedule.Handle{rp.Combine.Handle}
	if !run.IsReference {
		after = append(after, refCombine.Handle)
	}
	if rp.Score, err = b.stage(ctx, scoreKey, after...); err != nil {
		return nil, err
	}
	return rp, nil
}

// stage submits key after the live handles among after, unless its marker
// is already set.
func (b *Builder) stage(ctx context.Context, key state.Key, after ...schedule.Handle) (Ref, error) {
	st, err := b.Store.Get(ctx, key)
	if err != nil {
		return Ref{}, err
	}
	if st == state.Done {
		return Ref{Key: key}, nil
	}
	h, err := b.Scheduler.Submit(ctx, schedule.Job{Name: jobName(key), Key: key, After: schedule.Live(after...)})
	if err != nil {
		return Ref{}, err
	}
	return Ref{Key: key, Handle: h}, nil
}

func jobName(key state.Key) string {
	if key.Run == state.AggregateRun {
		return key.Stage.String()
	}
	return key.Run + "." + key.Stage.String()
}
