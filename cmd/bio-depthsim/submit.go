package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/pipeline"
	"github.com/grailbio/depthsim/schedule"
	"github.com/grailbio/depthsim/state"
	"v.io/x/lib/cmdline"
)

const passIDEnv = "DEPTHSIM_PASS_ID"

func configFlag(cmd *cmdline.Command) *string {
	return cmd.Flags.String("config", "depthsim.yaml", "Pipeline configuration file")
}

// project bundles what every pipeline command loads.
type project struct {
	config *pipeline.Config
	grid   *grid.Grid
	store  state.Store
}

func loadProject(ctx context.Context, path string) (*project, error) {
	c, err := pipeline.LoadConfig(ctx, path)
	if err != nil {
		return nil, err
	}
	g, err := grid.Load(ctx, c.Grid)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(c.State, c.RunsDir, c.ResultsDir)
	if err != nil {
		return nil, err
	}
	return &project{config: c, grid: g, store: store}, nil
}

func (p *project) executor() (*pipeline.Executor, error) {
	tool, err := pipeline.NewExecTool(p.config.Tools, p.config.Root)
	if err != nil {
		return nil, err
	}
	return &pipeline.Executor{Config: p.config, Store: p.store, Tool: tool}, nil
}

func newCmdSubmit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "submit",
		Short: `Submit every unfinished stage of the grid.
With the slurm scheduler, submit returns once the jobs are queued. With the
local scheduler, it runs them and returns when they finish.`,
	}
	config := configFlag(cmd)
	force := cmd.Flags.Bool("force", false, "Clear every completion marker and resubmit all stages")
	parallelism := cmd.Flags.Int("parallelism", 0, "Local scheduler parallelism; 0 = runtime.NumCPU()")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("submit takes no arguments, but got %v", argv)
		}
		return submit(context.Background(), env.Stdout, *config, *force, *parallelism)
	})
	return cmd
}

func submit(ctx context.Context, out io.Writer, config string, force bool, parallelism int) error {
	if os.Getenv(passIDEnv) == "" {
		// Stages of this pass, local or on cluster nodes, share the id.
		if err := os.Setenv(passIDEnv, uuid.NewString()); err != nil {
			return err
		}
	}
	p, err := loadProject(ctx, config)
	if err != nil {
		return err
	}
	c := p.config
	var (
		sched schedule.Scheduler
		local *schedule.Local
	)
	switch c.Scheduler {
	case pipeline.SchedulerSlurm:
		sched = &schedule.Slurm{
			Config: c.Slurm,
			Command: func(k state.Key) []string {
				return c.StageCommand(k.Run, k.Stage.String())
			},
		}
	case pipeline.SchedulerLocal:
		exec, err := p.executor()
		if err != nil {
			return err
		}
		local = schedule.NewLocal(exec.Run)
		local.Parallelism = parallelism
		sched = local
	}
	log.Printf("submit: pass %s, %d runs, scheduler %s", os.Getenv(passIDEnv), len(p.grid.Runs), c.Scheduler)
	b := &pipeline.Builder{Layout: c.Layout(), Store: p.store, Scheduler: sched, Force: force}
	plan, err := b.Build(ctx, p.grid)
	if err != nil {
		return err
	}
	printPlan(out, plan)
	if local == nil {
		return nil
	}
	outcomes, err := local.Wait(ctx)
	printOutcomes(out, outcomes)
	return err
}

func printPlan(out io.Writer, plan *pipeline.Plan) {
	for _, id := range plan.Order {
		rp := plan.Runs[id]
		if rp.AlreadyDone {
			fmt.Fprintf(out, "%s\talready done\n", id)
			continue
		}
		fmt.Fprintf(out, "%s", id)
		for _, r := range append(append([]pipeline.Ref(nil), rp.Process...), rp.Combine, rp.Score) {
			h := string(r.Handle)
			if r.Satisfied() {
				h = "done"
			}
			fmt.Fprintf(out, "\t%s=%s", r.Key.Stage, h)
		}
		fmt.Fprintln(out)
	}
	if plan.Aggregate.Satisfied() {
		fmt.Fprintf(out, "aggregate\tdone\n")
	} else {
		fmt.Fprintf(out, "aggregate\t%s\n", plan.Aggregate.Handle)
	}
	fmt.Fprintf(out, "%d jobs submitted\n", plan.Submitted())
}

func printOutcomes(out io.Writer, outcomes map[schedule.Handle]schedule.Outcome) {
	names := make([]string, 0, len(outcomes))
	byName := map[string]schedule.Outcome{}
	for _, o := range outcomes {
		names = append(names, o.Job.Name)
		byName[o.Job.Name] = o
	}
	sort.Strings(names)
	for _, name := range names {
		o := byName[name]
		if o.Err != nil {
			fmt.Fprintf(out, "%s\t%s\t%v\n", name, o.Status, o.Err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", name, o.Status)
	}
}

func newCmdStage() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "stage",
		Short:    "Execute one stage of one run",
		ArgsName: "run stage",
		ArgsLong: `run is a grid run id, or _aggregate for the aggregate stage.
stage is one of process_sublib0, process_sublib1, combine, score, aggregate.`,
	}
	config := configFlag(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("stage takes run and stage, but got %v", argv)
		}
		stage, err := state.ParseStage(argv[1])
		if err != nil {
			return err
		}
		key := state.Key{Run: argv[0], Stage: stage}
		if (stage.Kind == state.Aggregate) != (key.Run == state.AggregateRun) {
			return errors.E(errors.Invalid, fmt.Sprintf("stage %s cannot run for %s", stage, key.Run))
		}
		ctx := context.Background()
		p, err := loadProject(ctx, *config)
		if err != nil {
			return err
		}
		exec, err := p.executor()
		if err != nil {
			return err
		}
		return exec.Run(ctx, key)
	})
	return cmd
}

func newCmdValidate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "validate",
		Short: "Check the outputs of a completed pass",
	}
	config := configFlag(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("validate takes no arguments, but got %v", argv)
		}
		ctx := context.Background()
		p, err := loadProject(ctx, *config)
		if err != nil {
			return err
		}
		v, err := pipeline.Validate(ctx, p.config, p.grid)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "runs\t%d\nsampling records\t%d\nreference corr\t%.4f\n", v.Runs, v.SamplingChecks, v.ReferenceCorr)
		if v.LowDepthRuns > 0 {
			fmt.Fprintf(env.Stdout, "low-depth corr\t%.4f (%d runs)\n", v.LowDepthCorr, v.LowDepthRuns)
		}
		fmt.Fprintln(env.Stdout, "validation passed")
		return nil
	})
	return cmd
}
