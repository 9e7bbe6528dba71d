package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/depthsim/encoding/fastq"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/sampling"
	"v.io/x/lib/cmdline"
)

func newCmdSubsample() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "subsample",
		Short: `Subsample one pair of FASTQ files.
Each read pair is kept independently with probability fraction, decided by a
hash of the seed and the pair's index. Outputs ending in .gz are gzipped.
A sampling record describing the result is written last.`,
	}
	var req sampling.Request
	cmd.Flags.StringVar(&req.FQ1, "fq1", "", "R1 input FASTQ, optionally gzipped")
	cmd.Flags.StringVar(&req.FQ2, "fq2", "", "R2 input FASTQ, optionally gzipped")
	cmd.Flags.StringVar(&req.Out1, "out1", "", "R1 output FASTQ")
	cmd.Flags.StringVar(&req.Out2, "out2", "", "R2 output FASTQ")
	cmd.Flags.StringVar(&req.Record, "record", "", "Sampling record output TSV")
	cmd.Flags.Float64Var(&req.Fraction, "fraction", 1, "Fraction of read pairs to keep, in (0, 1]")
	cmd.Flags.Int64Var(&req.Seed, "seed", 0, "Sampling seed")
	cmd.Flags.Int64Var(&req.CheckPrefix, "check-prefix", fastq.DefaultCheckPrefix,
		"Number of leading pairs whose R1 and R2 read ids must agree; negative disables the check")
	cmd.Flags.BoolVar(&req.Passthrough, "passthrough", false, "Copy the inputs unchanged while validating them; requires -fraction=1")
	cmd.Flags.BoolVar(&req.Overwrite, "overwrite", false, "Replace an existing sampling record")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("subsample takes no arguments, but got %v", argv)
		}
		for _, f := range []struct{ name, v string }{
			{"fq1", req.FQ1}, {"fq2", req.FQ2}, {"out1", req.Out1}, {"out2", req.Out2}, {"record", req.Record},
		} {
			if f.v == "" {
				return env.UsageErrorf("-%s is required", f.name)
			}
		}
		rec, err := sampling.Subsample(context.Background(), req)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "total_pair_count\t%d\nsampled_pair_count\t%d\nrealized_fraction\t%.6f\nsampled_checksum\t%016x\n",
			rec.TotalPairs, rec.SampledPairs, rec.RealizedFraction, rec.Checksum)
		return nil
	})
	return cmd
}

func newCmdGrid() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "grid",
		Short:    "Write the default experiment grid",
		ArgsName: "path",
		ArgsLong: fmt.Sprintf(`path is the grid file to write. The default grid has %d replicates of
each non-reference fraction plus the full-depth reference run %s.`, grid.DefaultReplicates, grid.ReferenceID),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("grid takes one pathname argument, but got %v", argv)
		}
		runs := grid.Default()
		if err := grid.Write(context.Background(), argv[0], runs); err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "wrote %d runs to %s\n", len(runs), argv[0])
		return nil
	})
	return cmd
}
