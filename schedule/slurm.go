package schedule

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/state"
)

// Resources are the per-job resource requests passed to sbatch. Empty
// fields are left to the cluster defaults.
type Resources struct {
	CPUs int    `yaml:"cpus"`
	Mem  string `yaml:"mem"`
	Time string `yaml:"time"`
}

// SlurmConfig configures job submission with sbatch.
type SlurmConfig struct {
	// Sbatch is the sbatch executable. Defaults to "sbatch".
	Sbatch    string `yaml:"sbatch"`
	Partition string `yaml:"partition"`
	Account   string `yaml:"account"`
	// LogDir receives one <job name>.%j.log file per job, when set.
	LogDir string `yaml:"log_dir"`
	// Default applies to every stage kind not listed in Stages.
	Default Resources `yaml:"default"`
	// Stages overrides Default per stage kind ("process", "combine",
	// "score", "aggregate").
	Stages map[string]Resources `yaml:"stages"`
	// ExtraArgs are appended to every sbatch invocation.
	ExtraArgs []string `yaml:"extra_args"`
}

func (c SlurmConfig) resources(k state.Kind) Resources {
	r := c.Default
	o, ok := c.Stages[k.String()]
	if !ok {
		return r
	}
	if o.CPUs > 0 {
		r.CPUs = o.CPUs
	}
	if o.Mem != "" {
		r.Mem = o.Mem
	}
	if o.Time != "" {
		r.Time = o.Time
	}
	return r
}

// Slurm submits jobs with sbatch. Each job wraps the command returned by
// Command for the job's stage key.
type Slurm struct {
	Config SlurmConfig
	// Command returns the argv that executes one stage.
	Command func(state.Key) []string
	// Run runs sbatch. Defaults to ExecRunner.
	Run Runner
}

// Args returns the sbatch arguments for job.
func (s *Slurm) Args(job Job) []string {
	c := s.Config
	args := []string{"--parsable", "--job-name=" + job.Name}
	if c.Partition != "" {
		args = append(args, "--partition="+c.Partition)
	}
	if c.Account != "" {
		args = append(args, "--account="+c.Account)
	}
	r := c.resources(job.Key.Stage.Kind)
	if r.CPUs > 0 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(r.CPUs))
	}
	if r.Mem != "" {
		args = append(args, "--mem="+r.Mem)
	}
	if r.Time != "" {
		args = append(args, "--time="+r.Time)
	}
	if c.LogDir != "" {
		args = append(args, "--output="+filepath.Join(c.LogDir, job.Name+".%j.log"))
	}
	if after := Live(job.After...); len(after) > 0 {
		ids := make([]string, len(after))
		for i, h := range after {
			ids[i] = string(h)
		}
		args = append(args,
			"--dependency=afterok:"+strings.Join(ids, ":"),
			"--kill-on-invalid-dep=yes")
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "--wrap="+shellJoin(s.Command(job.Key)))
}

// Submit implements Scheduler.
func (s *Slurm) Submit(ctx context.Context, job Job) (Handle, error) {
	sbatch := s.Config.Sbatch
	if sbatch == "" {
		sbatch = "sbatch"
	}
	run := s.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, sbatch, s.Args(job)...)
	if err != nil {
		return "", errors.E(errors.Unavailable, err, "submit", job.Name)
	}
	h, err := parseJobID(out)
	if err != nil {
		return "", errors.E(err, "submit", job.Name)
	}
	log.Printf("slurm: submitted %s as %s after %v", job.Name, h, job.After)
	return h, nil
}

// parseJobID parses sbatch --parsable output, "<id>" or "<id>;<cluster>".
func parseJobID(out []byte) (Handle, error) {
	line := strings.TrimSpace(string(out))
	// sbatch may print warnings before the id.
	if i := strings.LastIndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[i+1:])
	}
	id := line
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", errors.E(errors.Invalid, fmt.Sprintf("unexpected sbatch output %q", line))
	}
	return Handle(id), nil
}

// shellJoin quotes args for sh.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, unsafeShellRune) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}
