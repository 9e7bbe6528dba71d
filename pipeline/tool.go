package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/grid"
)

// ProcessArgs are the inputs of one sublibrary processing call.
type ProcessArgs struct {
	Run       grid.Run
	Sublib    int
	FQ1, FQ2  string
	GenomeDir string
	SampleMap string
	OutDir    string
}

// CombineArgs are the inputs of one combine call.
type CombineArgs struct {
	Run              grid.Run
	Sublib0, Sublib1 string
	OutDir           string
}

// ScoreArgs are the inputs of one scoring call.
type ScoreArgs struct {
	Run          grid.Run
	CombinedDir  string
	ReferenceDir string
	SamplingDir  string
	Output       string
}

// AggregateArgs are the inputs of the aggregation call.
type AggregateArgs struct {
	Grid        string
	RunsDir     string
	PerRunOut   string
	CurveOut    string
	MainFigure  string
	ClassFigure string
}

// Tool is the external analysis toolchain.
type Tool interface {
	Process(ctx context.Context, args ProcessArgs) error
	Combine(ctx context.Context, args CombineArgs) error
	Score(ctx context.Context, args ScoreArgs) error
	Aggregate(ctx context.Context, args AggregateArgs) error
	// Version describes the toolchain for provenance records.
	Version(ctx context.Context) string
}

// ToolConfig holds one argv template per tool call. Each element is a
// text/template executed with the call's argument struct, e.g.
// "{{.FQ1}}" for ProcessArgs.
type ToolConfig struct {
	Process   []string `yaml:"process"`
	Combine   []string `yaml:"combine"`
	Score     []string `yaml:"score"`
	Aggregate []string `yaml:"aggregate"`
	Version   []string `yaml:"version"`
}

func (c *ToolConfig) setDefaults() {
	if len(c.Process) == 0 {
		c.Process = []string{"split-pipe", "--mode", "all",
			"--fq1", "{{.FQ1}}", "--fq2", "{{.FQ2}}",
			"--genome_dir", "{{.GenomeDir}}", "--samp_sltab", "{{.SampleMap}}",
			"--output_dir", "{{.OutDir}}"}
	}
	if len(c.Combine) == 0 {
		c.Combine = []string{"split-pipe", "--mode", "comb",
			"--sublibraries", "{{.Sublib0}}", "{{.Sublib1}}",
			"--output_dir", "{{.OutDir}}"}
	}
	if len(c.Score) == 0 {
		c.Score = []string{"python", "scripts/score_identity.py",
			"--run-id", "{{.Run.ID}}", "--fraction", "{{.Run.Fraction}}", "--replicate", "{{.Run.Replicate}}",
			"--run-dir", "{{.CombinedDir}}", "--reference-run-dir", "{{.ReferenceDir}}",
			"--sampling-dir", "{{.SamplingDir}}", "--output-tsv", "{{.Output}}"}
	}
	if len(c.Aggregate) == 0 {
		c.Aggregate = []string{"python", "scripts/aggregate_metrics.py",
			"--grid", "{{.Grid}}", "--runs-dir", "{{.RunsDir}}",
			"--per-run-out", "{{.PerRunOut}}", "--curve-out", "{{.CurveOut}}",
			"--main-fig", "{{.MainFigure}}", "--class-fig", "{{.ClassFigure}}"}
	}
	if len(c.Version) == 0 {
		c.Version = []string{"split-pipe", "--version"}
	}
}

// ExecTool runs each tool call as a subprocess in Dir.
type ExecTool struct {
	Dir string

	process, combine, score, aggregate, version []*template.Template
}

// NewExecTool parses the argv templates in c.
func NewExecTool(c ToolConfig, dir string) (*ExecTool, error) {
	c.setDefaults()
	t := &ExecTool{Dir: dir}
	for _, p := range []struct {
		name string
		argv []string
		dst  *[]*template.Template
	}{
		{"process", c.Process, &t.process},
		{"combine", c.Combine, &t.combine},
		{"score", c.Score, &t.score},
		{"aggregate", c.Aggregate, &t.aggregate},
		{"version", c.Version, &t.version},
	} {
		for i, arg := range p.argv {
			tmpl, err := template.New(fmt.Sprintf("%s[%d]", p.name, i)).Option("missingkey=error").Parse(arg)
			if err != nil {
				return nil, errors.E(errors.Invalid, err, "tools."+p.name)
			}
			*p.dst = append(*p.dst, tmpl)
		}
	}
	return t, nil
}

// Process implements Tool.
func (t *ExecTool) Process(ctx context.Context, args ProcessArgs) error {
	return t.run(ctx, t.process, args)
}

// Combine implements Tool.
func (t *ExecTool) Combine(ctx context.Context, args CombineArgs) error {
	return t.run(ctx, t.combine, args)
}

// Score implements Tool.
func (t *ExecTool) Score(ctx context.Context, args ScoreArgs) error {
	return t.run(ctx, t.score, args)
}

// Aggregate implements Tool.
func (t *ExecTool) Aggregate(ctx context.Context, args AggregateArgs) error {
	return t.run(ctx, t.aggregate, args)
}

// Version implements Tool. It returns the first line of the version
// command's output, or "unknown".
func (t *ExecTool) Version(ctx context.Context) string {
	argv, err := render(t.version, nil)
	if err != nil || len(argv) == 0 {
		return "unknown"
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "unknown"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

func render(tmpls []*template.Template, data interface{}) ([]string, error) {
	argv := make([]string, len(tmpls))
	var b strings.Builder
	for i, tmpl := range tmpls {
		b.Reset()
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, err
		}
		argv[i] = b.String()
	}
	return argv, nil
}

// stderrTail bounds the standard error kept for error messages.
const stderrTail = 4 << 10

func (t *ExecTool) run(ctx context.Context, tmpls []*template.Template, data interface{}) error {
	argv, err := render(tmpls, data)
	if err != nil {
		return errors.E(errors.Invalid, err, "render tool command")
	}
	if len(argv) == 0 {
		return errors.E(errors.Invalid, "empty tool command")
	}
	log.Printf("exec: %s", strings.Join(argv, " "))
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
	if err := cmd.Run(); err != nil {
		msg := stderr.Bytes()
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return errors.E(err, fmt.Sprintf("%s: %s", argv[0], strings.TrimSpace(string(msg))))
	}
	return nil
}
