package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/depthsim/schedule"
	"github.com/grailbio/depthsim/state"
	"github.com/grailbio/testutil/assert"
	"github.com/klauspost/compress/gzip"
)

const testGrid = "run_id\tfraction\treplicate\tseed\tis_reference\n" +
	"ref_full\t1.0\t0\t424242\t1\n" +
	"f010_r1\t0.10\t1\t42\t0\n"

// writeFASTQ writes n gzipped read pairs to path_R1.fastq.gz and
// path_R2.fastq.gz.
func writeFASTQ(t *testing.T, path string, n int) (string, string) {
	var b1, b2 bytes.Buffer
	z1, z2 := gzip.NewWriter(&b1), gzip.NewWriter(&b2)
	for i := 0; i < n; i++ {
		fmt.Fprintf(z1, "@%s:%d 1:N:0\nACGTACGTACGT\n+\nFFFFFFFFFFFF\n", filepath.Base(path), i)
		fmt.Fprintf(z2, "@%s:%d 2:N:0\nTTGCAATTGCAA\n+\n::::::::::::\n", filepath.Base(path), i)
	}
	assert.NoError(t, z1.Close())
	assert.NoError(t, z2.Close())
	p1, p2 := path+"_R1.fastq.gz", path+"_R2.fastq.gz"
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0775))
	assert.NoError(t, os.WriteFile(p1, b1.Bytes(), 0644))
	assert.NoError(t, os.WriteFile(p2, b2.Bytes(), 0644))
	return p1, p2
}

func writeText(t *testing.T, path, text string) {
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0775))
	assert.NoError(t, os.WriteFile(path, []byte(text), 0644))
}

// newProject lays out a project with the two-run test grid and two
// sublibraries of n pairs each, and returns its initialized configuration.
func newProject(t *testing.T, dir string, n int) *Config {
	writeText(t, filepath.Join(dir, "config", "subsample_grid.tsv"), testGrid)
	var sources strings.Builder
	sources.WriteString("sublibrary_index\tfq1_path\tfq2_path\n")
	for i := 0; i < state.NumSublibraries; i++ {
		writeFASTQ(t, filepath.Join(dir, "data", fmt.Sprintf("s%d", i)), n)
		fmt.Fprintf(&sources, "%d\tdata/s%d_R1.fastq.gz\tdata/s%d_R2.fastq.gz\n", i, i, i)
	}
	writeText(t, filepath.Join(dir, "config", "sublibrary_fastqs.tsv"), sources.String())
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "genome"), 0775))
	writeText(t, filepath.Join(dir, "config", "sample_map.xlsm"), "A1\tK562\n")

	c := &Config{
		GenomeDir: "genome",
		SampleMap: "config/sample_map.xlsm",
		Scheduler: SchedulerLocal,
		State:     "file",
		Report:    "report.html",
	}
	assert.NoError(t, c.Init(dir))
	return c
}

// fakeTool stands in for the analysis toolchain. It writes the files each
// call is expected to produce and records the calls.
type fakeTool struct {
	report string
	// fail names calls, such as "combine ref_full", that return an error.
	fail map[string]bool
	// skipOutput names calls that succeed without writing their output.
	skipOutput map[string]bool

	mu    sync.Mutex
	calls []string
}

func (t *fakeTool) call(name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, name)
	if t.fail[name] {
		return false, fmt.Errorf("%s: exit status 1", name)
	}
	return !t.skipOutput[name], nil
}

func (t *fakeTool) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTool) Process(_ context.Context, a ProcessArgs) error {
	write, err := t.call(fmt.Sprintf("process %s %d", a.Run.ID, a.Sublib))
	if err != nil || !write {
		return err
	}
	for _, p := range []string{a.FQ1, a.FQ2, a.GenomeDir, a.SampleMap} {
		if _, err := os.Stat(p); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(mkdir(a.OutDir), t.report), []byte("<html/>"), 0644)
}

func (t *fakeTool) Combine(_ context.Context, a CombineArgs) error {
	write, err := t.call("combine " + a.Run.ID)
	if err != nil || !write {
		return err
	}
	return os.WriteFile(filepath.Join(mkdir(a.OutDir), t.report), []byte("<html/>"), 0644)
}

func (t *fakeTool) Score(_ context.Context, a ScoreArgs) error {
	write, err := t.call("score " + a.Run.ID)
	if err != nil || !write {
		return err
	}
	return os.WriteFile(a.Output, []byte("run_id\tmean_true_class_corr\n"+a.Run.ID+"\t0.9\n"), 0644)
}

func (t *fakeTool) Aggregate(_ context.Context, a AggregateArgs) error {
	write, err := t.call("aggregate")
	if err != nil || !write {
		return err
	}
	metrics := strings.Join(MetricsColumns, "\t") + "\n" +
		"ref_full\t1.0\t0\t200000\t5000\t40\t0.95\t0.96\t0.94\t0.95\n" +
		"f010_r1\t0.1\t1\t20000\t4800\t4.2\t0.90\t0.91\t0.89\t0.90\n"
	return os.WriteFile(a.PerRunOut, []byte(metrics), 0644)
}

func (t *fakeTool) Version(context.Context) string { return "fake 1.0" }

func mkdir(dir string) string {
	if err := os.MkdirAll(dir, 0775); err != nil {
		panic(err)
	}
	return dir
}

// recordingStore records the order in which markers are set.
type recordingStore struct {
	state.Store

	mu   sync.Mutex
	done []state.Key
}

func (s *recordingStore) MarkDone(ctx context.Context, k state.Key) error {
	if err := s.Store.MarkDone(ctx, k); err != nil {
		return err
	}
	s.mu.Lock()
	s.done = append(s.done, k)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) order(run string) []state.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []state.Key
	for _, k := range s.done {
		if k.Run == run {
			keys = append(keys, k)
		}
	}
	return keys
}

// fakeScheduler records submitted jobs and numbers them from 1.
type fakeScheduler struct {
	jobs map[schedule.Handle]schedule.Job
}

func (s *fakeScheduler) Submit(_ context.Context, job schedule.Job) (schedule.Handle, error) {
	if s.jobs == nil {
		s.jobs = map[schedule.Handle]schedule.Job{}
	}
	h := schedule.Handle(fmt.Sprint(len(s.jobs) + 1))
	s.jobs[h] = job
	return h, nil
}
