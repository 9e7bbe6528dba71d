package grid_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	path := filepath.Join(dir, "grid.tsv")
	writeFile(t, path, "run_id\tfraction\treplicate\tseed\tis_reference\n"+
		"ref_full\t1.0\t0\t424242\t1\n"+
		"f010_r1\t0.10\t1\t42\t0\n")
	g, err := grid.Load(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, len(g.Runs), 2)
	expect.EQ(t, g.Reference().ID, "ref_full")
	r, ok := g.Lookup("f010_r1")
	assert.True(t, ok)
	expect.EQ(t, r, grid.Run{ID: "f010_r1", Fraction: 0.1, Replicate: 1, Seed: 42})
	_, ok = g.Lookup("f020_r1")
	expect.False(t, ok)
}

func TestLoadInvalid(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	const hdr = "run_id\tfraction\treplicate\tseed\tis_reference\n"
	for i, test := range []struct {
		body, errRE string
	}{
		{"f010_r1\t0.10\t1\t42\t0\n", "no run is marked is_reference"},
		{"ref_full\t1.0\t0\t1\t1\nref2\t1.0\t0\t2\t1\n", "both marked is_reference"},
		{"ref_full\t0.5\t0\t1\t1\n", "want 1"},
		{"ref_full\t1.0\t0\t1\t1\nf000_r1\t0\t1\t2\t0\n", "not in"},
		{"ref_full\t1.0\t0\t1\t1\nf150_r1\t1.5\t1\t2\t0\n", "not in"},
		{"ref_full\t1.0\t0\t1\t1\nref_full\t0.5\t1\t2\t0\n", "duplicate run_id"},
	} {
		path := filepath.Join(dir, "grid.tsv")
		writeFile(t, path, hdr+test.body)
		_, err := grid.Load(ctx, path)
		expect.Regexp(t, err, test.errRE, "case %d", i)
		expect.True(t, errors.Is(errors.Invalid, err), "case %d: %v", i, err)
	}

	_, err := grid.Load(ctx, filepath.Join(dir, "missing.tsv"))
	expect.NotNil(t, err)
}

func TestDefault(t *testing.T) {
	runs := grid.Default()
	expect.EQ(t, len(runs), 1+len(grid.DefaultFractions)*grid.DefaultReplicates)
	g, err := grid.New(runs)
	assert.NoError(t, err)
	expect.EQ(t, g.Reference(), grid.Run{ID: "ref_full", Fraction: 1, Seed: 424242, IsReference: true})

	r, ok := g.Lookup("f010_r2")
	assert.True(t, ok)
	expect.EQ(t, r.Seed, int64(110002))
	r, ok = g.Lookup("f035_r3")
	assert.True(t, ok)
	expect.EQ(t, r.Fraction, 0.35)
	expect.EQ(t, r.Seed, int64(135003))

	seeds := map[int64]bool{}
	for _, r := range runs {
		expect.False(t, seeds[r.Seed], r.ID)
		seeds[r.Seed] = true
	}
}

func TestWriteRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	path := filepath.Join(dir, "grid.tsv")
	assert.NoError(t, grid.Write(ctx, path, grid.Default()))
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	expect.EQ(t, lines[0], "run_id\tfraction\treplicate\tseed\tis_reference")
	expect.EQ(t, lines[1], "ref_full\t1.0\t0\t424242\t1")
	expect.EQ(t, lines[2], "f001_r1\t0.01\t1\t101001\t0")

	g, err := grid.Load(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, g.Runs, grid.Default())
}

func TestLoadSources(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	path := filepath.Join(dir, "sources.tsv")
	writeFile(t, path, "sublibrary_index\tfq1_path\tfq2_path\n"+
		"0\tdata/s0_R1.fastq.gz\tdata/s0_R2.fastq.gz\n"+
		"1\t/abs/s1_R1.fastq.gz\ts3://bucket/s1_R2.fastq.gz\n")
	srcs, err := grid.LoadSources(ctx, path, dir)
	assert.NoError(t, err)
	s0, err := srcs.Get(0)
	assert.NoError(t, err)
	expect.EQ(t, s0, grid.Source{
		Sublib: 0,
		FQ1:    filepath.Join(dir, "data", "s0_R1.fastq.gz"),
		FQ2:    filepath.Join(dir, "data", "s0_R2.fastq.gz"),
	})
	s1, err := srcs.Get(1)
	assert.NoError(t, err)
	expect.EQ(t, s1.FQ1, "/abs/s1_R1.fastq.gz")
	expect.EQ(t, s1.FQ2, "s3://bucket/s1_R2.fastq.gz")

	_, err = srcs.Get(2)
	expect.Regexp(t, err, "no source FASTQ entry for sublibrary 2")
}

func TestManifestAndMetadata(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	run := grid.Run{ID: "f010_r1", Fraction: 0.1, Replicate: 1, Seed: 42}
	path := filepath.Join(dir, "manifest.tsv")
	assert.NoError(t, grid.WriteManifest(ctx, path, run))
	got, err := grid.ReadManifest(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, got, run)

	t.Setenv("SLURM_JOB_ID", "1234")
	t.Setenv("DEPTHSIM_PASS_ID", "pass-1")
	md := grid.NewMetadata(run, "process_sublib0", "tool 1.0")
	expect.EQ(t, md.PassID, "pass-1")
	expect.EQ(t, md.Env["SLURM_JOB_ID"], "1234")

	mdPath := filepath.Join(dir, "run_meta.json")
	assert.NoError(t, grid.WriteMetadata(ctx, mdPath, md))
	data, err := os.ReadFile(mdPath)
	assert.NoError(t, err)
	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(data, &decoded))
	expect.EQ(t, decoded["pass_id"], "pass-1")
	expect.EQ(t, decoded["run"].(map[string]interface{})["run_id"], "f010_r1")

	t.Setenv("DEPTHSIM_PASS_ID", "")
	expect.EQ(t, len(grid.NewMetadata(run, "", "").PassID), 36)
}
