package sampling_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/depthsim/sampling"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

// writePairs writes n read pairs to dir/name_R1 and dir/name_R2. Pair
// mismatch gets a different R2 id. Paths ending in .gz are compressed.
func writePairs(t *testing.T, dir, name, ext string, n, mismatch int) (string, string) {
	var b1, b2 bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b1, "@read%d/1\nACGTACGTAC\n+\nFFFFFFFFFF\n", i)
		id2 := fmt.Sprintf("read%d", i)
		if i == mismatch {
			id2 = fmt.Sprintf("other%d", i)
		}
		fmt.Fprintf(&b2, "@%s/2\nTTGCAATTGC\n+\n::::::::::\n", id2)
	}
	p1 := filepath.Join(dir, name+"_R1"+ext)
	p2 := filepath.Join(dir, name+"_R2"+ext)
	for _, f := range []struct {
		path string
		data []byte
	}{{p1, b1.Bytes()}, {p2, b2.Bytes()}} {
		data := f.data
		if strings.HasSuffix(f.path, ".gz") {
			var z bytes.Buffer
			w := gzip.NewWriter(&z)
			_, err := w.Write(data)
			assert.NoError(t, err)
			assert.NoError(t, w.Close())
			data = z.Bytes()
		}
		assert.NoError(t, os.WriteFile(f.path, data, 0644))
	}
	return p1, p2
}

func readGzip(t *testing.T, path string) string {
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	r, err := gzip.NewReader(f)
	assert.NoError(t, err)
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	return string(data)
}

func readFile(t *testing.T, path string) []byte {
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	return data
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func request(dir, out string, fq1, fq2 string, fraction float64, seed int64) sampling.Request {
	return sampling.Request{
		FQ1:      fq1,
		FQ2:      fq2,
		Out1:     filepath.Join(dir, out, "R1.fastq.gz"),
		Out2:     filepath.Join(dir, out, "R2.fastq.gz"),
		Record:   filepath.Join(dir, out, "sampling.tsv"),
		Fraction: fraction,
		Seed:     seed,
	}
}

func TestSubsampleDeterministic(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fq1, fq2 := writePairs(t, dir, "src", ".fastq.gz", 20000, -1)

	a, err := sampling.Subsample(ctx, request(dir, "a", fq1, fq2, 0.1, 42))
	assert.NoError(t, err)
	b, err := sampling.Subsample(ctx, request(dir, "b", fq1, fq2, 0.1, 42))
	assert.NoError(t, err)

	expect.EQ(t, a.TotalPairs, int64(20000))
	expect.EQ(t, a.SampledPairs, b.SampledPairs)
	expect.EQ(t, a.Checksum, b.Checksum)
	expect.EQ(t, a.HeaderChecks, int64(10000))
	expect.True(t, a.SampledPairs > 1600 && a.SampledPairs < 2400, "sampled %d", a.SampledPairs)
	expect.EQ(t, readGzip(t, a.Out1), readGzip(t, b.Out1))
	expect.EQ(t, readGzip(t, a.Out2), readGzip(t, b.Out2))
	expect.EQ(t, int64(strings.Count(readGzip(t, a.Out1), "\n")), 4*a.SampledPairs)

	got, err := sampling.ReadRecord(ctx, filepath.Join(dir, "a", "sampling.tsv"))
	assert.NoError(t, err)
	expect.EQ(t, got, a)

	header := strings.SplitN(string(readFile(t, filepath.Join(dir, "a", "sampling.tsv"))), "\n", 2)[0]
	expect.EQ(t, header, strings.Join(sampling.Columns, "\t"))

	c, err := sampling.Subsample(ctx, request(dir, "c", fq1, fq2, 0.1, 43))
	assert.NoError(t, err)
	expect.NEQ(t, c.Checksum, a.Checksum)
}

func TestSubsamplePassthrough(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	for _, ext := range []string{".fastq.gz", ".fastq"} {
		fq1, fq2 := writePairs(t, dir, "src"+ext, ext, 5000, -1)
		req := request(dir, "ref"+ext, fq1, fq2, 1, 424242)
		req.Out1 = filepath.Join(dir, "ref"+ext, "R1"+ext)
		req.Out2 = filepath.Join(dir, "ref"+ext, "R2"+ext)
		req.Passthrough = true
		rec, err := sampling.Subsample(ctx, req)
		assert.NoError(t, err)
		expect.EQ(t, rec.TotalPairs, int64(5000))
		expect.EQ(t, rec.SampledPairs, int64(5000))
		expect.EQ(t, rec.RealizedFraction, 1.0)
		expect.True(t, rec.Passthrough)
		expect.True(t, bytes.Equal(readFile(t, fq1), readFile(t, req.Out1)), ext)
		expect.True(t, bytes.Equal(readFile(t, fq2), readFile(t, req.Out2)), ext)
	}

	// A plain source passed through to a gzip output is re-encoded.
	fq1, fq2 := writePairs(t, dir, "plain", ".fastq", 100, -1)
	req := request(dir, "mixed", fq1, fq2, 1, 1)
	req.Passthrough = true
	_, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)
	expect.EQ(t, readGzip(t, req.Out1), string(readFile(t, fq1)))

	req = request(dir, "bad", fq1, fq2, 0.5, 1)
	req.Passthrough = true
	_, err = sampling.Subsample(ctx, req)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestSubsampleMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	for _, passthrough := range []bool{false, true} {
		fq1, fq2 := writePairs(t, dir, "src", ".fastq.gz", 20000, 5000)
		out := fmt.Sprintf("out%v", passthrough)
		fraction := 0.5
		if passthrough {
			fraction = 1
		}
		req := request(dir, out, fq1, fq2, fraction, 7)
		req.Passthrough = passthrough
		_, err := sampling.Subsample(ctx, req)
		assert.NotNil(t, err)
		expect.True(t, errors.Is(errors.Integrity, err), "%v", err)
		expect.Regexp(t, err, "pair 5000")
		expect.False(t, exists(req.Out1))
		expect.False(t, exists(req.Out2))
		expect.False(t, exists(req.Record))
	}
}

func TestSubsampleOverwrite(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fq1, fq2 := writePairs(t, dir, "src", ".fastq.gz", 1000, -1)

	req := request(dir, "out", fq1, fq2, 0.2, 3)
	_, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)
	_, err = sampling.Subsample(ctx, req)
	expect.True(t, errors.Is(errors.Exists, err), "%v", err)
	req.Overwrite = true
	req.Seed = 4
	rec, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)
	got, err := sampling.ReadRecord(ctx, req.Record)
	assert.NoError(t, err)
	expect.EQ(t, got.Seed, int64(4))
	expect.EQ(t, got, rec)
}

func TestCheck(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fq1, fq2 := writePairs(t, dir, "src", ".fastq.gz", 1000, -1)
	req := request(dir, "out", fq1, fq2, 0.1, 42)
	e := sampling.Expect{
		Record: req.Record, Out1: req.Out1, Out2: req.Out2,
		FQ1: fq1, FQ2: fq2, Fraction: 0.1, Seed: 42, Strict: true,
	}

	v, err := sampling.Check(ctx, e)
	assert.NoError(t, err)
	expect.False(t, v.Fresh)
	expect.EQ(t, v.Reason, "no sampling record")
	expect.EQ(t, v.Remove, []string{req.Out1, req.Out2, req.Record})
	// Cleaning when nothing exists is fine.
	assert.NoError(t, v.Clean(ctx))

	rec, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)
	v, err = sampling.Check(ctx, e)
	assert.NoError(t, err)
	expect.True(t, v.Fresh)
	expect.EQ(t, v.Record, rec)

	for _, test := range []struct {
		edit   func(*sampling.Expect)
		fresh  bool
		reason string
	}{
		{func(e *sampling.Expect) { e.FQ1 = filepath.Join(dir, "elsewhere_R1.fastq.gz") }, false, "R1 source changed"},
		{func(e *sampling.Expect) { e.FQ2 = filepath.Join(dir, "elsewhere_R2.fastq.gz") }, false, "R2 source changed"},
		{func(e *sampling.Expect) { e.Fraction = 0.2 }, false, "fraction changed"},
		{func(e *sampling.Expect) { e.Seed = 43 }, false, "seed changed"},
		{func(e *sampling.Expect) { e.Fraction, e.Strict = 0.2, false }, true, ""},
		{func(e *sampling.Expect) { e.Seed, e.Strict = 43, false }, true, ""},
	} {
		e2 := e
		test.edit(&e2)
		v, err := sampling.Check(ctx, e2)
		assert.NoError(t, err)
		expect.EQ(t, v.Fresh, test.fresh, test.reason)
		expect.True(t, strings.HasPrefix(v.Reason, test.reason), v.Reason)
	}

	assert.NoError(t, os.Remove(req.Out2))
	v, err = sampling.Check(ctx, e)
	assert.NoError(t, err)
	expect.False(t, v.Fresh)
	expect.True(t, strings.HasPrefix(v.Reason, "missing output"), v.Reason)
	assert.NoError(t, v.Clean(ctx))
	expect.False(t, exists(req.Out1))
	expect.False(t, exists(req.Record))
}

// A record left behind by a catalog edit is regenerated with the new
// sources.
func TestStaleRegeneration(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	old1, old2 := writePairs(t, dir, "old", ".fastq.gz", 3000, -1)
	new1, new2 := writePairs(t, dir, "new", ".fastq.gz", 4000, -1)

	req := request(dir, "out", old1, old2, 0.3, 5)
	_, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)

	e := sampling.Expect{Record: req.Record, Out1: req.Out1, Out2: req.Out2, FQ1: new1, FQ2: new2, Fraction: 0.3, Seed: 5}
	v, err := sampling.Check(ctx, e)
	assert.NoError(t, err)
	assert.False(t, v.Fresh)
	assert.NoError(t, v.Clean(ctx))
	expect.False(t, exists(req.Out1))
	expect.False(t, exists(req.Out2))
	expect.False(t, exists(req.Record))

	req.FQ1, req.FQ2 = new1, new2
	rec, err := sampling.Subsample(ctx, req)
	assert.NoError(t, err)
	expect.EQ(t, rec.SourceFQ1, new1)
	expect.EQ(t, rec.TotalPairs, int64(4000))
	v, err = sampling.Check(ctx, e)
	assert.NoError(t, err)
	expect.True(t, v.Fresh)
}
