package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/grid"
	"github.com/grailbio/depthsim/sampling"
	"github.com/grailbio/depthsim/state"
	"github.com/grailbio/depthsim/util"
)

// MetricsColumns are the columns the aggregated per-run metrics table must
// have.
var MetricsColumns = []string{
	"run_id",
	"fraction",
	"replicate",
	"sampled_read_pairs",
	"called_cells_total",
	"reads_per_cell",
	"mean_true_class_corr",
	"k562_corr",
	"sknsh_corr",
	"hepg2_corr",
}

// LowDepthFraction bounds the runs whose mean score is compared against the
// reference by Validate.
const LowDepthFraction = 0.02

// Validation summarizes a successful Validate.
type Validation struct {
	Runs           int
	SamplingChecks int
	// ReferenceCorr and LowDepthCorr are the reference and mean low-depth
	// mean_true_class_corr; LowDepthRuns is zero when no run qualified.
	ReferenceCorr float64
	LowDepthCorr  float64
	LowDepthRuns  int
}

// Validate checks the outputs of a completed pass: the per-run metrics
// table has the expected columns, no sampling record reports a pairing
// mismatch, and low-depth runs do not score better on average than the
// reference.
func Validate(ctx context.Context, c *Config, g *grid.Grid) (Validation, error) {
	var v Validation
	l := c.Layout()
	path := l.PerRunMetrics()
	header, rows, err := readTable(ctx, path)
	if err != nil {
		return v, err
	}
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	var missing []string
	for _, name := range MetricsColumns {
		if _, ok := col[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return v, errors.E(errors.Invalid, fmt.Sprintf("%s: missing columns %s", path, strings.Join(missing, ", ")))
	}
	v.Runs = len(rows)

	var mismatches int64
	for _, run := range g.Runs {
		for i := 0; i < state.NumSublibraries; i++ {
			rpath := l.SamplingRecord(run.ID, i)
			ok, err := util.Exists(ctx, rpath)
			if err != nil {
				return v, err
			}
			if !ok {
				continue
			}
			rec, err := sampling.ReadRecord(ctx, rpath)
			if err != nil {
				return v, errors.E(err, "read sampling record", rpath)
			}
			v.SamplingChecks++
			mismatches += rec.HeaderMismatches
		}
	}
	if v.SamplingChecks == 0 {
		return v, errors.E(errors.NotExist, fmt.Sprintf("no sampling records found under %s", c.RunsDir))
	}
	if mismatches != 0 {
		return v, errors.E(errors.Integrity, fmt.Sprintf("pairing check failed: %d header mismatches", mismatches))
	}

	ref := g.Reference().ID
	var (
		haveRef bool
		lowSum  float64
	)
	for i, row := range rows {
		corr, err := strconv.ParseFloat(row[col["mean_true_class_corr"]], 64)
		if err != nil {
			return v, errors.E(errors.Invalid, err, fmt.Sprintf("%s: row %d: mean_true_class_corr", path, i+2))
		}
		if row[col["run_id"]] == ref {
			if !haveRef || corr > v.ReferenceCorr {
				v.ReferenceCorr = corr
			}
			haveRef = true
			continue
		}
		frac, err := strconv.ParseFloat(row[col["fraction"]], 64)
		if err != nil {
			return v, errors.E(errors.Invalid, err, fmt.Sprintf("%s: row %d: fraction", path, i+2))
		}
		if frac <= LowDepthFraction {
			lowSum += corr
			v.LowDepthRuns++
		}
	}
	if v.LowDepthRuns > 0 {
		v.LowDepthCorr = lowSum / float64(v.LowDepthRuns)
	}
	if haveRef && v.LowDepthRuns > 0 && v.LowDepthCorr > v.ReferenceCorr {
		return v, errors.E(errors.Invalid, fmt.Sprintf(
			"metric sanity check failed: mean low-depth mean_true_class_corr %.4f exceeds reference %.4f",
			v.LowDepthCorr, v.ReferenceCorr))
	}
	log.Printf("validate: %d runs, %d sampling records, reference corr %.4f, low-depth corr %.4f over %d runs",
		v.Runs, v.SamplingChecks, v.ReferenceCorr, v.LowDepthCorr, v.LowDepthRuns)
	return v, nil
}

// readTable reads a tab-separated table with a header row. The columns are
// not known in advance.
func readTable(ctx context.Context, path string) (header []string, rows [][]string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		if util.IsNotExist(err) {
			return nil, nil, errors.E(errors.NotExist, "missing per-run metrics file: "+path)
		}
		return nil, nil, errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := csv.NewReader(in.Reader(ctx))
	r.Comma = '\t'
	r.LazyQuotes = true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.E(errors.Invalid, err, "read", path)
		}
		if header == nil {
			header = rec
			continue
		}
		rows = append(rows, rec)
	}
	if header == nil {
		return nil, nil, errors.E(errors.Invalid, path+" is empty")
	}
	return header, rows, nil
}
