// Package sampling subsamples paired FASTQ files for one sublibrary of a
// run, persists the result as a sampling record, and decides whether a
// previously written result can be reused.
package sampling

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Record describes one subsampling result. It is stored as a tab-separated
// file with a header row and one data row; the first two columns are the
// source paths the result was derived from.
type Record struct {
	SourceFQ1        string
	SourceFQ2        string
	Out1             string
	Out2             string
	Fraction         float64
	Seed             int64
	TotalPairs       int64
	SampledPairs     int64
	RealizedFraction float64
	HeaderChecks     int64
	HeaderMismatches int64
	Passthrough      bool
	Checksum         uint64
}

type recordRow struct {
	SourceFQ1        string  `tsv:"source_fq1_path"`
	SourceFQ2        string  `tsv:"source_fq2_path"`
	Out1             string  `tsv:"out1_path"`
	Out2             string  `tsv:"out2_path"`
	Fraction         float64 `tsv:"fraction"`
	Seed             int64   `tsv:"seed"`
	TotalPairs       int64   `tsv:"total_pair_count"`
	SampledPairs     int64   `tsv:"sampled_pair_count"`
	RealizedFraction float64 `tsv:"realized_fraction"`
	HeaderChecks     int64   `tsv:"header_checks"`
	HeaderMismatches int64   `tsv:"header_mismatches"`
	Passthrough      int     `tsv:"passthrough"`
	Checksum         string  `tsv:"sampled_checksum"`
}

// Columns lists the record's header, in file order.
var Columns = []string{
	"source_fq1_path", "source_fq2_path", "out1_path", "out2_path",
	"fraction", "seed", "total_pair_count", "sampled_pair_count",
	"realized_fraction", "header_checks", "header_mismatches",
	"passthrough", "sampled_checksum",
}

func (r Record) fields() []string {
	pt := "0"
	if r.Passthrough {
		pt = "1"
	}
	return []string{
		r.SourceFQ1, r.SourceFQ2, r.Out1, r.Out2,
		strconv.FormatFloat(r.Fraction, 'f', -1, 64),
		strconv.FormatInt(r.Seed, 10),
		strconv.FormatInt(r.TotalPairs, 10),
		strconv.FormatInt(r.SampledPairs, 10),
		strconv.FormatFloat(r.RealizedFraction, 'f', -1, 64),
		strconv.FormatInt(r.HeaderChecks, 10),
		strconv.FormatInt(r.HeaderMismatches, 10),
		pt,
		fmt.Sprintf("%016x", r.Checksum),
	}
}

// WriteRecord writes r to path. The file appears only once it is complete.
func WriteRecord(ctx context.Context, path string, r Record) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create sampling record", path)
	}
	w := tsv.NewWriter(out.Writer(ctx))
	for _, lines := range [][]string{Columns, r.fields()} {
		for _, f := range lines {
			w.WriteString(f)
		}
		if err = w.EndLine(); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		out.Discard(ctx)
		return errors.E(err, "write sampling record", path)
	}
	return out.Close(ctx)
}

// ReadRecord reads the record stored at path.
func ReadRecord(ctx context.Context, path string) (r Record, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	tr := tsv.NewReader(in.Reader(ctx))
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	var row recordRow
	if err = tr.Read(&row); err != nil {
		if err == io.EOF {
			err = errors.E(errors.Invalid, "sampling record has no data row", path)
		}
		return Record{}, err
	}
	sum, err := strconv.ParseUint(row.Checksum, 16, 64)
	if err != nil {
		return Record{}, errors.E(errors.Invalid, err, "sampling record checksum", path)
	}
	return Record{
		SourceFQ1:        row.SourceFQ1,
		SourceFQ2:        row.SourceFQ2,
		Out1:             row.Out1,
		Out2:             row.Out2,
		Fraction:         row.Fraction,
		Seed:             row.Seed,
		TotalPairs:       row.TotalPairs,
		SampledPairs:     row.SampledPairs,
		RealizedFraction: row.RealizedFraction,
		HeaderChecks:     row.HeaderChecks,
		HeaderMismatches: row.HeaderMismatches,
		Passthrough:      row.Passthrough != 0,
		Checksum:         sum,
	}, nil
}
