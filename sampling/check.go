package sampling

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/util"
)

// Expect describes the subsampling result a caller is about to reuse.
type Expect struct {
	// Record is the expected sampling record path.
	Record string
	// Out1 and Out2 are the expected output paths.
	Out1, Out2 string
	// FQ1 and FQ2 are the currently configured source paths.
	FQ1, FQ2 string
	// Fraction and Seed are the currently requested sampling parameters.
	// They are compared only when Strict is set.
	Fraction float64
	Seed     int64
	Strict   bool
}

// Verdict is the result of Check.
type Verdict struct {
	// Fresh is set when the existing result can be reused.
	Fresh bool
	// Reason says why the result is stale.
	Reason string
	// Remove lists the files that must be deleted before the result is
	// regenerated.
	Remove []string
	// Record is the existing record, if it could be read.
	Record Record
}

// Check decides whether the subsampling result described by e can be
// reused. The rules apply in order: a missing record, missing or
// unreadable outputs, changed source paths, and, when e.Strict is set, a
// changed fraction or seed each make the result stale.
func Check(ctx context.Context, e Expect) (Verdict, error) {
	stale := func(format string, args ...interface{}) (Verdict, error) {
		v := Verdict{Reason: fmt.Sprintf(format, args...), Remove: []string{e.Out1, e.Out2, e.Record}}
		log.Printf("sampling: %s is stale: %s", e.Record, v.Reason)
		return v, nil
	}
	ok, err := util.Exists(ctx, e.Record)
	if err != nil {
		return Verdict{}, errors.E(err, "stat sampling record", e.Record)
	}
	if !ok {
		return stale("no sampling record")
	}
	for _, path := range []string{e.Out1, e.Out2} {
		if err := readable(ctx, path); err != nil {
			if util.IsNotExist(err) {
				return stale("missing output %s", path)
			}
			return stale("unreadable output %s: %v", path, err)
		}
	}
	rec, err := ReadRecord(ctx, e.Record)
	if err != nil {
		return stale("unreadable sampling record: %v", err)
	}
	switch {
	case rec.SourceFQ1 != e.FQ1:
		return stale("R1 source changed from %s to %s", rec.SourceFQ1, e.FQ1)
	case rec.SourceFQ2 != e.FQ2:
		return stale("R2 source changed from %s to %s", rec.SourceFQ2, e.FQ2)
	case e.Strict && rec.Fraction != e.Fraction:
		return stale("fraction changed from %v to %v", rec.Fraction, e.Fraction)
	case e.Strict && rec.Seed != e.Seed:
		return stale("seed changed from %d to %d", rec.Seed, e.Seed)
	}
	return Verdict{Fresh: true, Record: rec}, nil
}

// readable checks that path can be opened for reading.
func readable(ctx context.Context, path string) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Stat(ctx); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// Clean deletes the files listed in v.Remove. Files that are already gone
// are ignored. Outputs are removed before the record.
func (v Verdict) Clean(ctx context.Context) error {
	for _, path := range v.Remove {
		if err := util.Remove(ctx, path); err != nil {
			return errors.E(err, "remove stale sampling artifact", path)
		}
	}
	return nil
}
