// Package grid reads and writes the experiment grid: the list of planned
// subsampling runs, the per-sublibrary source FASTQ catalog, and the
// per-run provenance files (manifest and metadata snapshot).
package grid

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// ReferenceID is the conventional id of the full-depth reference run.
const ReferenceID = "ref_full"

// Run is one row of the experiment grid. Runs are immutable once loaded.
type Run struct {
	ID          string
	Fraction    float64
	Replicate   int
	Seed        int64
	IsReference bool
}

// gridRow is the on-disk form of Run.
type gridRow struct {
	RunID       string  `tsv:"run_id"`
	Fraction    float64 `tsv:"fraction"`
	Replicate   int     `tsv:"replicate"`
	Seed        int64   `tsv:"seed"`
	IsReference string  `tsv:"is_reference"`
}

var header = []string{"run_id", "fraction", "replicate", "seed", "is_reference"}

// Grid is a validated set of runs with exactly one reference run.
type Grid struct {
	// Path is the file the grid was loaded from, if any.
	Path string
	// Runs lists the runs in file order.
	Runs []Run

	byID map[string]int
	ref  int
}

// New validates runs and returns them as a Grid. Run ids must be unique,
// fractions must be in (0, 1], and exactly one run must be the reference,
// at fraction 1.
func New(runs []Run) (*Grid, error) {
	g := &Grid{Runs: runs, byID: make(map[string]int, len(runs)), ref: -1}
	for i, r := range runs {
		if r.ID == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("grid row %d: empty run_id", i+1))
		}
		if _, dup := g.byID[r.ID]; dup {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: duplicate run_id %q", r.ID))
		}
		if !(r.Fraction > 0 && r.Fraction <= 1) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: run %s: fraction %v not in (0, 1]", r.ID, r.Fraction))
		}
		if r.IsReference {
			if g.ref >= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: runs %s and %s are both marked is_reference", runs[g.ref].ID, r.ID))
			}
			if r.Fraction != 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: reference run %s has fraction %v, want 1", r.ID, r.Fraction))
			}
			g.ref = i
		}
		g.byID[r.ID] = i
	}
	if g.ref < 0 {
		return nil, errors.E(errors.Invalid, "grid: no run is marked is_reference")
	}
	return g, nil
}

// Load reads a tab-separated grid file with header
// run_id, fraction, replicate, seed, is_reference.
func Load(ctx context.Context, path string) (g *Grid, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "open grid", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	var runs []Run
	for {
		var row gridRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "read grid", path)
		}
		ref, err := parseFlag(row.IsReference)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("grid %s: run %s: is_reference", path, row.RunID))
		}
		runs = append(runs, Run{
			ID:          strings.TrimSpace(row.RunID),
			Fraction:    row.Fraction,
			Replicate:   row.Replicate,
			Seed:        row.Seed,
			IsReference: ref,
		})
	}
	if g, err = New(runs); err != nil {
		return nil, errors.E(err, path)
	}
	g.Path = path
	return g, nil
}

func parseFlag(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

// Lookup returns the run with the given id.
func (g *Grid) Lookup(id string) (Run, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Run{}, false
	}
	return g.Runs[i], true
}

// Reference returns the reference run.
func (g *Grid) Reference() Run {
	return g.Runs[g.ref]
}

// Write writes runs as a grid file that Load accepts.
func Write(ctx context.Context, path string, runs []Run) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create grid", path)
	}
	defer func() {
		if e := out.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	w := tsv.NewWriter(out.Writer(ctx))
	writeRow(w, header...)
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, r := range runs {
		writeRunRow(w, r)
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeRow(w *tsv.Writer, fields ...string) {
	for _, f := range fields {
		w.WriteString(f)
	}
}

func writeRunRow(w *tsv.Writer, r Run) {
	ref := "0"
	if r.IsReference {
		ref = "1"
	}
	writeRow(w, r.ID, FormatFraction(r.Fraction), strconv.Itoa(r.Replicate), strconv.FormatInt(r.Seed, 10), ref)
}

// FormatFraction formats a fraction with at least one decimal, e.g. "1.0",
// "0.1", "0.35".
func FormatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// DefaultFractions are the subsampling depths of the default grid.
var DefaultFractions = []float64{0.01, 0.02, 0.05, 0.10, 0.20, 0.35, 0.50, 0.75}

// DefaultReplicates is the number of replicates per fraction in the
// default grid.
const DefaultReplicates = 3

// RunID returns the conventional run id for a fraction and replicate,
// e.g. "f010_r2".
func RunID(fraction float64, replicate int) string {
	return fmt.Sprintf("f%03d_r%d", int(math.Round(fraction*100)), replicate)
}

// Seed returns the default seed of a fraction and replicate. Seeds are
// distinct across the default grid.
func Seed(fraction float64, replicate int) int64 {
	return 100000 + int64(math.Round(fraction*10000))*10 + int64(replicate)
}

// Default returns the balanced default grid: the reference run followed by
// DefaultReplicates replicates of each of DefaultFractions.
func Default() []Run {
	runs := []Run{{ID: ReferenceID, Fraction: 1, Replicate: 0, Seed: 424242, IsReference: true}}
	for _, f := range DefaultFractions {
		for rep := 1; rep <= DefaultReplicates; rep++ {
			runs = append(runs, Run{ID: RunID(f, rep), Fraction: f, Replicate: rep, Seed: Seed(f, rep)})
		}
	}
	return runs
}
