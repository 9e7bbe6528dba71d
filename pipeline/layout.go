package pipeline

import (
	"fmt"

	"github.com/grailbio/base/file"
)

// Layout names every file and directory the pipeline reads or writes.
//
//	<runs>/<run>/input/sublib_<i>/R{1,2}.fastq.gz   subsampled reads
//	<runs>/<run>/sampling/sublib_<i>.tsv            sampling records
//	<runs>/<run>/sublib_<i>/                         processing output
//	<runs>/<run>/combined/                           combine output
//	<runs>/<run>/score_metrics.tsv                   score output
//	<runs>/<run>/markers/<stage>.done                completion markers
//	<runs>/<run>/manifest.tsv, run_meta.json         provenance
//	<results>/per_run_metrics.tsv, ...               aggregate output
type Layout struct {
	RunsDir    string
	ResultsDir string
	// Report is the summary report file name expected in processing and
	// combine output directories.
	Report string
}

// RunDir returns the directory owned by run.
func (l Layout) RunDir(run string) string {
	return file.Join(l.RunsDir, run)
}

// Inputs returns the subsampled R1 and R2 paths of one sublibrary.
func (l Layout) Inputs(run string, sublib int) (string, string) {
	dir := file.Join(l.RunDir(run), "input", sublibName(sublib))
	return file.Join(dir, "R1.fastq.gz"), file.Join(dir, "R2.fastq.gz")
}

// SamplingDir returns the directory holding run's sampling records.
func (l Layout) SamplingDir(run string) string {
	return file.Join(l.RunDir(run), "sampling")
}

// SamplingRecord returns the sampling record path of one sublibrary.
func (l Layout) SamplingRecord(run string, sublib int) string {
	return file.Join(l.SamplingDir(run), sublibName(sublib)+".tsv")
}

// SublibDir returns the processing output directory of one sublibrary.
func (l Layout) SublibDir(run string, sublib int) string {
	return file.Join(l.RunDir(run), sublibName(sublib))
}

// CombinedDir returns run's combine output directory.
func (l Layout) CombinedDir(run string) string {
	return file.Join(l.RunDir(run), "combined")
}

// ReportPath returns the summary report path within an output directory.
func (l Layout) ReportPath(dir string) string {
	return file.Join(dir, l.Report)
}

// ScoreMetrics returns run's per-run metrics table.
func (l Layout) ScoreMetrics(run string) string {
	return file.Join(l.RunDir(run), "score_metrics.tsv")
}

// Manifest returns run's manifest path.
func (l Layout) Manifest(run string) string {
	return file.Join(l.RunDir(run), "manifest.tsv")
}

// Metadata returns run's metadata snapshot path.
func (l Layout) Metadata(run string) string {
	return file.Join(l.RunDir(run), "run_meta.json")
}

// PerRunMetrics returns the aggregated per-run metrics table.
func (l Layout) PerRunMetrics() string {
	return file.Join(l.ResultsDir, "per_run_metrics.tsv")
}

// Curve returns the aggregated depth curve table.
func (l Layout) Curve() string {
	return file.Join(l.ResultsDir, "depth_curve.tsv")
}

// MainFigure returns the path of the summary depth curve figure.
func (l Layout) MainFigure() string {
	return file.Join(l.ResultsDir, "depth_curve.png")
}

// ClassFigure returns the path of the per-class depth curve figure.
func (l Layout) ClassFigure() string {
	return file.Join(l.ResultsDir, "depth_curve_by_class.png")
}

func sublibName(i int) string {
	return fmt.Sprintf("sublib_%d", i)
}
