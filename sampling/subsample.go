package sampling

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/depthsim/encoding/fastq"
	"github.com/grailbio/depthsim/util"
	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
)

// Request describes one subsampling job.
type Request struct {
	// FQ1 and FQ2 are the source R1 and R2 FASTQ paths, plain or gzipped.
	FQ1, FQ2 string
	// Out1 and Out2 are the output paths. Outputs whose name ends in ".gz"
	// are gzip-compressed.
	Out1, Out2 string
	// Record is the path of the sampling record.
	Record string

	Fraction    float64
	Seed        int64
	CheckPrefix int64
	// Passthrough copies the sources unchanged while validating them. It
	// requires Fraction == 1.
	Passthrough bool
	// Overwrite permits replacing an existing sampling record.
	Overwrite bool
}

// Subsample runs the request and returns the record it wrote. On error, no
// output or record is left behind.
func Subsample(ctx context.Context, req Request) (rec Record, err error) {
	if req.Passthrough && req.Fraction != 1 {
		return Record{}, errors.E(errors.Invalid, fmt.Sprintf("passthrough requires fraction 1, got %v", req.Fraction))
	}
	exists, err := util.Exists(ctx, req.Record)
	if err != nil {
		return Record{}, errors.E(err, "stat sampling record", req.Record)
	}
	if exists {
		if !req.Overwrite {
			return Record{}, errors.E(errors.Exists, "sampling record already exists", req.Record)
		}
		if err := util.Remove(ctx, req.Record); err != nil {
			return Record{}, errors.E(err, "remove sampling record", req.Record)
		}
	}
	for _, path := range []string{req.Out1, req.Out2, req.Record} {
		if err := util.MkdirAll(filepath.Dir(path)); err != nil {
			return Record{}, errors.E(err, "create directory for", path)
		}
	}

	in1, err := openInput(ctx, req.FQ1)
	if err != nil {
		return Record{}, err
	}
	defer in1.close(ctx)
	in2, err := openInput(ctx, req.FQ2)
	if err != nil {
		return Record{}, err
	}
	defer in2.close(ctx)

	out1, err := createOutput(ctx, req.Out1)
	if err != nil {
		return Record{}, err
	}
	out2, err := createOutput(ctx, req.Out2)
	if err != nil {
		out1.discard(ctx)
		return Record{}, err
	}
	defer func() {
		if err != nil {
			out1.discard(ctx)
			out2.discard(ctx)
		}
	}()

	// Passthrough copies raw bytes when the input and output encodings
	// agree; otherwise pairs are re-encoded.
	raw := req.Passthrough && in1.gzipped == out1.gzipped() && in2.gzipped == out2.gzipped()
	var (
		r1, r2 io.Reader
		w1, w2 io.Writer
	)
	if raw {
		if r1, err = in1.reader(out1.f.Writer(ctx)); err != nil {
			return Record{}, err
		}
		if r2, err = in2.reader(out2.f.Writer(ctx)); err != nil {
			return Record{}, err
		}
	} else {
		if r1, err = in1.reader(nil); err != nil {
			return Record{}, err
		}
		if r2, err = in2.reader(nil); err != nil {
			return Record{}, err
		}
		w1, w2 = out1.writer(ctx), out2.writer(ctx)
	}
	stats, err := fastq.Downsample(ctx, r1, r2, w1, w2, fastq.DownsampleOpts{
		Fraction:    req.Fraction,
		Seed:        req.Seed,
		CheckPrefix: req.CheckPrefix,
		Passthrough: req.Passthrough,
	})
	if err != nil {
		if pkgerrors.Cause(err) == fastq.ErrMismatch {
			return Record{}, errors.E(errors.Integrity, err, fmt.Sprintf("read pairing check failed for %s and %s", req.FQ1, req.FQ2))
		}
		return Record{}, errors.E(err, fmt.Sprintf("subsample %s and %s", req.FQ1, req.FQ2))
	}
	if raw {
		if err = in1.drain(); err != nil {
			return Record{}, errors.E(err, "copy", req.FQ1)
		}
		if err = in2.drain(); err != nil {
			return Record{}, errors.E(err, "copy", req.FQ2)
		}
	}
	if err = out1.close(ctx); err != nil {
		return Record{}, errors.E(err, "close", req.Out1)
	}
	if err = out2.close(ctx); err != nil {
		return Record{}, errors.E(err, "close", req.Out2)
	}

	rec = Record{
		SourceFQ1:        req.FQ1,
		SourceFQ2:        req.FQ2,
		Out1:             req.Out1,
		Out2:             req.Out2,
		Fraction:         req.Fraction,
		Seed:             req.Seed,
		TotalPairs:       stats.TotalPairs,
		SampledPairs:     stats.SampledPairs,
		RealizedFraction: stats.RealizedFraction(),
		HeaderChecks:     stats.HeaderChecks,
		Passthrough:      req.Passthrough,
		Checksum:         stats.Checksum,
	}
	if err = WriteRecord(ctx, req.Record, rec); err != nil {
		return Record{}, err
	}
	log.Printf("sampling: %s: kept %d of %d pairs (%.4f, passthrough=%v)",
		req.Record, rec.SampledPairs, rec.TotalPairs, rec.RealizedFraction, rec.Passthrough)
	return rec, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

type input struct {
	path    string
	f       file.File
	raw     *bufio.Reader
	gzipped bool
	tee     io.Reader
	gz      *gzip.Reader
}

func openInput(ctx context.Context, path string) (*input, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "open source FASTQ", path)
	}
	in := &input{path: path, f: f, raw: bufio.NewReaderSize(f.Reader(ctx), 1<<20)}
	magic, err := in.raw.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		f.Close(ctx)
		return nil, errors.E(err, "read source FASTQ", path)
	}
	in.gzipped = len(magic) == len(gzipMagic) && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1]
	return in, nil
}

// reader returns the decoded FASTQ stream. If w is not nil, every raw
// byte consumed from the source is also written to w.
func (in *input) reader(w io.Writer) (io.Reader, error) {
	var r io.Reader = in.raw
	if w != nil {
		in.tee = io.TeeReader(in.raw, w)
		r = in.tee
	}
	if !in.gzipped {
		return r, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.E(err, "open gzip stream", in.path)
	}
	in.gz = gz
	return gz, nil
}

// drain copies whatever the decoder left unread.
func (in *input) drain() error {
	if in.tee == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, in.tee)
	return err
}

func (in *input) close(ctx context.Context) {
	if in.gz != nil {
		in.gz.Close()
	}
	if err := in.f.Close(ctx); err != nil {
		log.Error.Printf("close %s: %v", in.path, err)
	}
}

type output struct {
	path string
	f    file.File
	gz   *gzip.Writer
	done bool
}

func createOutput(ctx context.Context, path string) (*output, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create output FASTQ", path)
	}
	return &output{path: path, f: f}, nil
}

func (o *output) gzipped() bool {
	return strings.HasSuffix(o.path, ".gz")
}

func (o *output) writer(ctx context.Context) io.Writer {
	if !o.gzipped() {
		return o.f.Writer(ctx)
	}
	o.gz = gzip.NewWriter(o.f.Writer(ctx))
	return o.gz
}

func (o *output) close(ctx context.Context) error {
	o.done = true
	if o.gz != nil {
		if err := o.gz.Close(); err != nil {
			o.f.Discard(ctx)
			return err
		}
	}
	return o.f.Close(ctx)
}

func (o *output) discard(ctx context.Context) {
	if o.done {
		// Already closed, so the file is visible.
		if err := util.Remove(ctx, o.path); err != nil {
			log.Error.Printf("remove %s: %v", o.path, err)
		}
		return
	}
	o.done = true
	o.f.Discard(ctx)
}
