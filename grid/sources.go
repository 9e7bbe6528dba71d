package grid

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Source locates the paired FASTQ files of one sublibrary.
type Source struct {
	Sublib int
	FQ1    string
	FQ2    string
}

type sourceRow struct {
	Sublib int    `tsv:"sublibrary_index"`
	FQ1    string `tsv:"fq1_path"`
	FQ2    string `tsv:"fq2_path"`
}

// Sources maps sublibrary index to its source.
type Sources map[int]Source

// Get returns the source of sublibrary i.
func (s Sources) Get(i int) (Source, error) {
	src, ok := s[i]
	if !ok {
		return Source{}, errors.E(errors.Invalid, fmt.Sprintf("no source FASTQ entry for sublibrary %d", i))
	}
	return src, nil
}

// LoadSources reads a tab-separated sublibrary source file with header
// sublibrary_index, fq1_path, fq2_path. Relative paths are resolved
// against root.
func LoadSources(ctx context.Context, path, root string) (_ Sources, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "open sublibrary sources", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	srcs := Sources{}
	for {
		var row sourceRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "read sublibrary sources", path)
		}
		if _, dup := srcs[row.Sublib]; dup {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: duplicate sublibrary_index %d", path, row.Sublib))
		}
		if row.FQ1 == "" || row.FQ2 == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: sublibrary %d: empty FASTQ path", path, row.Sublib))
		}
		if srcs[row.Sublib], err = resolveSource(row, root); err != nil {
			return nil, err
		}
	}
	return srcs, nil
}

func resolveSource(row sourceRow, root string) (Source, error) {
	fq1, err := Resolve(root, row.FQ1)
	if err != nil {
		return Source{}, err
	}
	fq2, err := Resolve(root, row.FQ2)
	if err != nil {
		return Source{}, err
	}
	return Source{Sublib: row.Sublib, FQ1: fq1, FQ2: fq2}, nil
}

// Resolve returns path made absolute against root. Paths with a URL scheme,
// such as s3://bucket/key, are returned unchanged.
func Resolve(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if scheme, _, err := file.ParsePath(path); err == nil && scheme != "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.E(err, "resolve", path)
	}
	return abs, nil
}
