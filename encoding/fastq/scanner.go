package fastq

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrDiscordant is returned when two underlying FASTQ files hold a
	// different number of reads.
	ErrDiscordant = errors.New("discordant FASTQ pairs")
	// ErrMismatch is returned when the read IDs of a pair differ.
	ErrMismatch = errors.New("mismatched FASTQ read IDs")
)

// maxLineLen bounds a single FASTQ line. Long-read data can exceed the
// bufio default of 64KiB.
const maxLineLen = 4 << 20

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

// NormalizeID returns the part of a read ID line that must agree between
// R1 and R2: the first whitespace-separated token, without the leading '@'
// and without a trailing /1 or /2 mate suffix.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexAny(id, " \t"); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimPrefix(id, "@")
	if strings.HasSuffix(id, "/1") || strings.HasSuffix(id, "/2") {
		id = id[:len(id)-2]
	}
	return id
}

var errEOF = errors.New("eof")

// Scanner reads FASTQ records one at a time. It requires ID lines to begin
// with "@" and line 3 to begin with "+"; it does not check that sequence and
// quality have equal length. Scanners are not threadsafe.
type Scanner struct {
	b      *bufio.Scanner
	err    error
	fields Field
	n      int64
}

// Field enumerates FASTQ fields. It is used to specify fields to read in
// NewScanner.
type Field uint

const (
	// ID causes the Read.ID field to be filled
	ID Field = 1 << iota
	// Seq causes the Read.Seq field to be filled
	Seq
	// Unk causes the Read.Unk field to be filled
	Unk
	// Qual causes the Read.Qual field to be filled
	Qual
	// All equals ID|Seq|Unk|Qual.
	All = ID | Seq | Unk | Qual
)

// NewScanner constructs a new Scanner that reads raw FASTQ data from the
// provided reader. Fields is a bitset of the fields to read.
func NewScanner(r io.Reader, fields Field) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 0, 64<<10), maxLineLen)
	return &Scanner{b: b, fields: fields}
}

// Scan reads the next record into read and reports whether it succeeded.
// Once Scan returns false it never returns true again; Err tells whether
// scanning stopped on an error or at the end of the stream.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = errEOF
		}
		return false
	}
	id := f.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		f.err = ErrInvalid
		return false
	}
	if f.fields&ID != 0 {
		read.ID = string(id)
	}
	if !f.scan() {
		return false
	}
	if f.fields&Seq != 0 {
		read.Seq = f.b.Text()
	}
	if !f.scan() {
		return false
	}
	unk := f.b.Bytes()
	if len(unk) == 0 || unk[0] != '+' {
		f.err = ErrInvalid
		return false
	}
	if f.fields&Unk != 0 {
		read.Unk = string(unk)
	}
	if !f.scan() {
		return false
	}
	if f.fields&Qual != 0 {
		read.Qual = f.b.Text()
	}
	f.n++
	return true
}

func (f *Scanner) scan() bool {
	ok := f.b.Scan()
	if !ok {
		if f.err = f.b.Err(); f.err == nil {
			f.err = ErrShort
		}
	}
	return ok
}

// N returns the number of complete records scanned so far.
func (f *Scanner) N() int64 { return f.n }

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}
