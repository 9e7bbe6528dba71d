package fastq

import (
	"context"
	"encoding/binary"
	"hash"
	"io"

	"blainsmith.com/go/seahash"
	farm "github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCheckPrefix is the number of leading pairs whose read IDs are
	// compared between R1 and R2 when DownsampleOpts.CheckPrefix is zero.
	DefaultCheckPrefix = 10000

	batchSize  = 1024
	queueDepth = 8
)

// DownsampleOpts controls Downsample.
type DownsampleOpts struct {
	// Fraction is the inclusion probability of each pair, in (0, 1].
	Fraction float64
	// Seed selects the pseudo-random inclusion sequence.
	Seed int64
	// CheckPrefix is the number of leading pairs whose IDs must agree. Zero
	// means DefaultCheckPrefix; a negative value disables the check.
	CheckPrefix int64
	// Passthrough emits every pair without evaluating inclusion decisions.
	// It requires Fraction == 1.
	Passthrough bool
}

// DownsampleStats summarizes one Downsample call.
type DownsampleStats struct {
	// TotalPairs is the number of pairs read from the inputs.
	TotalPairs int64
	// SampledPairs is the number of pairs emitted.
	SampledPairs int64
	// HeaderChecks is the number of pairs whose IDs were compared.
	HeaderChecks int64
	// Checksum is a seahash digest of the emitted pairs, in order.
	Checksum uint64
}

// RealizedFraction returns SampledPairs/TotalPairs, or 0 for empty input.
func (s DownsampleStats) RealizedFraction() float64 {
	if s.TotalPairs == 0 {
		return 0
	}
	return float64(s.SampledPairs) / float64(s.TotalPairs)
}

// Include reports whether the pair at the given 0-based index is kept when
// sampling at fraction with seed. The decision depends only on its three
// arguments, never on the length of the stream, so a prefix of a stream is
// sampled identically to the same prefix of a longer stream. For a fixed
// seed, the pairs kept at a lower fraction are a subset of those kept at a
// higher one.
func Include(seed int64, fraction float64, index int64) bool {
	if fraction >= 1 {
		return true
	}
	if fraction <= 0 {
		return false
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(index))
	u := float64(farm.Hash64WithSeed(b[:], uint64(seed))>>11) / (1 << 53)
	return u < fraction
}

// Downsample reads read pairs from r1 and r2 and writes the selected pairs
// to w1 and w2. Inputs are uncompressed FASTQ. Either both writers or
// neither must be set; with no writers, Downsample only validates and
// counts.
//
// Selected pairs are withheld from the writers until the ID check over the
// first CheckPrefix pairs has passed, so an ErrMismatch leaves both writers
// untouched. Scanning and writing run in separate goroutines; inclusion
// decisions are made in a single goroutine in index order.
func Downsample(ctx context.Context, r1, r2 io.Reader, w1, w2 io.Writer, opts DownsampleOpts) (DownsampleStats, error) {
	var stats DownsampleStats
	if !(opts.Fraction > 0 && opts.Fraction <= 1) {
		return stats, errors.Errorf("fraction must be in (0, 1], got %v", opts.Fraction)
	}
	if opts.Passthrough && opts.Fraction != 1 {
		return stats, errors.Errorf("passthrough requires fraction 1, got %v", opts.Fraction)
	}
	if (w1 == nil) != (w2 == nil) {
		return stats, errors.New("downsample: both or neither output writers must be set")
	}
	checkPrefix := opts.CheckPrefix
	if checkPrefix == 0 {
		checkPrefix = DefaultCheckPrefix
	}

	s1, s2 := NewScanner(r1, All), NewScanner(r2, All)
	g, ctx := errgroup.WithContext(ctx)
	in1 := make(chan []Read, queueDepth)
	in2 := make(chan []Read, queueDepth)
	g.Go(func() error { return scanBatches(ctx, s1, in1) })
	g.Go(func() error { return scanBatches(ctx, s2, in2) })

	var out1, out2 chan []Read
	if w1 != nil {
		out1 = make(chan []Read, queueDepth)
		out2 = make(chan []Read, queueDepth)
		g.Go(func() error { return errors.Wrap(writeBatches(w1, out1), "error writing R1 output") })
		g.Go(func() error { return errors.Wrap(writeBatches(w2, out2), "error writing R2 output") })
	}

	g.Go(func() error {
		if out1 != nil {
			defer close(out1)
			defer close(out2)
		}
		var (
			h              = seahash.New()
			b1, b2         []Read
			open1, open2   = true, true
			keep1, keep2   []Read
			prefixVerified = checkPrefix < 0
			err            error
		)
		flush := func() error {
			if out1 == nil || len(keep1) == 0 {
				keep1, keep2 = nil, nil
				return nil
			}
			if err := send(ctx, out1, keep1); err != nil {
				return err
			}
			if err := send(ctx, out2, keep2); err != nil {
				return err
			}
			keep1, keep2 = nil, nil
			return nil
		}
		for {
			if len(b1) == 0 && open1 {
				if b1, open1, err = recv(ctx, in1); err != nil {
					return err
				}
			}
			if len(b2) == 0 && open2 {
				if b2, open2, err = recv(ctx, in2); err != nil {
					return err
				}
			}
			if len(b1) == 0 || len(b2) == 0 {
				// The channels are closed, so the scanners are quiescent.
				if err := s1.Err(); err != nil {
					return errors.Wrapf(err, "error reading R1 input at record %d", s1.N()+1)
				}
				if err := s2.Err(); err != nil {
					return errors.Wrapf(err, "error reading R2 input at record %d", s2.N()+1)
				}
				if len(b1) > 0 {
					return errors.Wrap(ErrDiscordant, "more reads in R1 input than in R2 input")
				}
				if len(b2) > 0 {
					return errors.Wrap(ErrDiscordant, "more reads in R2 input than in R1 input")
				}
				break
			}
			n := len(b1)
			if len(b2) < n {
				n = len(b2)
			}
			for i := 0; i < n; i++ {
				idx := stats.TotalPairs
				if idx < checkPrefix {
					stats.HeaderChecks++
					if id1, id2 := NormalizeID(b1[i].ID), NormalizeID(b2[i].ID); id1 != id2 {
						return errors.Wrapf(ErrMismatch, "pair %d: R1 %q, R2 %q", idx, id1, id2)
					}
				}
				stats.TotalPairs++
				if !opts.Passthrough && !Include(opts.Seed, opts.Fraction, idx) {
					continue
				}
				stats.SampledPairs++
				hashRead(h, &b1[i])
				hashRead(h, &b2[i])
				if out1 != nil {
					keep1 = append(keep1, b1[i])
					keep2 = append(keep2, b2[i])
				}
			}
			b1, b2 = b1[n:], b2[n:]
			if !prefixVerified && stats.TotalPairs >= checkPrefix {
				prefixVerified = true
			}
			if prefixVerified {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		stats.Checksum = h.Sum64()
		return flush()
	})
	if err := g.Wait(); err != nil {
		return DownsampleStats{}, err
	}
	return stats, nil
}

func hashRead(h hash.Hash64, r *Read) {
	io.WriteString(h, r.ID)
	h.Write(newline)
	io.WriteString(h, r.Seq)
	h.Write(newline)
	io.WriteString(h, r.Qual)
	h.Write(newline)
}

var newline = []byte{'\n'}

func scanBatches(ctx context.Context, s *Scanner, c chan<- []Read) error {
	defer close(c)
	for {
		batch := make([]Read, batchSize)
		n := 0
		for n < batchSize && s.Scan(&batch[n]) {
			n++
		}
		if n > 0 {
			if err := send(ctx, c, batch[:n]); err != nil {
				return err
			}
		}
		if n < batchSize {
			return nil
		}
	}
}

func writeBatches(w io.Writer, c <-chan []Read) error {
	fw := NewWriter(w)
	for batch := range c {
		for i := range batch {
			if err := fw.Write(&batch[i]); err != nil {
				return err
			}
		}
	}
	return fw.Flush()
}

func send(ctx context.Context, c chan<- []Read, batch []Read) error {
	select {
	case c <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv(ctx context.Context, c <-chan []Read) ([]Read, bool, error) {
	select {
	case b, ok := <-c:
		return b, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
