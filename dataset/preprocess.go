package dataset

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EncodeFunc turns a raw example into an encoded one. A nil or empty result
// skips the example.
type EncodeFunc func(Example) (Example, error)

// EncodePreprocessor encodes a corpus, skipping examples that fail.
type EncodePreprocessor struct {
	Encode EncodeFunc
	// NumProc is the number of workers. Values below 1 mean 1.
	NumProc  int
	Progress bool
	Log      *zap.SugaredLogger
}

func (p *EncodePreprocessor) logger() *zap.SugaredLogger {
	if p.Log == nil {
		return zap.NewNop().Sugar()
	}
	return p.Log
}

// Run encodes every example of d. Results keep input order even though
// workers finish out of order. It returns nil with a warning when nothing
// survives encoding; the error is non-nil only when ctx ends.
func (p *EncodePreprocessor) Run(ctx context.Context, d *Dataset) (*Dataset, error) {
	numProc := min(max(p.NumProc, 1), max(d.Len(), 1))
	bar := p.newBar(d.Len())

	var rows []Example
	if numProc == 1 {
		out, err := p.encodeShard(ctx, d.rows, 0, bar)
		if err != nil {
			return nil, err
		}
		rows = out
	} else {
		shards := make([][]Example, numProc)
		g, gctx := errgroup.WithContext(ctx)
		for rank := range numProc {
			start, end := shardBounds(d.Len(), numProc, rank)
			g.Go(func() error {
				out, err := p.encodeShard(gctx, d.rows[start:end], start, bar)
				shards[rank] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, s := range shards {
			rows = append(rows, s...)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if len(rows) == 0 {
		p.logger().Warnw("no examples survived encoding", "input", d.Len())
		return nil, nil
	}
	p.logger().Infow("encoded dataset", "input", d.Len(), "output", len(rows), "workers", numProc)
	return New(rows), nil
}

// shardBounds splits n items into k contiguous shards whose sizes differ by
// at most one, larger shards first.
func shardBounds(n, k, rank int) (int, int) {
	div, mod := n/k, n%k
	start := rank*div + min(rank, mod)
	end := start + div
	if rank < mod {
		end++
	}
	return start, end
}

func (p *EncodePreprocessor) encodeShard(ctx context.Context, rows []Example, offset int, bar *syncBar) ([]Example, error) {
	out := make([]Example, 0, len(rows))
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, err := p.encodeOne(row)
		bar.add()
		if err != nil {
			p.logger().Errorw("skipping example", "index", offset+i, "error", err)
			continue
		}
		if len(enc) > 0 {
			out = append(out, enc)
		}
	}
	return out, nil
}

// encodeOne converts an encoder panic into an error.
func (p *EncodePreprocessor) encodeOne(row Example) (Example, error) {
	return safeEncode(p.Encode, row)
}

// safeEncode turns a panic in encode into an error.
func safeEncode(encode EncodeFunc, row Example) (enc Example, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode panicked: %v", r)
		}
	}()
	return encode(row)
}

type syncBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (p *EncodePreprocessor) newBar(total int) *syncBar {
	if !p.Progress || total == 0 {
		return nil
	}
	return &syncBar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("encoding"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)}
}

func (b *syncBar) add() {
	if b == nil {
		return
	}
	b.mu.Lock()
	_ = b.bar.Add(1)
	b.mu.Unlock()
}

func (b *syncBar) Finish() error {
	return b.bar.Finish()
}
