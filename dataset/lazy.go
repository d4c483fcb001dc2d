package dataset

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
)

// ErrFetchExhausted is returned when every fetch attempt of a lazy access
// failed to produce an encoded example.
var ErrFetchExhausted = errors.New("no example could be encoded; check that max_length is appropriate")

// LazyDataset encodes examples on access. A failed example is replaced by
// a random other one, up to TryFetch attempts in total.
type LazyDataset struct {
	src      *Dataset
	encode   EncodeFunc
	tryFetch int
	log      *zap.SugaredLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLazyDataset caps tryFetch at the dataset length.
func NewLazyDataset(src *Dataset, encode EncodeFunc, tryFetch int, rng *rand.Rand, log *zap.SugaredLogger) (*LazyDataset, error) {
	tryFetch = min(tryFetch, src.Len())
	if tryFetch < 1 {
		return nil, fmt.Errorf("lazy dataset needs at least one fetch attempt, got %d", tryFetch)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LazyDataset{src: src, encode: encode, tryFetch: tryFetch, rng: rng, log: log}, nil
}

func (d *LazyDataset) Len() int {
	return d.src.Len()
}

// Get encodes example i, falling back to random others on failure. The
// fallbacks are distinct and never i itself.
func (d *LazyDataset) Get(i int) (Example, error) {
	d.mu.Lock()
	others := d.rng.Perm(d.src.Len() - 1)[:d.tryFetch-1]
	d.mu.Unlock()

	order := make([]int, 0, d.tryFetch)
	order = append(order, i)
	for _, j := range others {
		if j >= i {
			j++
		}
		order = append(order, j)
	}
	for _, j := range order {
		res, err := safeEncode(d.encode, d.src.Get(j))
		if err != nil {
			d.log.Errorw("error in lazy tokenize", "index", j, "error", err)
			continue
		}
		if len(res) > 0 {
			return res, nil
		}
	}
	return nil, ErrFetchExhausted
}

// Retrying cycles over the sequences produced by open, restarting when one
// ends. Failed or empty examples are skipped; after maxRetries consecutive
// failures the last error is yielded and iteration stops. It also stops
// when a whole pass yields nothing.
func Retrying(open func() iter.Seq2[Example, error], maxRetries int) iter.Seq2[Example, error] {
	maxRetries = max(maxRetries, 1)
	return func(yield func(Example, error) bool) {
		retries := 0
		for {
			produced := false
			for ex, err := range open() {
				if err == nil && len(ex) == 0 {
					err = errors.New("empty example")
				}
				if err != nil {
					retries++
					if retries >= maxRetries {
						yield(nil, err)
						return
					}
					continue
				}
				retries = 0
				produced = true
				if !yield(ex, nil) {
					return
				}
			}
			if !produced {
				return
			}
		}
	}
}

// Map applies encode to every example of seq.
func Map(seq iter.Seq[Example], encode EncodeFunc) func() iter.Seq2[Example, error] {
	return func() iter.Seq2[Example, error] {
		return func(yield func(Example, error) bool) {
			for ex := range seq {
				enc, err := encode(ex)
				if !yield(enc, err) {
					return
				}
			}
		}
	}
}
