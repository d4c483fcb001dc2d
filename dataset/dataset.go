// Package dataset holds encoded training and evaluation corpora and the
// parallel preprocessing that produces them.
package dataset

import (
	"iter"
	"math/rand/v2"

	"go.uber.org/zap"
)

// Example is one row of a corpus.
type Example = map[string]any

// Dataset is an indexed, immutable list of examples.
type Dataset struct {
	rows []Example
}

// New wraps rows without copying them.
func New(rows []Example) *Dataset {
	return &Dataset{rows: rows}
}

func (d *Dataset) Len() int {
	return len(d.rows)
}

func (d *Dataset) Get(i int) Example {
	return d.rows[i]
}

// Column returns the named field of every example, nil where absent.
func (d *Dataset) Column(name string) []any {
	out := make([]any, len(d.rows))
	for i, r := range d.rows {
		out[i] = r[name]
	}
	return out
}

// Select returns the examples at idx, in that order. Indices may repeat.
func (d *Dataset) Select(idx []int) *Dataset {
	rows := make([]Example, len(idx))
	for i, j := range idx {
		rows[i] = d.rows[j]
	}
	return New(rows)
}

// All iterates over the examples with their indices.
func (d *Dataset) All() iter.Seq2[int, Example] {
	return func(yield func(int, Example) bool) {
		for i, r := range d.rows {
			if !yield(i, r) {
				return
			}
		}
	}
}

// Sample draws n examples: whole copies of the dataset first, then a random
// subset without replacement for the remainder. n < 0 or n == Len returns d.
func Sample(d *Dataset, n int, rng *rand.Rand, log *zap.SugaredLogger) *Dataset {
	if n < 0 || n == d.Len() || d.Len() == 0 {
		return d
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	repeat, remainder := n/d.Len(), n%d.Len()
	if repeat >= 1 && remainder >= 1 && log != nil {
		log.Warnw("sample count exceeds dataset size, repeating examples", "sample", n, "len", d.Len())
	}

	idx := make([]int, 0, n)
	for range repeat {
		for i := range d.Len() {
			idx = append(idx, i)
		}
	}
	if remainder > 0 {
		idx = append(idx, rng.Perm(d.Len())[:remainder]...)
	}
	return d.Select(idx)
}
