package dataset

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// TokenLength counts the ids of an encoded example: "input_ids" plus every
// "*_input_ids" field.
func TokenLength(ex Example) int {
	n := 0
	for k, v := range ex {
		if k != "input_ids" && !strings.HasSuffix(k, "_input_ids") {
			continue
		}
		switch ids := v.(type) {
		case []int:
			n += len(ids)
		case []any:
			n += len(ids)
		}
	}
	return n
}

// TokenLengths returns TokenLength for every example.
func TokenLengths(d *Dataset) []int {
	out := make([]int, d.Len())
	for i, ex := range d.All() {
		out[i] = TokenLength(ex)
	}
	return out
}

// LengthStats summarises token lengths.
type LengthStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
}

// NewLengthStats computes population statistics of lengths.
func NewLengthStats(lengths []int) LengthStats {
	s := LengthStats{Count: len(lengths)}
	if len(lengths) == 0 {
		return s
	}
	s.Min, s.Max = slices.Min(lengths), slices.Max(lengths)
	var sum float64
	for _, l := range lengths {
		sum += float64(l)
	}
	s.Mean = sum / float64(len(lengths))
	var sq float64
	for _, l := range lengths {
		d := float64(l) - s.Mean
		sq += d * d
	}
	s.Std = math.Sqrt(sq / float64(len(lengths)))
	return s
}

func (s LengthStats) String() string {
	return fmt.Sprintf("%.6f±%.6f, min=%d, max=%d, size=%d", s.Mean, s.Std, s.Min, s.Max, s.Count)
}

// Stat logs and returns the token length statistics of d.
func Stat(d *Dataset, log *zap.SugaredLogger) LengthStats {
	s := NewLengthStats(TokenLengths(d))
	if log != nil {
		log.Infow("dataset token length", "stats", s.String())
	}
	return s
}

// SortByMaxLength keeps the n longest examples, longest first. Ties keep
// dataset order.
func SortByMaxLength(d *Dataset, n int) *Dataset {
	lengths := TokenLengths(d)
	idx := make([]int, len(lengths))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return lengths[b] - lengths[a] })
	return d.Select(idx[:min(max(n, 0), len(idx))])
}
