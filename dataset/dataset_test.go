package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"streaminfer/infer"
)

func numbered(n int) *Dataset {
	rows := make([]Example, n)
	for i := range rows {
		rows[i] = Example{"i": i}
	}
	return New(rows)
}

func indices(d *Dataset) []int {
	out := make([]int, 0, d.Len())
	for _, ex := range d.All() {
		out = append(out, ex["i"].(int))
	}
	return out
}

// failOdd rejects odd rows and marks even ones.
func failOdd(ex Example) (Example, error) {
	i := ex["i"].(int)
	if i%2 == 1 {
		return nil, fmt.Errorf("row %d is odd", i)
	}
	return Example{"i": i, "input_ids": make([]int, i)}, nil
}

func TestShardBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, k int
		want [][2]int
	}{
		{n: 10, k: 3, want: [][2]int{{0, 4}, {4, 7}, {7, 10}}},
		{n: 4, k: 4, want: [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}}},
		{n: 2, k: 3, want: [][2]int{{0, 1}, {1, 2}, {2, 2}}},
	}
	for _, tt := range tests {
		var got [][2]int
		for rank := range tt.k {
			s, e := shardBounds(tt.n, tt.k, rank)
			got = append(got, [2]int{s, e})
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("shardBounds(%d, %d) = %v, want %v", tt.n, tt.k, got, tt.want)
		}
	}
}

func TestEncodePreprocessorKeepsOrder(t *testing.T) {
	t.Parallel()

	want := []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}
	for _, numProc := range []int{0, 1, 3, 8, 50} {
		t.Run(fmt.Sprintf("num_proc=%d", numProc), func(t *testing.T) {
			t.Parallel()
			p := &EncodePreprocessor{Encode: failOdd, NumProc: numProc}
			out, err := p.Run(context.Background(), numbered(20))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := indices(out); !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestEncodePreprocessorSkipsPanicsAndEmpty(t *testing.T) {
	t.Parallel()

	p := &EncodePreprocessor{NumProc: 2, Encode: func(ex Example) (Example, error) {
		switch ex["i"].(int) {
		case 1:
			panic("tokenizer exploded")
		case 2:
			return Example{}, nil
		}
		return ex, nil
	}}
	out, err := p.Run(context.Background(), numbered(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := indices(out); !reflect.DeepEqual(got, []int{0, 3}) {
		t.Fatalf("got %v, want [0 3]", got)
	}
}

func TestEncodePreprocessorEmptyResult(t *testing.T) {
	t.Parallel()

	p := &EncodePreprocessor{NumProc: 4, Encode: func(Example) (Example, error) { return nil, errors.New("bad") }}
	out, err := p.Run(context.Background(), numbered(5))
	if err != nil || out != nil {
		t.Fatalf("Run = %v, %v; want nil, nil", out, err)
	}
}

func TestEncodePreprocessorCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &EncodePreprocessor{NumProc: 2, Encode: failOdd}
	if _, err := p.Run(ctx, numbered(10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSample(t *testing.T) {
	t.Parallel()

	d := numbered(4)
	if got := Sample(d, -1, nil, nil); got != d {
		t.Fatalf("n=-1 should return the dataset itself")
	}
	if got := Sample(d, 4, nil, nil); got != d {
		t.Fatalf("n=len should return the dataset itself")
	}

	rng := rand.New(rand.NewPCG(1, 2))
	got := indices(Sample(d, 10, rng, nil))
	if len(got) != 10 || !reflect.DeepEqual(got[:8], []int{0, 1, 2, 3, 0, 1, 2, 3}) {
		t.Fatalf("got %v", got)
	}
	if got[8] == got[9] {
		t.Fatalf("remainder sampled with replacement: %v", got[8:])
	}

	small := indices(Sample(d, 2, rng, nil))
	if len(small) != 2 || small[0] == small[1] {
		t.Fatalf("got %v", small)
	}
}

func TestDatasetSelectAndColumn(t *testing.T) {
	t.Parallel()

	d := numbered(3)
	if got := indices(d.Select([]int{2, 2, 0})); !reflect.DeepEqual(got, []int{2, 2, 0}) {
		t.Fatalf("Select = %v", got)
	}
	if got := d.Column("i"); !reflect.DeepEqual(got, []any{0, 1, 2}) {
		t.Fatalf("Column = %v", got)
	}
	if got := d.Column("missing"); !reflect.DeepEqual(got, []any{nil, nil, nil}) {
		t.Fatalf("Column(missing) = %v", got)
	}
}

func TestLazyDataset(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 4))
	lazy, err := NewLazyDataset(numbered(6), failOdd, 20, rng, nil)
	if err != nil {
		t.Fatalf("NewLazyDataset: %v", err)
	}
	ex, err := lazy.Get(2)
	if err != nil || ex["i"] != 2 {
		t.Fatalf("Get(2) = %v, %v", ex, err)
	}
	// an odd row is replaced by some even one
	ex, err = lazy.Get(3)
	if err != nil || ex["i"].(int)%2 != 0 {
		t.Fatalf("Get(3) = %v, %v", ex, err)
	}

	bad, _ := NewLazyDataset(numbered(3), func(Example) (Example, error) { return nil, errors.New("no") }, 5, rng, nil)
	if _, err := bad.Get(0); !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("err = %v, want ErrFetchExhausted", err)
	}
	if _, err := NewLazyDataset(numbered(0), failOdd, 5, rng, nil); err == nil {
		t.Fatalf("empty dataset accepted")
	}
}

func TestLazyDatasetFallbacksSkipRequested(t *testing.T) {
	t.Parallel()

	for seed := range uint64(8) {
		for i := range 5 {
			var seen []int
			record := func(ex Example) (Example, error) {
				seen = append(seen, ex["i"].(int))
				return nil, errors.New("no")
			}
			lazy, err := NewLazyDataset(numbered(5), record, 5, rand.New(rand.NewPCG(seed, 1)), nil)
			if err != nil {
				t.Fatalf("NewLazyDataset: %v", err)
			}
			if _, err := lazy.Get(i); !errors.Is(err, ErrFetchExhausted) {
				t.Fatalf("err = %v, want ErrFetchExhausted", err)
			}
			if len(seen) != 5 || seen[0] != i {
				t.Fatalf("seed %d: Get(%d) tried %v", seed, i, seen)
			}
			tried := make(map[int]bool)
			for _, j := range seen {
				if tried[j] {
					t.Fatalf("seed %d: Get(%d) tried %d twice: %v", seed, i, j, seen)
				}
				tried[j] = true
			}
		}
	}
}

func TestLazyDatasetRecoversEncodePanic(t *testing.T) {
	t.Parallel()

	panicOdd := func(ex Example) (Example, error) {
		if ex["i"].(int)%2 == 1 {
			panic("bad row")
		}
		return ex, nil
	}
	lazy, err := NewLazyDataset(numbered(4), panicOdd, 4, rand.New(rand.NewPCG(5, 6)), nil)
	if err != nil {
		t.Fatalf("NewLazyDataset: %v", err)
	}
	ex, err := lazy.Get(1)
	if err != nil || ex["i"].(int)%2 != 0 {
		t.Fatalf("Get(1) = %v, %v", ex, err)
	}
}

func TestRetrying(t *testing.T) {
	t.Parallel()

	seq := func(ex ...Example) iter.Seq[Example] {
		return func(yield func(Example) bool) {
			for _, e := range ex {
				if !yield(e) {
					return
				}
			}
		}
	}

	t.Run("cycles and skips", func(t *testing.T) {
		var got []int
		for ex, err := range Retrying(Map(seq(Example{"i": 0}, Example{"i": 1}, Example{"i": 2}), failOdd), 3) {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got = append(got, ex["i"].(int))
			if len(got) == 5 {
				break
			}
		}
		if !reflect.DeepEqual(got, []int{0, 2, 0, 2, 0}) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("surfaces after max retries", func(t *testing.T) {
		var errs int
		var last error
		for _, err := range Retrying(Map(seq(Example{"i": 0}, Example{"i": 1}, Example{"i": 3}), failOdd), 2) {
			if err != nil {
				errs++
				last = err
			}
		}
		if errs != 1 || !strings.Contains(last.Error(), "row 3 is odd") {
			t.Fatalf("errs=%d last=%v", errs, last)
		}
	})

	t.Run("empty source ends", func(t *testing.T) {
		for range Retrying(Map(seq(), failOdd), 3) {
			t.Fatalf("empty source yielded")
		}
	})
}

func TestLengthStatsAndSort(t *testing.T) {
	t.Parallel()

	d := New([]Example{
		{"input_ids": []int{1, 2}},
		{"input_ids": []int{1, 2, 3, 4}, "chosen_input_ids": []any{1.0, 2.0}},
		{"input_ids": []int{1, 2}, "labels": []int{9, 9, 9}},
		{"input_ids": []int{}},
	})
	if got := TokenLengths(d); !reflect.DeepEqual(got, []int{2, 6, 2, 0}) {
		t.Fatalf("TokenLengths = %v", got)
	}

	s := Stat(d, nil)
	if s.Count != 4 || s.Min != 0 || s.Max != 6 || s.Mean != 2.5 {
		t.Fatalf("stats = %+v", s)
	}
	if want := "2.500000±2.179449, min=0, max=6, size=4"; s.String() != want {
		t.Fatalf("String() = %q, want %q", s.String(), want)
	}

	sorted := SortByMaxLength(d, 3)
	if got := TokenLengths(sorted); !reflect.DeepEqual(got, []int{6, 2, 2}) {
		t.Fatalf("sorted lengths = %v", got)
	}
	if sorted.Get(1)["labels"] != nil || sorted.Get(2)["labels"] == nil {
		t.Fatalf("ties reordered")
	}
	if NewLengthStats(nil).Count != 0 {
		t.Fatalf("empty stats")
	}
}

func TestJSONL(t *testing.T) {
	t.Parallel()

	in := "{\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}]}\n\n{\"messages\":[]}\n"
	d, err := ReadJSONL(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("got %d rows, want 2", d.Len())
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, New([]Example{{"input_ids": []int{1, 2}}})); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	if got := buf.String(); got != "{\"input_ids\":[1,2]}\n" {
		t.Fatalf("got %q", got)
	}

	if _, err := ReadJSONL(strings.NewReader("{\"a\":1}\nnot json\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("err = %v, want line 2 error", err)
	}
}

type charTokenizer struct{}

func (charTokenizer) Encode(s string) ([]int, error) {
	ids := make([]int, len(s))
	for i := range len(s) {
		ids[i] = int(s[i])
	}
	return ids, nil
}
func (charTokenizer) Decode(ids []int) (string, error) { return "", nil }
func (charTokenizer) EOSToken() string                 { return "" }
func (charTokenizer) EOSTokenID() int                  { return 0 }
func (charTokenizer) PadTokenID() int                  { return -1 }

func TestTemplateEncoder(t *testing.T) {
	t.Parallel()

	encode := TemplateEncoder(infer.NewChatMLTemplate(charTokenizer{}, ""))
	ex, err := encode(Example{"messages": []any{map[string]any{"role": "user", "content": "hi"}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prompt := "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if got := TokenLength(ex); got != len(prompt) {
		t.Fatalf("encoded %d tokens, want %d", got, len(prompt))
	}

	if _, err := encode(Example{"text": "x"}); err == nil {
		t.Fatalf("example without messages accepted")
	}
	if _, err := encode(Example{"messages": []any{}}); err == nil {
		t.Fatalf("empty conversation accepted")
	}
}
