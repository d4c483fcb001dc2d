package runtime

import (
	"strings"
	"testing"
)

func TestNewConfigDerivesBlocks(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(WithMaxNumSeqs(4), WithMaxModelLen(100), WithMaxNumBatchedTokens(100), WithKVCacheBlockSize(16))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if got, want := cfg.NumKVCacheBlocks, 4*7; got != want {
		t.Errorf("got %d blocks, want %d", got, want)
	}
	if cfg.Logger == nil {
		t.Errorf("logger not defaulted")
	}
}

func TestNewConfigRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []ConfigOption
		want []string
	}{
		{name: "block size", opts: []ConfigOption{WithKVCacheBlockSize(1)}, want: []string{"kvcache_block_size"}},
		{name: "batched tokens", opts: []ConfigOption{WithMaxModelLen(10), WithMaxNumBatchedTokens(5)}, want: []string{"max_num_batched_tokens"}},
		{
			name: "all at once",
			opts: []ConfigOption{WithMaxNumSeqs(0), WithMaxModelLen(0)},
			want: []string{"max_num_seqs", "max_model_len"},
		},
		{name: "no blocks", opts: []ConfigOption{WithNumKVCacheBlocks(0)}, want: []string{"num_kvcache_blocks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfig(tt.opts...)
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %s", err, w)
				}
			}
		})
	}
}
