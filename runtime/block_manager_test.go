package runtime

import (
	"errors"
	"testing"
)

func testParams() *SamplingParams {
	return &SamplingParams{Temperature: 1, TopP: 1, MaxTokens: 64, EOS: -1}
}

func seqOf(n int) *Sequence {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return NewSequence(ids, testParams(), 256)
}

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 256)

	if bm.NumBlocks() != 100 {
		t.Errorf("Expected 100 blocks, got %d", bm.NumBlocks())
	}
	if bm.NumFreeBlocks() != 100 {
		t.Errorf("Expected 100 free blocks, got %d", bm.NumFreeBlocks())
	}
	if bm.blockSize != 256 {
		t.Errorf("Expected block size 256, got %d", bm.blockSize)
	}
}

func TestBlockManagerAllocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq := seqOf(300)

	if !bm.CanAllocate(seq) {
		t.Fatalf("Should be able to allocate sequence")
	}
	if err := bm.Allocate(seq); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected 2 blocks allocated, got %d", len(seq.BlockTable))
	}
	if bm.NumFreeBlocks() != 98 {
		t.Errorf("Expected 98 free blocks after allocation, got %d", bm.NumFreeBlocks())
	}
	if err := bm.Allocate(seq); err == nil {
		t.Errorf("Expected an error allocating twice")
	}
}

func TestBlockManagerDeallocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq := seqOf(300)

	if err := bm.Allocate(seq); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bm.Deallocate(seq)

	if len(seq.BlockTable) != 0 {
		t.Errorf("Expected block table to be empty after deallocation")
	}
	if bm.NumFreeBlocks() != 100 {
		t.Errorf("Expected 100 free blocks after deallocation, got %d", bm.NumFreeBlocks())
	}
	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after deallocation, got %d", seq.NumCachedTokens)
	}
}

func TestBlockManagerPrefixCaching(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq1 := seqOf(256)
	seq2 := seqOf(256)

	if err := bm.Allocate(seq1); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	freeAfterFirst := bm.NumFreeBlocks()
	if err := bm.Allocate(seq2); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if seq2.NumCachedTokens != 256 {
		t.Errorf("Expected seq2 to have 256 cached tokens, got %d", seq2.NumCachedTokens)
	}
	if bm.NumFreeBlocks() != freeAfterFirst {
		t.Errorf("Expected the cached block to be shared, free went %d -> %d", freeAfterFirst, bm.NumFreeBlocks())
	}
	if seq1.BlockTable[0] != seq2.BlockTable[0] {
		t.Errorf("Expected both sequences to use block %d", seq1.BlockTable[0])
	}

	bm.Deallocate(seq1)
	if bm.NumFreeBlocks() != freeAfterFirst {
		t.Errorf("Shared block freed while still referenced")
	}
	bm.Deallocate(seq2)
	if bm.NumFreeBlocks() != 100 {
		t.Errorf("Expected all blocks free, got %d", bm.NumFreeBlocks())
	}
}

func TestBlockManagerComputeHash(t *testing.T) {
	bm := NewBlockManager(100, 256)

	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := bm.ComputeHash(tokenIDs, 0)
	hash2 := bm.ComputeHash(tokenIDs, 0)
	if hash1 != hash2 {
		t.Errorf("Hash should be deterministic")
	}
	if hash1 == bm.ComputeHash([]int{1, 2, 3, 4, 6}, 0) {
		t.Errorf("Different token IDs should produce different hashes")
	}
	if hash1 == bm.ComputeHash(tokenIDs, 42) {
		t.Errorf("Prefix hash should change the result")
	}
}

func TestBlockManagerMayAppendGrowsTable(t *testing.T) {
	bm := NewBlockManager(3, 4)
	seq := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	if err := bm.Allocate(seq); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	seq.AppendToken(5)
	if !bm.CanAppend(seq) {
		t.Fatalf("Expected room for a new block")
	}
	if err := bm.MayAppend(seq); err != nil {
		t.Fatalf("MayAppend: %v", err)
	}
	if len(seq.BlockTable) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(seq.BlockTable))
	}

	bm2 := NewBlockManager(1, 4)
	seq2 := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	if err := bm2.Allocate(seq2); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	seq2.AppendToken(5)
	if bm2.CanAppend(seq2) {
		t.Fatalf("Expected no room")
	}
	if err := bm2.MayAppend(seq2); !errors.Is(err, ErrNoFreeBlocks) {
		t.Fatalf("err = %v, want ErrNoFreeBlocks", err)
	}
}

func TestBlockManagerReleasedPagesStayCached(t *testing.T) {
	bm := NewBlockManager(2, 4)

	first := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	if err := bm.Allocate(first); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bm.Deallocate(first)

	again := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	if err := bm.Allocate(again); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if again.NumCachedTokens != 4 {
		t.Errorf("got %d cached tokens, want 4", again.NumCachedTokens)
	}
	bm.Deallocate(again)

	// A single page gets recycled for other tokens and loses its hash.
	small := NewBlockManager(1, 4)
	a := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	b := NewSequence([]int{5, 6, 7, 8}, testParams(), 4)
	for _, seq := range []*Sequence{a, b} {
		if err := small.Allocate(seq); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		small.Deallocate(seq)
	}
	a2 := NewSequence([]int{1, 2, 3, 4}, testParams(), 4)
	if err := small.Allocate(a2); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a2.NumCachedTokens != 0 {
		t.Errorf("got %d cached tokens after the page was reused, want 0", a2.NumCachedTokens)
	}
}
