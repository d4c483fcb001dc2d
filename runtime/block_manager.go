package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// ErrNoFreeBlocks is returned when the KV cache is exhausted.
var ErrNoFreeBlocks = errors.New("no free kv cache blocks")

// cacheBlock is one fixed-size page of KV cache. A full page carries the
// chained hash of its tokens so later sequences with the same prefix can
// share it.
type cacheBlock struct {
	refs   int
	hash   uint64
	tokens []int
}

// BlockManager hands out KV cache pages to sequences and keeps the
// prefix index. Released pages keep their hash until they are reused, so
// a prompt that shows up again soon after can still hit the cache.
type BlockManager struct {
	blockSize int
	blocks    []cacheBlock
	byHash    map[uint64]int
	free      []int // oldest release first
}

func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize: blockSize,
		blocks:    make([]cacheBlock, numBlocks),
		byHash:    make(map[uint64]int),
		free:      make([]int, 0, numBlocks),
	}
	for id := range numBlocks {
		bm.free = append(bm.free, id)
	}
	return bm
}

// NumFreeBlocks returns the number of unreferenced blocks.
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.free)
}

func (bm *BlockManager) NumBlocks() int {
	return len(bm.blocks)
}

// ComputeHash chains the hash of tokenIDs onto prefixHash. A zero prefix
// marks the first block of a sequence.
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	var d xxhash.Digest
	d.Reset()
	var word [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(word[:], prefixHash)
		d.Write(word[:])
	}
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(word[:4], uint32(id))
		d.Write(word[:4])
	}
	return d.Sum64()
}

// lookup finds a cached page holding exactly tokens under hash h.
func (bm *BlockManager) lookup(h uint64, tokens []int) (int, bool) {
	id, ok := bm.byHash[h]
	if !ok || !slices.Equal(bm.blocks[id].tokens, tokens) {
		return 0, false
	}
	return id, true
}

// take claims the oldest free page and wipes it.
func (bm *BlockManager) take() (int, error) {
	if len(bm.free) == 0 {
		return 0, ErrNoFreeBlocks
	}
	id := bm.free[0]
	bm.free = bm.free[1:]
	b := &bm.blocks[id]
	if b.hash != 0 && bm.byHash[b.hash] == id {
		delete(bm.byHash, b.hash)
	}
	*b = cacheBlock{refs: 1}
	return id, nil
}

// share adds a reference to a cached page, pulling it off the free list
// when nothing held it.
func (bm *BlockManager) share(id int) {
	b := &bm.blocks[id]
	if b.refs == 0 {
		if i := slices.Index(bm.free, id); i >= 0 {
			bm.free = slices.Delete(bm.free, i, i+1)
		}
	}
	b.refs++
}

func (bm *BlockManager) seal(id int, h uint64, tokens []int) {
	b := &bm.blocks[id]
	b.hash = h
	b.tokens = slices.Clone(tokens)
	bm.byHash[h] = id
}

// CanAllocate reports whether seq's prompt fits in the free pages.
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.free) >= seq.NumBlocks()
}

// Allocate builds seq's block table. Leading full blocks already in the
// prefix index are shared; from the first miss on every block is fresh.
func (bm *BlockManager) Allocate(seq *Sequence) error {
	if len(seq.BlockTable) > 0 {
		return fmt.Errorf("sequence %d already has blocks allocated", seq.SeqID)
	}

	var prefix uint64
	hit := true
	for i := range seq.NumBlocks() {
		tokens := seq.Block(i)
		full := len(tokens) == bm.blockSize
		var h uint64
		if full {
			h = bm.ComputeHash(tokens, prefix)
			prefix = h
		}

		if hit && full {
			if id, ok := bm.lookup(h, tokens); ok {
				bm.share(id)
				seq.NumCachedTokens += bm.blockSize
				seq.BlockTable = append(seq.BlockTable, id)
				continue
			}
		}
		hit = false

		id, err := bm.take()
		if err != nil {
			return err
		}
		if full {
			bm.seal(id, h, tokens)
		}
		seq.BlockTable = append(seq.BlockTable, id)
	}
	return nil
}

// Deallocate drops seq's references, last block first, so the tail of a
// shared prefix is recycled before its head.
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for _, id := range slices.Backward(seq.BlockTable) {
		b := &bm.blocks[id]
		if b.refs--; b.refs == 0 {
			bm.free = append(bm.free, id)
		}
	}
	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend reports whether seq can grow by one token. Only the token that
// opens a new page needs a free block.
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	return seq.Len()%bm.blockSize != 1 || len(bm.free) > 0
}

// MayAppend updates the block table after seq grew by one token: it opens a
// page when the previous one just filled, and seals a page that is now full.
func (bm *BlockManager) MayAppend(seq *Sequence) error {
	n := len(seq.BlockTable)
	if n == 0 {
		return fmt.Errorf("sequence %d has no blocks", seq.SeqID)
	}

	switch seq.Len() % bm.blockSize {
	case 1:
		id, err := bm.take()
		if err != nil {
			return err
		}
		seq.BlockTable = append(seq.BlockTable, id)
	case 0:
		var prefix uint64
		if n > 1 {
			prefix = bm.blocks[seq.BlockTable[n-2]].hash
		}
		tokens := seq.Block(seq.NumBlocks() - 1)
		bm.seal(seq.BlockTable[n-1], bm.ComputeHash(tokens, prefix), tokens)
	}
	return nil
}
