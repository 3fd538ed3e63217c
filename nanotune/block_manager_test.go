package nanotune

import (
	"testing"
)

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 16)

	if len(bm.blocks) != 100 {
		t.Errorf("Expected 100 blocks, got %d", len(bm.blocks))
	}

	if len(bm.freeBlockIDs) != 100 {
		t.Errorf("Expected 100 free blocks, got %d", len(bm.freeBlockIDs))
	}

	if bm.blockSize != 16 {
		t.Errorf("Expected block size 16, got %d", bm.blockSize)
	}
}

func TestBlockManagerAllocate(t *testing.T) {
	bm := NewBlockManager(100, 16)
	samplingParams := NewSamplingParams()

	// Create a sequence that needs 2 blocks
	tokenIDs := make([]int, 20)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(tokenIDs, samplingParams)

	if !bm.CanAllocate(seq) {
		t.Errorf("Should be able to allocate sequence")
	}

	bm.Allocate(seq)

	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected 2 blocks allocated, got %d", len(seq.BlockTable))
	}

	if seq.BlockSize != 16 {
		t.Errorf("Expected sequence block size 16, got %d", seq.BlockSize)
	}

	if len(bm.freeBlockIDs) != 98 {
		t.Errorf("Expected 98 free blocks after allocation, got %d", len(bm.freeBlockIDs))
	}
}

func TestBlockManagerDeallocate(t *testing.T) {
	bm := NewBlockManager(100, 16)
	samplingParams := NewSamplingParams()

	tokenIDs := make([]int, 20)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(tokenIDs, samplingParams)

	bm.Allocate(seq)
	bm.Deallocate(seq)

	if len(seq.BlockTable) != 0 {
		t.Errorf("Expected block table to be empty after deallocation")
	}

	if len(bm.freeBlockIDs) != 100 {
		t.Errorf("Expected 100 free blocks after deallocation, got %d", len(bm.freeBlockIDs))
	}

	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after deallocation, got %d", seq.NumCachedTokens)
	}
}

func TestBlockManagerPrefixCaching(t *testing.T) {
	bm := NewBlockManager(100, 16)
	samplingParams := NewSamplingParams()

	// Create two sequences with the same prefix
	tokenIDs1 := make([]int, 16)
	for i := range tokenIDs1 {
		tokenIDs1[i] = i
	}
	seq1 := NewSequence(tokenIDs1, samplingParams)

	tokenIDs2 := make([]int, 16)
	for i := range tokenIDs2 {
		tokenIDs2[i] = i // Same tokens as seq1
	}
	seq2 := NewSequence(tokenIDs2, samplingParams)

	// Allocate first sequence
	bm.Allocate(seq1)
	freeAfterFirst := len(bm.freeBlockIDs)

	// Allocate second sequence - should reuse cached blocks
	bm.Allocate(seq2)
	freeAfterSecond := len(bm.freeBlockIDs)

	// Both sequences should have cached the same block
	if seq2.NumCachedTokens != 16 {
		t.Errorf("Expected seq2 to have 16 cached tokens, got %d", seq2.NumCachedTokens)
	}

	// The shared block is reference counted, not copied
	if freeAfterSecond != freeAfterFirst {
		t.Errorf("Expected no new block, free went from %d to %d", freeAfterFirst, freeAfterSecond)
	}
	if seq1.BlockTable[0] != seq2.BlockTable[0] {
		t.Errorf("Expected both sequences to share block %d", seq1.BlockTable[0])
	}

	bm.Deallocate(seq1)
	if bm.NumFreeBlocks() != freeAfterSecond {
		t.Errorf("Shared block freed while still referenced")
	}
	bm.Deallocate(seq2)
	if bm.NumFreeBlocks() != 100 {
		t.Errorf("Expected all blocks free, got %d", bm.NumFreeBlocks())
	}
}

func TestBlockManagerAppendAllocatesAtBoundary(t *testing.T) {
	bm := NewBlockManager(4, 4)
	seq := NewSequence([]int{1, 2, 3}, NewSamplingParams())
	bm.Allocate(seq)

	// Fill the first block: its hash is recorded
	seq.AppendToken(4)
	bm.MayAppend(seq)
	if len(seq.BlockTable) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(seq.BlockTable))
	}
	if bm.blocks[seq.BlockTable[0]].Hash == 0 {
		t.Errorf("Expected full block to be hashed")
	}

	// The fifth token opens a second block
	seq.AppendToken(5)
	if !bm.CanAppend(seq) {
		t.Fatalf("Expected room for a new block")
	}
	bm.MayAppend(seq)
	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected 2 blocks, got %d", len(seq.BlockTable))
	}
}

func TestBlockManagerComputeHash(t *testing.T) {
	bm := NewBlockManager(100, 16)

	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := bm.ComputeHash(tokenIDs, 0)
	hash2 := bm.ComputeHash(tokenIDs, 0)

	if hash1 != hash2 {
		t.Errorf("Hash should be deterministic")
	}

	tokenIDs2 := []int{1, 2, 3, 4, 6}
	hash3 := bm.ComputeHash(tokenIDs2, 0)

	if hash1 == hash3 {
		t.Errorf("Different token IDs should produce different hashes")
	}
}
