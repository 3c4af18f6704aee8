package nanovllm

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// ErrNoFreeBlocks is returned when the KV block pool is exhausted
var ErrNoFreeBlocks = errors.New("no free kv cache blocks")

// Block is one fixed-size slot of KV cache accounting. Full blocks carry a
// chained hash so identical prompt prefixes can share them.
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{BlockID: blockID}
}

func (b *Block) update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = append(b.TokenIDs[:0], tokenIDs...)
}

func (b *Block) reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = b.TokenIDs[:0]
}

// BlockManager hands out KV blocks to sequences with prefix caching
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]struct{}
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize:     blockSize,
		blocks:        make([]*Block, numBlocks),
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  make([]int, numBlocks),
		usedBlockIDs:  make(map[int]struct{}),
	}
	for i := range numBlocks {
		bm.blocks[i] = NewBlock(i)
		bm.freeBlockIDs[i] = i
	}
	return bm
}

// BlockSize returns the number of tokens per block
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// NumBlocks returns the size of the pool
func (bm *BlockManager) NumBlocks() int {
	return len(bm.blocks)
}

// NumFreeBlocks returns the number of unallocated blocks
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// ComputeHash chains the hash of a block's tokens onto the previous block's
// hash. A zero prefix starts a new chain.
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte

	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

func (bm *BlockManager) allocateBlock(blockID int) *Block {
	block := bm.blocks[blockID]
	block.reset()
	if i := slices.Index(bm.freeBlockIDs, blockID); i >= 0 {
		bm.freeBlockIDs = slices.Delete(bm.freeBlockIDs, i, i+1)
	}
	bm.usedBlockIDs[blockID] = struct{}{}
	return block
}

func (bm *BlockManager) deallocateBlock(blockID int) {
	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= seq.NumBlocks()
}

// cachedBlock returns the id of a block holding exactly tokenIDs under hash
// h, or -1.
func (bm *BlockManager) cachedBlock(h uint64, tokenIDs []int) int {
	if h == 0 {
		return -1
	}
	id, ok := bm.hashToBlockID[h]
	if !ok || !slices.Equal(bm.blocks[id].TokenIDs, tokenIDs) {
		return -1
	}
	return id
}

// Allocate assigns blocks to a waiting sequence, reusing cached full blocks
// for the longest matching prefix.
func (bm *BlockManager) Allocate(seq *Sequence) error {
	if len(seq.BlockTable) > 0 {
		return errors.New("sequence already has blocks allocated")
	}
	if !bm.CanAllocate(seq) {
		return ErrNoFreeBlocks
	}

	var h uint64
	cacheMiss := false

	for i := range seq.NumBlocks() {
		tokenIDs := seq.Block(i)

		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := bm.cachedBlock(h, tokenIDs)
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeBlockIDs[0]
			bm.allocateBlock(blockID)
		} else {
			seq.NumCachedTokens += bm.blockSize
			if _, used := bm.usedBlockIDs[blockID]; used {
				bm.blocks[blockID].RefCount++
			} else {
				bm.allocateBlock(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}

	if seq.NumCachedTokens > 0 {
		slog.Debug("prefix cache hit", "seq", seq.SeqID, "tokens", seq.NumCachedTokens)
	}
	return nil
}

// Deallocate releases a sequence's blocks. Hashes stay registered so a
// later prompt with the same prefix can pick them up again.
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for _, blockID := range slices.Backward(seq.BlockTable) {
		block := bm.blocks[blockID]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(blockID)
		}
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.blockSize == 1 {
		return len(bm.freeBlockIDs) >= 1
	}
	return true
}

// MayAppend updates block accounting after a token was appended: it opens
// a new block when the previous one filled, and seals a block's hash once
// it becomes full.
func (bm *BlockManager) MayAppend(seq *Sequence) error {
	blockTable := seq.BlockTable
	last := len(blockTable) - 1
	lastBlock := bm.blocks[blockTable[last]]

	switch seq.Len() % bm.blockSize {
	case 1:
		if len(bm.freeBlockIDs) == 0 {
			return ErrNoFreeBlocks
		}
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	case 0:
		var prefixHash uint64
		if last > 0 {
			prefixHash = bm.blocks[blockTable[last-1]].Hash
		}
		tokenIDs := seq.Block(seq.NumBlocks() - 1)
		h := bm.ComputeHash(tokenIDs, prefixHash)
		lastBlock.update(h, tokenIDs)
		bm.hashToBlockID[h] = lastBlock.BlockID
	}
	return nil
}
