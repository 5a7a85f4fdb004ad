// Package oheap implements Path-OHeap: a min-heap laid over a binary
// tree of encrypted buckets where every bucket additionally carries
// the minimum key present in its subtree, letting FindMin read a
// single bucket while ExtractMin and Insert still only ever touch two
// root-to-leaf paths.
package oheap

import (
	"crypto/rand"
	"math/big"
	"math/bits"

	"go.uber.org/zap"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/internal/codec"
	"github.com/etclab/dyno/internal/obslog"
	"github.com/etclab/dyno/oram"
)

// BucketSize is Z for the OHeap tree (distinct from the ORAM's Z=4).
const BucketSize = 3

// Pos, Key, and Val mirror the plain-integer fields of the original
// heap block; unlike an ORAM block, an OHeap value is a single uint32,
// not an arbitrary byte payload.
type (
	Pos uint32
	Key uint32
	Val uint32
)

// Block is a single heap-addressable unit. A Block with Pos == 0 is a dummy.
type Block struct {
	Pos Pos
	Key Key
	Val Val
}

func (b Block) isDummy() bool { return b.Pos == 0 }

type bucket struct {
	blocks   [BucketSize]Block
	minBlock Block
}

// newBucket packs blocks into a bucket and recomputes MinBlock,
// starting from carry (the already-computed min of this bucket's
// children) exactly as the original two-pass carry does.
func newBucket(blocks [BucketSize]Block, carry Block) bucket {
	bu := bucket{blocks: blocks, minBlock: carry}
	for _, b := range blocks {
		if !b.isDummy() && (bu.minBlock.isDummy() || b.Key < bu.minBlock.Key) {
			bu.minBlock = b
		}
	}
	return bu
}

type encryptedBucket struct {
	cipherText  []byte
	digest      crypto.Digest
	initialized bool
}

const blockSize = 3 * codec.Uint32Size
const plainBucketSize = (BucketSize + 1) * blockSize // blocks + min_block

// OHeap is a fixed-capacity oblivious min-heap.
type OHeap struct {
	capacity   int
	size       int
	depth      int
	numBuckets int

	buckets []encryptedBucket
	stash   []Block

	memoryAccessCount     uint64
	memoryBytesMovedTotal uint64
	encryptedBucketSize   int
}

// New builds an empty OHeap of the given capacity (a power of two).
func New(capacity int) (*OHeap, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, oram.ErrInvalidCapacity
	}
	depth := bits.Len(uint(capacity)) - 1
	numBuckets := 2*capacity - 1

	h := &OHeap{
		capacity:   capacity,
		depth:      depth,
		numBuckets: numBuckets,
		buckets:    make([]encryptedBucket, numBuckets),
	}
	h.encryptedBucketSize = crypto.CiphertextLen(plainBucketSize) + crypto.DigestSize
	return h, nil
}

// Capacity returns the number of leaves (and the maximum pos value).
func (h *OHeap) Capacity() int { return h.capacity }

// Size returns the number of elements currently in the heap.
func (h *OHeap) Size() int { return h.size }

// MemoryAccessCount returns the cumulative number of path accesses this heap has performed.
func (h *OHeap) MemoryAccessCount() uint64 { return h.memoryAccessCount }

// MemoryBytesMovedTotal returns the cumulative number of encrypted bytes traversed.
func (h *OHeap) MemoryBytesMovedTotal() uint64 { return h.memoryBytesMovedTotal }

// GeneratePos draws a uniformly random leaf position in [1, capacity].
func (h *OHeap) GeneratePos() Pos {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(h.capacity)))
	if err != nil {
		obslog.L().Fatal("oheap: position generation failed", zap.Error(err))
	}
	return Pos(n.Int64() + 1)
}

// FindMin returns the smallest-keyed block in the heap without
// removing it. When pad is true (the default for a standalone call)
// it follows up with a dummy access so FindMin is indistinguishable
// in cost from any other operation.
func (h *OHeap) FindMin(encKey crypto.Key, pad bool) (Block, error) {
	h.memoryAccessCount++
	h.memoryBytesMovedTotal += uint64(h.encryptedBucketSize)

	bu, err := h.decryptBucket(h.buckets[0], encKey)
	if err != nil {
		return Block{}, err
	}
	res := bu.minBlock
	if pad {
		if err := h.DummyAccess(encKey, false); err != nil {
			return Block{}, err
		}
	}
	return res, nil
}

// ExtractMin removes and returns the smallest-keyed block in the heap,
// or a dummy if the heap is empty.
func (h *OHeap) ExtractMin(encKey crypto.Key) (Block, error) {
	minBlock, err := h.FindMin(encKey, false)
	if err != nil {
		return Block{}, err
	}
	if minBlock.isDummy() {
		return minBlock, h.DummyAccess(encKey, false)
	}

	secondPos := h.generateSecondPos(minBlock.Pos)
	if _, err := h.readPath(minBlock, true, encKey); err != nil {
		return Block{}, err
	}
	if err := h.updateMinAndEvict(minBlock.Pos, encKey); err != nil {
		return Block{}, err
	}
	if _, err := h.readPath(Block{Pos: secondPos}, true, encKey); err != nil {
		return Block{}, err
	}
	if err := h.updateMinAndEvict(secondPos, encKey); err != nil {
		return Block{}, err
	}

	h.size--
	return minBlock, nil
}

// Insert adds block to the heap, tagging it with a fresh random position.
func (h *OHeap) Insert(block Block, encKey crypto.Key) error {
	if _, err := h.FindMin(encKey, false); err != nil {
		return err
	}
	block.Pos = h.GeneratePos()
	pos1, pos2 := h.generatePathPair()
	h.stash = append(h.stash, block)

	if _, err := h.readPath(Block{Pos: pos1}, false, encKey); err != nil {
		return err
	}
	if err := h.updateMinAndEvict(pos1, encKey); err != nil {
		return err
	}
	if _, err := h.readPath(Block{Pos: pos2}, false, encKey); err != nil {
		return err
	}
	if err := h.updateMinAndEvict(pos2, encKey); err != nil {
		return err
	}

	h.size++
	return nil
}

// DummyAccess performs the same work as Insert/ExtractMin without
// touching any real block. withFindMin should be false when the
// caller already performed a FindMin immediately before.
func (h *OHeap) DummyAccess(encKey crypto.Key, withFindMin bool) error {
	if withFindMin {
		if _, err := h.FindMin(encKey, false); err != nil {
			return err
		}
	}
	pos1, pos2 := h.generatePathPair()
	if _, err := h.readPath(Block{Pos: pos1}, false, encKey); err != nil {
		return err
	}
	if err := h.updateMinAndEvict(pos1, encKey); err != nil {
		return err
	}
	if _, err := h.readPath(Block{Pos: pos2}, false, encKey); err != nil {
		return err
	}
	return h.updateMinAndEvict(pos2, encKey)
}

// FillWithDummies initializes every bucket to a freshly encrypted
// all-dummy bucket. Intended to be called once, right after New.
func (h *OHeap) FillWithDummies(encKey crypto.Key) error {
	h.memoryAccessCount++
	h.memoryBytesMovedTotal += uint64(h.numBuckets * h.encryptedBucketSize)

	empty := newBucket([BucketSize]Block{}, Block{})
	for i := range h.buckets {
		eb, err := h.encryptBucket(empty, encKey)
		if err != nil {
			return err
		}
		h.buckets[i] = eb
	}
	return nil
}

// DecryptAll returns every real block currently in the heap (stash and
// tree). For testing/debugging only; not access-pattern safe.
func (h *OHeap) DecryptAll(encKey crypto.Key) ([]Block, error) {
	res := make([]Block, 0, len(h.stash))
	res = append(res, h.stash...)
	for _, eb := range h.buckets {
		bu, err := h.decryptBucket(eb, encKey)
		if err != nil {
			return nil, err
		}
		for _, b := range bu.blocks {
			if !b.isDummy() {
				res = append(res, b)
			}
		}
	}
	return res, nil
}

// BucketMin returns the min_block stored for the tree bucket at idx,
// for tests that check the subtree-min invariant via DecryptAll-style introspection.
func (h *OHeap) BucketMin(idx int, encKey crypto.Key) (Block, error) {
	bu, err := h.decryptBucket(h.buckets[idx], encKey)
	if err != nil {
		return Block{}, err
	}
	return bu.minBlock, nil
}

// NumBuckets returns the number of tree buckets (2*capacity - 1).
func (h *OHeap) NumBuckets() int { return h.numBuckets }

func (h *OHeap) readPath(query Block, returnIfFound bool, encKey crypto.Key) (Block, error) {
	res := Block{}
	found := false
	path := h.path(query.Pos)
	h.memoryAccessCount++
	h.memoryBytesMovedTotal += uint64(len(path) * h.encryptedBucketSize)

	for _, idx := range path {
		bu, err := h.decryptBucket(h.buckets[idx], encKey)
		if err != nil {
			return Block{}, err
		}
		for _, b := range bu.blocks {
			if !found && returnIfFound && b == query {
				res = b
				found = true
			} else if !b.isDummy() {
				h.stash = append(h.stash, b)
			}
		}
	}
	return res, nil
}

func (h *OHeap) updateMinAndEvict(pos Pos, encKey crypto.Key) error {
	path := h.path(pos)
	h.memoryAccessCount++
	h.memoryBytesMovedTotal += uint64(len(path) * h.encryptedBucketSize)

	deleted := make([]bool, len(h.stash))
	level := h.depth
	childrenMin := Block{}

	for _, idx := range path {
		var blocks [BucketSize]Block
		n := 0
		for i := 0; i < len(h.stash) && n < BucketSize; i++ {
			if deleted[i] {
				continue
			}
			if h.pathAtLevel(h.stash[i].Pos, level) == idx {
				blocks[n] = h.stash[i]
				n++
				deleted[i] = true
			}
		}

		bu := newBucket(blocks, childrenMin)
		eb, err := h.encryptBucket(bu, encKey)
		if err != nil {
			return err
		}
		h.buckets[idx] = eb

		siblingMin, err := h.siblingMin(idx, encKey)
		if err != nil {
			return err
		}
		if !siblingMin.isDummy() && (bu.minBlock.isDummy() || siblingMin.Key < bu.minBlock.Key) {
			childrenMin = siblingMin
		} else {
			childrenMin = bu.minBlock
		}
		level--
	}

	kept := h.stash[:0]
	for i, b := range h.stash {
		if !deleted[i] {
			kept = append(kept, b)
		}
	}
	h.stash = kept
	return nil
}

func (h *OHeap) siblingMin(idx int, encKey crypto.Key) (Block, error) {
	if idx == 0 {
		return Block{}, nil
	}
	h.memoryBytesMovedTotal += uint64(h.encryptedBucketSize)

	siblingIdx := idx - 1
	if idx%2 != 0 {
		siblingIdx = idx + 1
	}
	bu, err := h.decryptBucket(h.buckets[siblingIdx], encKey)
	if err != nil {
		return Block{}, err
	}
	return bu.minBlock, nil
}

func (h *OHeap) path(pos Pos) []int {
	res := make([]int, 0, h.depth+1)
	index := h.capacity - 1 + int(pos)
	for index > 0 {
		res = append(res, index-1)
		index /= 2
	}
	return res
}

func (h *OHeap) pathAtLevel(pos Pos, level int) int {
	return (h.capacity-1+int(pos))/(1<<(h.depth-level)) - 1
}

// generatePathPair draws two independent leaf positions, one from the
// left half of the tree and one from the right half, straddling the root's children.
func (h *OHeap) generatePathPair() (Pos, Pos) {
	half := Pos(h.capacity >> 1)
	pos1 := 1 + ((h.GeneratePos() - 1) >> 1)
	pos2 := 1 + (((h.GeneratePos() - 1) >> 1) | half)
	return pos1, pos2
}

// generateSecondPos draws a random leaf in the half of the tree not
// containing p, so the two eviction paths reach the root via different children.
func (h *OHeap) generateSecondPos(p Pos) Pos {
	half := Pos(h.capacity >> 1)
	base := (half & (p - 1)) ^ half
	return (base | ((h.GeneratePos() - 1) >> 1)) + 1
}

func (h *OHeap) encodeBucket(bu bucket) []byte {
	buf := make([]byte, plainBucketSize)
	encodeBlock(buf[0:blockSize], bu.blocks[0])
	for i := 1; i < BucketSize; i++ {
		encodeBlock(buf[i*blockSize:(i+1)*blockSize], bu.blocks[i])
	}
	encodeBlock(buf[BucketSize*blockSize:], bu.minBlock)
	return buf
}

func (h *OHeap) decodeBucket(buf []byte) bucket {
	var bu bucket
	for i := 0; i < BucketSize; i++ {
		bu.blocks[i] = decodeBlock(buf[i*blockSize : (i+1)*blockSize])
	}
	bu.minBlock = decodeBlock(buf[BucketSize*blockSize:])
	return bu
}

func encodeBlock(dst []byte, b Block) {
	codec.PutUint32(dst, uint32(b.Pos))
	codec.PutUint32(dst[codec.Uint32Size:], uint32(b.Key))
	codec.PutUint32(dst[2*codec.Uint32Size:], uint32(b.Val))
}

func decodeBlock(src []byte) Block {
	return Block{
		Pos: Pos(codec.Uint32(src)),
		Key: Key(codec.Uint32(src[codec.Uint32Size:])),
		Val: Val(codec.Uint32(src[2*codec.Uint32Size:])),
	}
}

func (h *OHeap) encryptBucket(bu bucket, encKey crypto.Key) (encryptedBucket, error) {
	ciphertext, err := crypto.Encrypt(h.encodeBucket(bu), encKey)
	if err != nil {
		return encryptedBucket{}, err
	}
	return encryptedBucket{
		cipherText:  ciphertext,
		digest:      crypto.Hash(ciphertext),
		initialized: true,
	}, nil
}

func (h *OHeap) decryptBucket(eb encryptedBucket, encKey crypto.Key) (bucket, error) {
	if !eb.initialized {
		return newBucket([BucketSize]Block{}, Block{}), nil
	}
	if crypto.Hash(eb.cipherText) != eb.digest {
		obslog.L().Error("oheap: bucket failed integrity check")
		return bucket{}, oram.ErrTamper
	}
	plaintext, err := crypto.Decrypt(eb.cipherText, encKey)
	if err != nil {
		return bucket{}, err
	}
	return h.decodeBucket(plaintext), nil
}
