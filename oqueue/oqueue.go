// Package oqueue implements a FIFO queue laid over a Path-ORAM: each
// node holds a value and a pointer to the next-newer node, so Enqueue
// always writes into the slot the previous head reserved.
package oqueue

import (
	"errors"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/internal/codec"
	"github.com/etclab/dyno/oram"
)

// ErrFull is the panic value for Enqueue when the queue is already at capacity.
var ErrFull = errors.New("dyno/oqueue: queue is full")

// ErrSharedTooSmall is the panic value for NewShared when the shared
// ORAM's capacity is below the requested queue size.
var ErrSharedTooSmall = errors.New("dyno/oqueue: shared ORAM too small")

const blockSize = codec.Uint32Size + codec.PointerSize

// OQueue is a fixed-capacity oblivious queue. Unlike OStack, its
// underlying ORAM is built with key generation enabled, and it may be
// shared across several queues via NewShared.
type OQueue struct {
	capacity int
	size     int
	shared   *oram.Shared
	tree     *oram.ORAM
	headKey  oram.Key
	headPos  oram.Pos
	tailKey  oram.Key
	tailPos  oram.Pos
}

// New builds an empty OQueue with its own private capacity-n ORAM.
func New(n int, encKey crypto.Key) (*OQueue, error) {
	shared, err := oram.NewShared(n, blockSize, false, true)
	if err != nil {
		return nil, err
	}
	return newOnShared(n, shared, encKey)
}

// NewShared builds an OQueue of capacity n laid into an existing
// shared ORAM (which must have capacity >= n). The caller retains
// ownership of shared and must Release it when done. Requesting a
// queue larger than the shared ORAM is a programming error, and panics.
func NewShared(n int, shared *oram.Shared, encKey crypto.Key) (*OQueue, error) {
	if shared.ORAM() == nil || n > shared.ORAM().Capacity() {
		panic(ErrSharedTooSmall)
	}
	return newOnShared(n, shared.Acquire(), encKey)
}

func newOnShared(n int, shared *oram.Shared, encKey crypto.Key) (*OQueue, error) {
	tree := shared.ORAM()
	key := tree.NextKey()
	pos := tree.GeneratePos()
	return &OQueue{
		capacity: n,
		shared:   shared,
		tree:     tree,
		headKey:  key,
		headPos:  pos,
		tailKey:  key,
		tailPos:  pos,
	}, nil
}

// Close releases this queue's reference on its (possibly shared) ORAM.
func (q *OQueue) Close() {
	if q.shared != nil {
		q.shared.Release()
	}
}

// Capacity returns the maximum number of elements this queue can hold.
func (q *OQueue) Capacity() int { return q.capacity }

// Size returns the number of elements currently queued.
func (q *OQueue) Size() int { return q.size }

// MemoryAccessCount returns the cumulative ORAM path-access count of
// the underlying (possibly shared) ORAM.
func (q *OQueue) MemoryAccessCount() uint64 { return q.tree.MemoryAccessCount() }

// MemoryBytesMovedTotal returns the cumulative encrypted bytes traversed.
func (q *OQueue) MemoryBytesMovedTotal() uint64 { return q.tree.MemoryBytesMovedTotal() }

// FillWithDummies initializes the underlying ORAM. Call once right
// after New, and never on a queue attached to an already-initialized shared ORAM.
func (q *OQueue) FillWithDummies(encKey crypto.Key) error {
	return q.tree.FillWithDummies(encKey)
}

// Enqueue appends val to the back of the queue. Enqueueing onto a
// full queue is a programming error, and panics.
func (q *OQueue) Enqueue(val uint32, encKey crypto.Key) error {
	if q.size >= q.capacity {
		panic(ErrFull)
	}

	newHeadKey := q.tree.NextKey()
	newHeadPos := q.tree.GeneratePos()

	block := encodeBlock(val, newHeadKey, newHeadPos)
	if err := q.tree.Insert(oram.Block{Pos: q.headPos, Key: q.headKey, Val: block}, encKey); err != nil {
		return err
	}
	q.headKey, q.headPos = newHeadKey, newHeadPos
	q.size++
	return nil
}

// Dequeue removes and returns the front of the queue, or 0 if empty.
func (q *OQueue) Dequeue(encKey crypto.Key) (uint32, error) {
	if q.size == 0 {
		return 0, q.tree.DummyAccess(encKey)
	}

	res, err := q.tree.ReadAndRemove(oram.Block{Pos: q.tailPos, Key: q.tailKey}, encKey)
	if err != nil {
		return 0, err
	}
	q.tree.AddFreedKey(q.tailKey)
	q.size--
	val, nextKey, nextPos := decodeBlock(res.Val)
	q.tailKey, q.tailPos = nextKey, nextPos
	return val, nil
}

func encodeBlock(val uint32, nextKey oram.Key, nextPos oram.Pos) []byte {
	buf := make([]byte, blockSize)
	codec.PutUint32(buf, val)
	codec.PutPointer(buf[codec.Uint32Size:], uint32(nextKey), uint32(nextPos))
	return buf
}

func decodeBlock(buf []byte) (val uint32, nextKey oram.Key, nextPos oram.Pos) {
	val = codec.Uint32(buf)
	k, p := codec.Pointer(buf[codec.Uint32Size:])
	return val, oram.Key(k), oram.Pos(p)
}
