// Package stepping implements the dynamic (growable) wrapper shared
// by the ORAM, OMap, and OHeap families: two underlying static
// structures at adjacent power-of-two capacities, with one (or two,
// on shrink) elements migrated per Grow/Shrink step so the access
// pattern stays a pure function of the current capacity.
package stepping

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/internal/obslog"
	"github.com/etclab/dyno/oram"
)

// ErrShrinkDisabled is returned by ORAM.Shrink: the original dynamic
// ORAM wrapper never implements a shrink path, only Grow plus a
// range-based dispatch between its two slots, and this module
// preserves that asymmetry rather than adding a capability the
// reference design never had.
var ErrShrinkDisabled = errors.New("dyno/stepping: ORAM has no shrink")

// ErrInvalidKey is the panic value when a key outside [1, capacity] is
// addressed, matching the reference dynamic ORAM's precondition checks
// on every accessor.
var ErrInvalidKey = errors.New("dyno/stepping: key out of range")

// ErrFull is the panic value for OMap/OHeap Insert calls made without
// first growing capacity, matching the reference dynamic OMap's
// assert(size_ < capacity_) at the top of Insert.
var ErrFull = errors.New("dyno/stepping: container is full")

func isPowerOfTwo(x int) bool { return x > 0 && x&(x-1) == 0 }

// ORAM is a dynamic oblivious array addressed by a key in [1, capacity].
type ORAM struct {
	id       uuid.UUID
	capacity int
	size     int
	valLen   int
	subs     [2]*oram.ORAM

	memoryAccessCount     uint64
	memoryBytesMovedTotal uint64
}

// NewORAM builds an empty dynamic ORAM holding values of valLen bytes.
func NewORAM(valLen int) *ORAM {
	return &ORAM{id: uuid.New(), valLen: valLen}
}

// ID returns this container's identity, stable for its lifetime and
// attached to every grow/shrink log line so a caller running many
// dynamic containers can tell which one a line is about.
func (o *ORAM) ID() uuid.UUID { return o.id }

// Capacity returns the externally visible capacity.
func (o *ORAM) Capacity() int { return o.capacity }

// Size returns the number of keys currently holding a real block.
func (o *ORAM) Size() int { return o.size }

// MemoryAccessCount returns the cumulative path-access count across both slots.
func (o *ORAM) MemoryAccessCount() uint64 { return o.memoryAccessCount }

// MemoryBytesMovedTotal returns the cumulative encrypted bytes traversed across both slots.
func (o *ORAM) MemoryBytesMovedTotal() uint64 { return o.memoryBytesMovedTotal }

func (o *ORAM) subAccessSum() uint64 {
	var sum uint64
	for _, s := range o.subs {
		if s != nil {
			sum += s.MemoryAccessCount()
		}
	}
	return sum
}

func (o *ORAM) subBytesSum() uint64 {
	var sum uint64
	for _, s := range o.subs {
		if s != nil {
			sum += s.MemoryBytesMovedTotal()
		}
	}
	return sum
}

// Grow advances capacity by one, allocating/promoting sub-structures
// as needed and migrating one element from the smaller slot to the larger.
func (o *ORAM) Grow(encKey crypto.Key) error {
	obslog.L().Debug("stepping/oram: grow", zap.Stringer("id", o.id), zap.Int("capacity", o.capacity))

	if o.capacity == 0 {
		sub, err := oram.New(1, o.valLen, true, false)
		if err != nil {
			return err
		}
		if err := sub.FillWithDummies(encKey); err != nil {
			return err
		}
		o.subs[1] = sub
		o.capacity++
		return nil
	}

	if isPowerOfTwo(o.capacity) {
		grown, err := oram.New(2*o.capacity, o.valLen, true, false)
		if err != nil {
			return err
		}
		if err := grown.FillWithDummies(encKey); err != nil {
			return err
		}
		o.subs[0] = o.subs[1]
		o.subs[1] = grown
	}

	moveIdx := oram.Pos(o.capacity%o.subs[0].Capacity() + 1)
	startAccesses, startBytes := o.subAccessSum(), o.subBytesSum()

	moved, err := o.subs[0].ReadAndRemove(oram.Block{Key: oram.Key(moveIdx)}, encKey)
	if err != nil {
		return err
	}
	if moved.Key == 0 {
		if err := o.subs[1].DummyAccess(encKey); err != nil {
			return err
		}
	} else if err := o.subs[1].Insert(moved, encKey); err != nil {
		return err
	}

	o.memoryAccessCount += o.subAccessSum() - startAccesses
	o.memoryBytesMovedTotal += o.subBytesSum() - startBytes
	o.capacity++
	return nil
}

// Shrink is not implemented: the reference dynamic ORAM wrapper has
// no shrink path (see DESIGN.md).
func (o *ORAM) Shrink(crypto.Key) error {
	obslog.L().Debug("stepping/oram: shrink rejected", zap.Stringer("id", o.id))
	return ErrShrinkDisabled
}

// subOramIndex picks which slot holds key, and is the single checkpoint
// every accessor routes through, so it also enforces key's range.
func (o *ORAM) subOramIndex(key oram.Key) int {
	if int(key) < 1 || int(key) > o.capacity {
		panic(ErrInvalidKey)
	}
	if o.capacity == 1 {
		return 1
	}
	firstCap := o.subs[0].Capacity()
	if int(key) > firstCap || int(key) <= o.capacity-firstCap {
		return 1
	}
	return 0
}

// ReadAndRemove removes and returns the block stored at key, or a
// dummy if none is present.
func (o *ORAM) ReadAndRemove(key oram.Key, encKey crypto.Key) (oram.Block, error) {
	idx := o.subOramIndex(key)
	startAccesses, startBytes := o.subAccessSum(), o.subBytesSum()

	var res oram.Block
	for i := 0; i < 2; i++ {
		if i == 0 && (o.subs[0] == nil || isPowerOfTwo(o.capacity)) {
			continue
		}
		if i == idx {
			bl, err := o.subs[i].ReadAndRemove(oram.Block{Key: key}, encKey)
			if err != nil {
				return oram.Block{}, err
			}
			res = bl
		} else if err := o.subs[i].DummyAccess(encKey); err != nil {
			return oram.Block{}, err
		}
	}
	if res.Key != 0 {
		o.size--
	}
	o.memoryAccessCount += o.subAccessSum() - startAccesses
	o.memoryBytesMovedTotal += o.subBytesSum() - startBytes
	return res, nil
}

// Read returns the block stored at key without removing it, or a
// dummy if none is present.
func (o *ORAM) Read(key oram.Key, encKey crypto.Key) (oram.Block, error) {
	idx := o.subOramIndex(key)
	startAccesses, startBytes := o.subAccessSum(), o.subBytesSum()

	var res oram.Block
	for i := 0; i < 2; i++ {
		if i == 0 && (o.subs[0] == nil || isPowerOfTwo(o.capacity)) {
			continue
		}
		if i == idx {
			bl, err := o.subs[i].Read(oram.Block{Key: key}, encKey)
			if err != nil {
				return oram.Block{}, err
			}
			res = bl
		} else if err := o.subs[i].DummyAccess(encKey); err != nil {
			return oram.Block{}, err
		}
	}
	o.memoryAccessCount += o.subAccessSum() - startAccesses
	o.memoryBytesMovedTotal += o.subBytesSum() - startBytes
	return res, nil
}

// Insert stores val at key.
func (o *ORAM) Insert(key oram.Key, val []byte, encKey crypto.Key) error {
	idx := o.subOramIndex(key)
	startAccesses, startBytes := o.subAccessSum(), o.subBytesSum()

	for i := 0; i < 2; i++ {
		if o.subs[i] == nil {
			continue
		}
		if i == idx {
			if err := o.subs[i].Insert(oram.Block{Key: key, Val: val}, encKey); err != nil {
				return err
			}
		} else if err := o.subs[i].DummyAccess(encKey); err != nil {
			return err
		}
	}
	o.size++
	o.memoryAccessCount += o.subAccessSum() - startAccesses
	o.memoryBytesMovedTotal += o.subBytesSum() - startBytes
	return nil
}
