package stepping

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/internal/obslog"
	"github.com/etclab/dyno/oheap"
)

// OHeap is a dynamic oblivious min-heap built from two static
// Path-OHeaps at adjacent power-of-two capacities. The reference
// design ships a header for this wrapper with no corresponding
// implementation; this is authored by analogy to the stepping OMap's
// Grow/Shrink shape, composed with the static OHeap's own
// Insert/ExtractMin (see DESIGN.md).
type OHeap struct {
	id       uuid.UUID
	capacity int
	size     int
	subs     [2]*oheap.OHeap

	memoryAccessCount     uint64
	memoryBytesMovedTotal uint64
}

// NewOHeap returns an empty dynamic OHeap.
func NewOHeap() *OHeap {
	return &OHeap{id: uuid.New()}
}

// ID returns this container's identity, stable for its lifetime and
// attached to every grow/shrink log line so a caller running many
// dynamic containers can tell which one a line is about.
func (h *OHeap) ID() uuid.UUID { return h.id }

// Capacity returns the externally visible capacity.
func (h *OHeap) Capacity() int { return h.capacity }

// Size returns the number of elements currently in the heap.
func (h *OHeap) Size() int { return h.size }

// MemoryAccessCount returns the cumulative path-access count across both slots.
func (h *OHeap) MemoryAccessCount() uint64 { return h.memoryAccessCount }

// MemoryBytesMovedTotal returns the cumulative encrypted bytes traversed across both slots.
func (h *OHeap) MemoryBytesMovedTotal() uint64 { return h.memoryBytesMovedTotal }

func (h *OHeap) subAccessSum() uint64 {
	var sum uint64
	for _, s := range h.subs {
		if s != nil {
			sum += s.MemoryAccessCount()
		}
	}
	return sum
}

func (h *OHeap) subBytesSum() uint64 {
	var sum uint64
	for _, s := range h.subs {
		if s != nil {
			sum += s.MemoryBytesMovedTotal()
		}
	}
	return sum
}

func (h *OHeap) skipFirst() bool {
	return h.subs[0] == nil || isPowerOfTwo(h.capacity)
}

// Grow advances capacity by one, migrating a single element from the
// smaller slot to the larger via ExtractMin/Insert.
func (h *OHeap) Grow(encKey crypto.Key) error {
	obslog.L().Debug("stepping/oheap: grow", zap.Stringer("id", h.id), zap.Int("capacity", h.capacity))

	if h.capacity == 0 {
		sub, err := oheap.New(1)
		if err != nil {
			return err
		}
		if err := sub.FillWithDummies(encKey); err != nil {
			return err
		}
		h.subs[1] = sub
		h.capacity++
		return nil
	}

	if isPowerOfTwo(h.capacity) {
		grown, err := oheap.New(2 * h.capacity)
		if err != nil {
			return err
		}
		if err := grown.FillWithDummies(encKey); err != nil {
			return err
		}
		h.subs[0] = h.subs[1]
		h.subs[1] = grown
	}

	startAccesses, startBytes := h.subAccessSum(), h.subBytesSum()
	moved, err := h.subs[0].ExtractMin(encKey)
	if err != nil {
		return err
	}
	if moved.Pos == 0 {
		if err := h.subs[1].DummyAccess(encKey, true); err != nil {
			return err
		}
	} else if err := h.subs[1].Insert(moved, encKey); err != nil {
		return err
	}

	h.capacity++
	h.memoryAccessCount += h.subAccessSum() - startAccesses
	h.memoryBytesMovedTotal += h.subBytesSum() - startBytes
	return nil
}

// Shrink reverses Grow, migrating two elements per step.
func (h *OHeap) Shrink(encKey crypto.Key) error {
	obslog.L().Debug("stepping/oheap: shrink", zap.Stringer("id", h.id), zap.Int("capacity", h.capacity))

	if h.capacity == 0 {
		return nil
	}

	if h.capacity == 1 {
		h.subs[0] = nil
		h.subs[1] = nil
		h.capacity = 0
		return nil
	}

	startAccesses, startBytes := h.subAccessSum(), h.subBytesSum()
	for i := 0; i < 2; i++ {
		var moved oheap.Block
		var err error
		if h.subs[0].Size() < h.subs[0].Capacity() {
			moved, err = h.subs[1].ExtractMin(encKey)
			if err != nil {
				return err
			}
		} else if err = h.subs[1].DummyAccess(encKey, true); err != nil {
			return err
		}

		if moved.Pos == 0 {
			if err := h.subs[0].DummyAccess(encKey, true); err != nil {
				return err
			}
		} else if err := h.subs[0].Insert(moved, encKey); err != nil {
			return err
		}
	}
	h.capacity--
	h.memoryAccessCount += h.subAccessSum() - startAccesses
	h.memoryBytesMovedTotal += h.subBytesSum() - startBytes

	if isPowerOfTwo(h.capacity) {
		h.subs[1] = h.subs[0]
		if h.capacity/2 > 0 {
			grown, err := oheap.New(h.capacity / 2)
			if err != nil {
				return err
			}
			if err := grown.FillWithDummies(encKey); err != nil {
				return err
			}
			h.subs[0] = grown
		} else {
			h.subs[0] = nil
		}
	}
	return nil
}

// Insert adds block to the heap, tagged with a fresh position by the
// larger slot. The smaller slot (when present) takes a matching dummy
// access to keep the pattern independent of whether capacity is a
// power of two. Inserting into a heap already at capacity is a
// programming error (Grow must be called first), and panics, matching
// the capacity precondition carried over from the OMap wrapper this
// was authored by analogy to (see DESIGN.md).
func (h *OHeap) Insert(block oheap.Block, encKey crypto.Key) error {
	if h.size >= h.capacity {
		panic(ErrFull)
	}

	startAccesses, startBytes := h.subAccessSum(), h.subBytesSum()

	if h.subs[0] != nil {
		if err := h.subs[0].DummyAccess(encKey, true); err != nil {
			return err
		}
	}
	if err := h.subs[1].Insert(block, encKey); err != nil {
		return err
	}
	h.size++

	h.memoryAccessCount += h.subAccessSum() - startAccesses
	h.memoryBytesMovedTotal += h.subBytesSum() - startBytes
	return nil
}

// ExtractMin removes and returns the smallest-keyed block across both
// slots, or a dummy if the heap is empty.
func (h *OHeap) ExtractMin(encKey crypto.Key) (oheap.Block, error) {
	startAccesses, startBytes := h.subAccessSum(), h.subBytesSum()

	skip0 := h.skipFirst()
	var min0, min1 oheap.Block
	var err error
	if !skip0 {
		min0, err = h.subs[0].FindMin(encKey, false)
		if err != nil {
			return oheap.Block{}, err
		}
	}
	min1, err = h.subs[1].FindMin(encKey, false)
	if err != nil {
		return oheap.Block{}, err
	}

	extractFromFirst := !skip0 && min0.Pos != 0 && (min1.Pos == 0 || min0.Key < min1.Key)

	var res oheap.Block
	if extractFromFirst {
		res, err = h.subs[0].ExtractMin(encKey)
		if err != nil {
			return oheap.Block{}, err
		}
		if err := h.subs[1].DummyAccess(encKey, true); err != nil {
			return oheap.Block{}, err
		}
	} else {
		res, err = h.subs[1].ExtractMin(encKey)
		if err != nil {
			return oheap.Block{}, err
		}
		if !skip0 {
			if err := h.subs[0].DummyAccess(encKey, true); err != nil {
				return oheap.Block{}, err
			}
		}
	}

	if res.Pos != 0 {
		h.size--
	}
	h.memoryAccessCount += h.subAccessSum() - startAccesses
	h.memoryBytesMovedTotal += h.subBytesSum() - startBytes
	return res, nil
}

// FindMin returns the smallest-keyed block across both slots without removing it.
func (h *OHeap) FindMin(encKey crypto.Key) (oheap.Block, error) {
	startAccesses, startBytes := h.subAccessSum(), h.subBytesSum()

	skip0 := h.skipFirst()
	var min0, min1 oheap.Block
	var err error
	if !skip0 {
		min0, err = h.subs[0].FindMin(encKey, true)
		if err != nil {
			return oheap.Block{}, err
		}
	}
	min1, err = h.subs[1].FindMin(encKey, true)
	if err != nil {
		return oheap.Block{}, err
	}

	h.memoryAccessCount += h.subAccessSum() - startAccesses
	h.memoryBytesMovedTotal += h.subBytesSum() - startBytes

	if min0.Pos != 0 && (min1.Pos == 0 || min0.Key < min1.Key) {
		return min0, nil
	}
	return min1, nil
}
