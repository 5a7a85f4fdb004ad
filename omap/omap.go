// Package omap implements Path-AVL OMap: a balanced binary search
// tree of key/value pairs stored as blocks inside a Path-ORAM. Every
// operation fetches, rebalances, and rewrites its working set through
// a write-back cache, then pads the total ORAM access count up to a
// fixed budget so the trace never reveals the key, the tree shape, or
// whether the key was present.
package omap

import (
	"math"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/internal/codec"
	"github.com/etclab/dyno/oram"
)

// Key and Val are the plain-integer key/value domain. 0 is the
// reserved "not found"/empty sentinel for Val.
type (
	Key uint32
	Val uint32
)

// KeyValPair is one entry as returned by DecryptAll/TakeOne.
type KeyValPair struct {
	Key Key
	Val Val
}

// blockPointer is an (oram key, oram pos) reference to a child node.
// The zero value means "no child".
type blockPointer struct {
	Key oram.Key
	Pos oram.Pos
}

// block is an AVL node as stored inside one ORAM value.
type block struct {
	Key    Key
	Val    Val
	LC, RC blockPointer
	Height uint32
}

const blockSize = 2*codec.Uint32Size + 2*codec.PointerSize + codec.Uint32Size

// OMap is a fixed-capacity oblivious map.
type OMap struct {
	capacity int
	maxDepth uint32
	padVal   uint32
	size     int

	tree *oram.ORAM
	root blockPointer

	accessesBeforeFinalize uint32
	cache                  map[oram.Key]*block

	deleteRes        Val
	deleteSuccessful bool
}

// New builds an empty OMap over a capacity-n ORAM (position-map
// disabled, key generation enabled).
func New(n int) (*OMap, error) {
	tree, err := oram.New(n, blockSize, false, true)
	if err != nil {
		return nil, err
	}
	log2n := math.Log2(float64(n))
	return &OMap{
		capacity: n,
		maxDepth: uint32(math.Ceil(1.44 * log2n)),
		padVal:   uint32(math.Ceil(1.44 * 3.0 * log2n)),
		tree:     tree,
		cache:    make(map[oram.Key]*block),
	}, nil
}

// Capacity returns the maximum number of entries this map can hold.
func (m *OMap) Capacity() int { return m.capacity }

// Size returns the number of entries currently stored.
func (m *OMap) Size() int { return m.size }

// MemoryAccessCount returns the cumulative ORAM path-access count.
func (m *OMap) MemoryAccessCount() uint64 { return m.tree.MemoryAccessCount() }

// MemoryBytesMovedTotal returns the cumulative encrypted bytes traversed.
func (m *OMap) MemoryBytesMovedTotal() uint64 { return m.tree.MemoryBytesMovedTotal() }

// FillWithDummies initializes the underlying ORAM. Call once right after New.
func (m *OMap) FillWithDummies(encKey crypto.Key) error {
	return m.tree.FillWithDummies(encKey)
}

// Insert sets key to val, inserting a new node if key was absent or
// replacing the value in place if it was present.
func (m *OMap) Insert(key Key, val Val, encKey crypto.Key) error {
	replacement, err := m.insert(key, val, m.root, encKey)
	if err != nil {
		return err
	}
	m.root = replacement
	return m.finalize(encKey)
}

// ReadAndRemove deletes key from the map, returning its value, or 0 if absent.
func (m *OMap) ReadAndRemove(key Key, encKey crypto.Key) (Val, error) {
	replacement, err := m.delete(key, m.root, encKey)
	if err != nil {
		return 0, err
	}
	m.root = replacement

	res := Val(0)
	if m.deleteSuccessful {
		m.size--
		res = m.deleteRes
		m.deleteRes = 0
		m.deleteSuccessful = false
	}
	if err := m.finalize(encKey); err != nil {
		return 0, err
	}
	return res, nil
}

// Read returns the value stored for key, or 0 if absent.
func (m *OMap) Read(key Key, encKey crypto.Key) (Val, error) {
	bp, err := m.find(key, m.root, encKey)
	if err != nil {
		return 0, err
	}
	res := Val(0)
	if bp.Key != 0 {
		res = m.cache[bp.Key].Val
	}
	if err := m.finalize(encKey); err != nil {
		return 0, err
	}
	return res, nil
}

// TakeOne removes and returns the node currently at the root. Used by
// the stepping wrapper to migrate elements one at a time.
func (m *OMap) TakeOne(encKey crypto.Key) (KeyValPair, error) {
	rootBlock, err := m.fetch(m.root, encKey)
	if err != nil {
		return KeyValPair{}, err
	}
	key := rootBlock.Key
	val, err := m.ReadAndRemove(key, encKey)
	return KeyValPair{Key: key, Val: val}, err
}

// DecryptAll returns every entry in the map via a depth-first walk.
// For testing/debugging only; not access-pattern safe.
func (m *OMap) DecryptAll(encKey crypto.Key) ([]KeyValPair, error) {
	var res []KeyValPair
	if err := m.decryptAll(m.root, &res, encKey); err != nil {
		return nil, err
	}
	if err := m.finalize(encKey); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *OMap) decryptAll(bp blockPointer, res *[]KeyValPair, encKey crypto.Key) error {
	if bp.Key == 0 {
		return nil
	}
	b, err := m.fetch(bp, encKey)
	if err != nil {
		return err
	}
	*res = append(*res, KeyValPair{Key: b.Key, Val: b.Val})
	if err := m.decryptAll(b.LC, res, encKey); err != nil {
		return err
	}
	return m.decryptAll(b.RC, res, encKey)
}

func (m *OMap) insert(key Key, val Val, rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	if rootBp.Key == 0 {
		rootBp.Key = m.tree.NextKey()
		m.cache[rootBp.Key] = &block{Key: key, Val: val, Height: 1}
		m.size++
		return rootBp, nil
	}

	cur, err := m.fetch(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}

	if key == cur.Key {
		cur.Val = val
		return rootBp, nil
	}

	if key < cur.Key {
		replacement, err := m.insert(key, val, cur.LC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		cur.LC = replacement
	} else {
		replacement, err := m.insert(key, val, cur.RC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		cur.RC = replacement
	}

	lh, err := m.getHeight(cur.LC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	rh, err := m.getHeight(cur.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	cur.Height = max(lh, rh) + 1

	return m.balance(rootBp, encKey)
}

func (m *OMap) delete(key Key, rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	if rootBp.Key == 0 {
		return rootBp, nil
	}

	cur, err := m.fetch(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}

	if key < cur.Key {
		replacement, err := m.delete(key, cur.LC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		cur.LC = replacement
		return m.balance(rootBp, encKey)
	}
	if key > cur.Key {
		replacement, err := m.delete(key, cur.RC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		cur.RC = replacement
		return m.balance(rootBp, encKey)
	}

	// key == cur.Key
	if !m.deleteSuccessful {
		m.deleteRes = cur.Val
		m.deleteSuccessful = true
	}

	lcKey, rcKey := cur.LC.Key, cur.RC.Key

	switch {
	case lcKey == 0 && rcKey == 0:
		delete(m.cache, rootBp.Key)
		m.tree.AddFreedKey(rootBp.Key)
		return blockPointer{}, nil
	case lcKey != 0 && rcKey == 0:
		res := cur.LC
		delete(m.cache, rootBp.Key)
		m.tree.AddFreedKey(rootBp.Key)
		return res, nil
	case lcKey == 0 && rcKey != 0:
		res := cur.RC
		delete(m.cache, rootBp.Key)
		m.tree.AddFreedKey(rootBp.Key)
		return res, nil
	}

	// Two children: find the in-order successor, bounded by maxDepth fetches.
	it := cur.RC
	var successor *block
	for i := uint32(0); i < m.maxDepth; i++ {
		successor, err = m.fetch(it, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		if successor.LC.Key == 0 {
			break
		}
		it = successor.LC
	}

	cur.Key = successor.Key
	cur.Val = successor.Val

	newRC, err := m.delete(Key(successor.Key), cur.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	cur.RC = newRC

	return m.balance(rootBp, encKey)
}

// fetch returns the cached node for bp, issuing one ORAM read_and_remove on a cache miss.
func (m *OMap) fetch(bp blockPointer, encKey crypto.Key) (*block, error) {
	if bp.Key == 0 {
		return &block{}, nil
	}

	if cached, ok := m.cache[bp.Key]; ok {
		return cached, nil
	}

	if bp.Pos == 0 {
		panic(oram.ErrInvalidPos)
	}
	m.accessesBeforeFinalize++
	res, err := m.tree.ReadAndRemove(oram.Block{Pos: bp.Pos, Key: bp.Key}, encKey)
	if err != nil {
		return nil, err
	}
	b := decodeBlock(res.Val)
	m.cache[bp.Key] = &b
	return m.cache[bp.Key], nil
}

func (m *OMap) balance(rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	bf, err := m.balanceFactor(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	if bf >= -1 && bf <= 1 {
		return rootBp, nil
	}

	cur := m.cache[rootBp.Key]
	if bf < -1 {
		lbf, err := m.balanceFactor(cur.LC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		if lbf > 0 {
			newLC, err := m.rotateLeft(cur.LC, encKey)
			if err != nil {
				return blockPointer{}, err
			}
			cur.LC = newLC
		}
		return m.rotateRight(rootBp, encKey)
	}

	rbf, err := m.balanceFactor(cur.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	if rbf < 0 {
		newRC, err := m.rotateRight(cur.RC, encKey)
		if err != nil {
			return blockPointer{}, err
		}
		cur.RC = newRC
	}
	return m.rotateLeft(rootBp, encKey)
}

func (m *OMap) balanceFactor(bp blockPointer, encKey crypto.Key) (int, error) {
	cur, err := m.fetch(bp, encKey)
	if err != nil {
		return 0, err
	}
	lh, err := m.getHeight(cur.LC, encKey)
	if err != nil {
		return 0, err
	}
	rh, err := m.getHeight(cur.RC, encKey)
	if err != nil {
		return 0, err
	}
	return int(rh) - int(lh), nil
}

func (m *OMap) getHeight(bp blockPointer, encKey crypto.Key) (uint32, error) {
	if bp.Key == 0 {
		return 0, nil
	}
	b, err := m.fetch(bp, encKey)
	if err != nil {
		return 0, err
	}
	return b.Height, nil
}

func (m *OMap) rotateLeft(rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	parent, err := m.fetch(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	rc, err := m.fetch(parent.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	lc, err := m.fetch(parent.LC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	rrc, err := m.fetch(rc.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	rlc, err := m.fetch(rc.LC, encKey)
	if err != nil {
		return blockPointer{}, err
	}

	newLC := block{
		Key: parent.Key, Val: parent.Val,
		LC: parent.LC, RC: rc.LC,
		Height: 1 + max(lc.Height, rlc.Height),
	}
	newParent := block{
		Key: Key(rc.Key), Val: rc.Val,
		LC: rootBp, RC: rc.RC,
		Height: 1 + max(newLC.Height, rrc.Height),
	}
	newParentBp := parent.RC

	m.cache[parent.RC.Key] = &newParent
	m.cache[rootBp.Key] = &newLC

	return newParentBp, nil
}

func (m *OMap) rotateRight(rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	parent, err := m.fetch(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	rc, err := m.fetch(parent.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	lc, err := m.fetch(parent.LC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	lrc, err := m.fetch(lc.RC, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	llc, err := m.fetch(lc.LC, encKey)
	if err != nil {
		return blockPointer{}, err
	}

	newRC := block{
		Key: parent.Key, Val: parent.Val,
		LC: lc.RC, RC: parent.RC,
		Height: 1 + max(lrc.Height, rc.Height),
	}
	newParent := block{
		Key: Key(lc.Key), Val: lc.Val,
		LC: lc.LC, RC: rootBp,
		Height: 1 + max(llc.Height, newRC.Height),
	}
	newParentBp := parent.LC

	m.cache[parent.LC.Key] = &newParent
	m.cache[rootBp.Key] = &newRC

	return newParentBp, nil
}

func (m *OMap) find(key Key, rootBp blockPointer, encKey crypto.Key) (blockPointer, error) {
	if rootBp.Key == 0 {
		return rootBp, nil
	}
	cur, err := m.fetch(rootBp, encKey)
	if err != nil {
		return blockPointer{}, err
	}
	if key == cur.Key {
		return rootBp, nil
	}
	if key < cur.Key {
		return m.find(key, cur.LC, encKey)
	}
	return m.find(key, cur.RC, encKey)
}

func (m *OMap) finalize(encKey crypto.Key) error {
	for i := m.accessesBeforeFinalize; i < m.padVal; i++ {
		if err := m.tree.DummyAccess(encKey); err != nil {
			return err
		}
	}
	m.accessesBeforeFinalize = 0

	posMap := make(map[oram.Key]oram.Pos, len(m.cache))
	for k := range m.cache {
		posMap[k] = m.tree.GeneratePos()
	}

	if p, ok := posMap[m.root.Key]; ok {
		m.root.Pos = p
	}

	for k, b := range m.cache {
		op := posMap[k]
		if p, ok := posMap[b.LC.Key]; ok {
			b.LC.Pos = p
		}
		if p, ok := posMap[b.RC.Key]; ok {
			b.RC.Pos = p
		}
		if err := m.tree.Insert(oram.Block{Pos: op, Key: k, Val: encodeBlock(*b)}, encKey); err != nil {
			return err
		}
	}

	writesDone := uint32(len(m.cache))
	m.cache = make(map[oram.Key]*block)

	for ; writesDone < m.padVal; writesDone++ {
		if err := m.tree.DummyAccess(encKey); err != nil {
			return err
		}
	}
	return nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func encodeBlock(b block) []byte {
	buf := make([]byte, blockSize)
	codec.PutUint32(buf, uint32(b.Key))
	codec.PutUint32(buf[codec.Uint32Size:], uint32(b.Val))
	off := 2 * codec.Uint32Size
	codec.PutPointer(buf[off:], uint32(b.LC.Key), uint32(b.LC.Pos))
	off += codec.PointerSize
	codec.PutPointer(buf[off:], uint32(b.RC.Key), uint32(b.RC.Pos))
	off += codec.PointerSize
	codec.PutUint32(buf[off:], b.Height)
	return buf
}

func decodeBlock(buf []byte) block {
	var b block
	b.Key = Key(codec.Uint32(buf))
	b.Val = Val(codec.Uint32(buf[codec.Uint32Size:]))
	off := 2 * codec.Uint32Size
	lcKey, lcPos := codec.Pointer(buf[off:])
	b.LC = blockPointer{Key: oram.Key(lcKey), Pos: oram.Pos(lcPos)}
	off += codec.PointerSize
	rcKey, rcPos := codec.Pointer(buf[off:])
	b.RC = blockPointer{Key: oram.Key(rcKey), Pos: oram.Pos(rcPos)}
	off += codec.PointerSize
	b.Height = codec.Uint32(buf[off:])
	return b
}
