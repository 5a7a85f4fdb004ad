// Package codec implements the fixed-layout POD<->bytes conversion
// every ODS in this module relies on: each field is serialised in
// declaration order, little-endian, and a (key, pos) ORAM block
// pointer is always written as two consecutive uint32s. Every encoded
// shape has a size that depends only on configuration (value length,
// bucket size), never on content, which is what keeps bucket sizes -
// and therefore the access pattern - constant.
package codec

import "encoding/binary"

// Uint32Size is the width of a single encoded field.
const Uint32Size = 4

// PointerSize is the width of an encoded (key, pos) ORAM block pointer.
const PointerSize = 2 * Uint32Size

// PutUint32 writes v into dst[0:4], little-endian.
func PutUint32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

// Uint32 reads a little-endian uint32 from src[0:4].
func Uint32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// PutPointer writes an ORAM block pointer (key, pos) into dst[0:8].
func PutPointer(dst []byte, key, pos uint32) {
	PutUint32(dst[0:Uint32Size], key)
	PutUint32(dst[Uint32Size:PointerSize], pos)
}

// Pointer reads an ORAM block pointer (key, pos) from src[0:8].
func Pointer(src []byte) (key, pos uint32) {
	return Uint32(src[0:Uint32Size]), Uint32(src[Uint32Size:PointerSize])
}
