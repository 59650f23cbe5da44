package bits

// Uint32 reads a field of size bits starting at the given bit offset,
// least significant bit first within each byte, assembled little-endian.
// Bytes beyond the end of data read as zero, so a field that overlaps a
// truncated buffer yields its surviving low bits. Sizes above 32 are
// clamped to 32.
func Uint32(data []byte, offset, size uint32) uint32 {
	if size == 0 {
		return 0
	}
	if size > 32 {
		size = 32
	}
	var v uint64
	first := offset / 8
	shift := offset % 8
	n := (shift + size + 7) / 8
	for i := uint32(0); i < n; i++ {
		pos := first + i
		if pos >= uint32(len(data)) {
			break
		}
		v |= uint64(data[pos]) << (8 * i)
	}
	v >>= shift
	return uint32(v & (uint64(1)<<size - 1))
}

// Int32 reads a field like Uint32 and sign-extends it from its top bit.
func Int32(data []byte, offset, size uint32) int32 {
	if size == 0 {
		return 0
	}
	if size > 32 {
		size = 32
	}
	v := Uint32(data, offset, size)
	return int32(v<<(32-size)) >> (32 - size)
}

// PutUint32 writes the low size bits of value into data at the given bit
// offset, in the same order Uint32 reads them. Bits that fall outside the
// buffer are dropped.
func PutUint32(data []byte, offset, size uint32, value uint32) {
	if size > 32 {
		size = 32
	}
	for i := uint32(0); i < size; i++ {
		pos := offset + i
		idx := pos / 8
		if idx >= uint32(len(data)) {
			return
		}
		mask := byte(1) << (pos % 8)
		if value&(1<<i) != 0 {
			data[idx] |= mask
		} else {
			data[idx] &^= mask
		}
	}
}
