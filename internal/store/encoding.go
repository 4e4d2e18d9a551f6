package store

import "encoding/binary"

// encodeUint64 big-endian encodes v so lexicographic byte order matches
// numeric order -- required for BoltDB cursor range scans to behave.
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// compositeKey joins a string prefix with a big-endian uint64 suffix so a
// bucket can be range-scanned per-prefix in insertion order.
func compositeKey(prefix string, seq uint64) []byte {
	p := []byte(prefix)
	key := make([]byte, 0, len(p)+1+8)
	key = append(key, p...)
	key = append(key, 0) // NUL separator: prefix never legally contains it (ids are uuids)
	key = append(key, encodeUint64(seq)...)
	return key
}
