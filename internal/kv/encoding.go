package kv

import "encoding/binary"

// PutUint64BE appends a big-endian uint64 to dst (8 bytes).
func PutUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint64BE reads a big-endian uint64 from b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutScore appends a signed score so that byte order matches numeric order.
// The sign bit is flipped: negative scores sort before positive ones.
func PutScore(dst []byte, score int64) []byte {
	return PutUint64BE(dst, uint64(score)^(1<<63))
}

// GetScore decodes a score written by PutScore.
func GetScore(b []byte) int64 {
	return int64(GetUint64BE(b) ^ (1 << 63))
}

// PutInt64 encodes a counter value (8 bytes, big-endian two's complement).
func PutInt64(v int64) []byte {
	return PutUint64BE(nil, uint64(v))
}

// GetInt64 decodes a counter value. Short or empty input reads as zero.
func GetInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(GetUint64BE(b))
}
