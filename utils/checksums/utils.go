package checksums

import (
	"encoding/binary"
	"hash/crc32"
)

// Size of a stored checksum in bytes
const Size = 4

// WriteCRC computes the IEEE CRC32 of buffer and stores it big endian
// into the 4 byte checkSumLocation
func WriteCRC(checkSumLocation []byte, buffer []byte) {
	binary.BigEndian.PutUint32(checkSumLocation, crc32.ChecksumIEEE(buffer))
}

// VerifyCRC recomputes the checksum of buffer and compares it against
// the stored 4 byte big endian value
func VerifyCRC(stored []byte, buffer []byte) bool {
	return binary.BigEndian.Uint32(stored[:Size]) == crc32.ChecksumIEEE(buffer)
}
