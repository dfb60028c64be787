package records

import (
	"bytes"
	"fmt"
)

/*
KeyConfig supplies the key ordering for structures that store key
ranges on disk. The storage layers never interpret key bytes
themselves, every comparison goes through the config so that callers
can plug in their own collation.
*/
type KeyConfig interface {
	// Compare returns negative, zero or positive for a < b, a == b,
	// a > b under the configured total order
	Compare(a []byte, b []byte) int
	// Copy writes src into dst and returns the bytes copied
	Copy(dst []byte, src []byte) int
	// String renders a key for diagnostics
	String(key []byte) string
}

type lexicographicKeys struct{}

func (lexicographicKeys) Compare(a []byte, b []byte) int {
	return bytes.Compare(a, b)
}

func (lexicographicKeys) Copy(dst []byte, src []byte) int {
	return copy(dst, src)
}

func (lexicographicKeys) String(key []byte) string {
	for _, b := range key {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("0x%x", key)
		}
	}
	return string(key)
}

// DefaultKeyConfig orders keys as raw byte strings
func DefaultKeyConfig() KeyConfig {
	return lexicographicKeys{}
}
