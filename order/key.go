package order

import (
	"encoding/binary"
	"fmt"
)

// Key is a position in a room's total event order.
// Depth is the topological depth of the event in the room graph and Stream
// is the position the indexer assigned within that depth. Keys compare
// lexicographically: smaller means earlier.
type Key struct {
	Depth  int64
	Stream int64
}

// EncodedKeySize is the length of the binary encoding produced by Encode.
const EncodedKeySize = 16

// Compare compares two keys.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Key) int {
	if a.Depth < b.Depth {
		return -1
	}
	if a.Depth > b.Depth {
		return 1
	}

	// Depths are equal, compare stream positions
	if a.Stream < b.Stream {
		return -1
	}
	if a.Stream > b.Stream {
		return 1
	}

	return 0
}

// Less returns true if a is earlier than b.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}

// After returns true if a is later than b.
func After(a, b Key) bool {
	return Compare(a, b) > 0
}

// Equal returns true if the keys are the same position.
func Equal(a, b Key) bool {
	return Compare(a, b) == 0
}

// Encode returns a big-endian binary encoding whose byte order matches the
// key order, so encoded keys can be used directly as sorted store keys.
// Both components are biased by 2^63 to keep negative depths sortable.
func (k Key) Encode() []byte {
	buf := make([]byte, EncodedKeySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.Depth)+(1<<63))
	binary.BigEndian.PutUint64(buf[8:16], uint64(k.Stream)+(1<<63))
	return buf
}

// Decode parses a key produced by Encode.
func Decode(buf []byte) (Key, error) {
	if len(buf) != EncodedKeySize {
		return Key{}, fmt.Errorf("invalid encoded key length %d", len(buf))
	}
	return Key{
		Depth:  int64(binary.BigEndian.Uint64(buf[0:8]) - (1 << 63)),
		Stream: int64(binary.BigEndian.Uint64(buf[8:16]) - (1 << 63)),
	}, nil
}

// String returns a human-readable representation.
func (k Key) String() string {
	return fmt.Sprintf("(%d,%d)", k.Depth, k.Stream)
}
