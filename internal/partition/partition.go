package partition

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// Delim selects which bytes terminate a line's key.
type Delim int

const (
	// SpaceTab treats both space (0x20) and tab (0x09) as key delimiters.
	SpaceTab Delim = iota
	// SpaceOnly treats only space as a delimiter, for compatibility with
	// tools that split on the first space alone.
	SpaceOnly
)

// Key returns the routing key of a line: the maximal prefix containing no
// delimiter byte. A trailing newline is not part of the key. Lines with no
// delimiter key on the whole (newline-stripped) line; an empty line has an
// empty key.
func Key(line []byte, delim Delim) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})

	end := bytes.IndexByte(line, ' ')
	if delim == SpaceTab {
		if tab := bytes.IndexByte(line, '\t'); tab >= 0 && (end < 0 || tab < end) {
			end = tab
		}
	}
	if end < 0 {
		return line
	}

	return line[:end]
}

// Index maps a line to a shard in [0, n) by hashing its key. The mapping is
// deterministic for the life of the process; an empty key always lands on
// the same shard.
func Index(line []byte, n int, delim Delim) int {
	return int(xxhash.Sum64(Key(line, delim)) % uint64(n))
}
