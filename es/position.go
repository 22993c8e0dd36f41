package es

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// PositionKeySize is the length of the sortable binary form of a Position.
const PositionKeySize = 16

// Position is a totally ordered log position assigned by the store when a
// commit becomes durable. It pairs a coarse timestamp (seconds) with an
// ordinal that disambiguates commits within the same second.
//
// The zero Position sorts before every assigned position and means
// "from the beginning" wherever a watermark is expected.
type Position struct {
	// Seconds is the coarse commit time in unix seconds
	Seconds int64

	// Ordinal orders commits sharing the same Seconds value
	Ordinal int64
}

// Compare returns -1 if a < b, 0 if a == b and +1 if a > b.
// Ordering depends only on (Seconds, Ordinal), never on wall-clock metadata.
func Compare(a, b Position) int {
	switch {
	case a.Seconds < b.Seconds:
		return -1
	case a.Seconds > b.Seconds:
		return 1
	case a.Ordinal < b.Ordinal:
		return -1
	case a.Ordinal > b.Ordinal:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool {
	return Compare(p, other) < 0
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.Seconds == 0 && p.Ordinal == 0
}

// String renders the position as "seconds.ordinal".
func (p Position) String() string {
	return strconv.FormatInt(p.Seconds, 10) + "." + strconv.FormatInt(p.Ordinal, 10)
}

// ParsePosition parses the "seconds.ordinal" form produced by String.
func ParsePosition(s string) (Position, error) {
	secStr, ordStr, ok := strings.Cut(s, ".")
	if !ok {
		return Position{}, fmt.Errorf("invalid position %q: missing ordinal", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	ord, err := strconv.ParseInt(ordStr, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	if sec < 0 || ord < 0 {
		return Position{}, fmt.Errorf("invalid position %q: negative component", s)
	}
	return Position{Seconds: sec, Ordinal: ord}, nil
}

// AppendKey appends the big-endian binary form of p to dst.
// Byte-wise comparison of two keys matches Compare for non-negative positions.
func (p Position) AppendKey(dst []byte) []byte {
	var b [PositionKeySize]byte
	binary.BigEndian.PutUint64(b[:8], uint64(p.Seconds))
	binary.BigEndian.PutUint64(b[8:], uint64(p.Ordinal))
	return append(dst, b[:]...)
}

// PositionFromKey decodes a position previously encoded with AppendKey.
func PositionFromKey(key []byte) (Position, error) {
	if len(key) != PositionKeySize {
		return Position{}, fmt.Errorf("invalid position key length %d", len(key))
	}
	return Position{
		Seconds: int64(binary.BigEndian.Uint64(key[:8])),
		Ordinal: int64(binary.BigEndian.Uint64(key[8:])),
	}, nil
}

// NextPosition returns the position to assign to a commit made at unix time
// now, given the last assigned position. Positions never go backwards: if the
// clock has not advanced past last.Seconds the ordinal is bumped instead.
func NextPosition(last Position, now int64) Position {
	if now > last.Seconds {
		return Position{Seconds: now, Ordinal: 1}
	}
	return Position{Seconds: last.Seconds, Ordinal: last.Ordinal + 1}
}

// MinPosition returns the smaller of a and b.
func MinPosition(a, b Position) Position {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// MaxPosition returns the larger of a and b.
func MaxPosition(a, b Position) Position {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
