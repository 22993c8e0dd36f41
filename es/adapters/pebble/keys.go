package pebblestore

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
)

// Key layout. All multi-byte integers are big-endian so that byte order
// matches numeric order.
//
//	c/<position 16B>                  encoded commit
//	s/<stream id>/<version 8B>        position of a stream version
//	e/<event id 16B>                  position of the commit holding the event
//	m/head                            last assigned position
//	w/<consumer>\x00<source>          consumer watermark
//	g/<consumer>\x00<event id 16B>    applied-event marker
var (
	prefixCommit    = []byte("c/")
	prefixStream    = []byte("s/")
	prefixEvent     = []byte("e/")
	prefixWatermark = []byte("w/")
	prefixGuard     = []byte("g/")
	keyHead         = []byte("m/head")
)

// KeyCommit returns the key of the commit at pos.
func KeyCommit(pos es.Position) []byte {
	return pos.AppendKey(append([]byte(nil), prefixCommit...))
}

// KeyStreamPrefix returns the prefix shared by every version of a stream.
func KeyStreamPrefix(streamID string) []byte {
	k := make([]byte, 0, len(prefixStream)+len(streamID)+1)
	k = append(k, prefixStream...)
	k = append(k, streamID...)
	return append(k, '/')
}

// KeyStreamVersion returns the index key of one stream version.
func KeyStreamVersion(streamID string, version int64) []byte {
	k := KeyStreamPrefix(streamID)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(version))
	return append(k, b[:]...)
}

// KeyEvent returns the index key of an event id.
func KeyEvent(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixEvent...), id[:]...)
}

// KeyWatermark returns the watermark key of (consumer, source).
func KeyWatermark(consumer, source string) []byte {
	k := append([]byte(nil), prefixWatermark...)
	k = append(k, consumer...)
	k = append(k, 0)
	return append(k, source...)
}

// KeyGuard returns the applied marker key of (consumer, event id).
func KeyGuard(consumer string, id uuid.UUID) []byte {
	k := append([]byte(nil), prefixGuard...)
	k = append(k, consumer...)
	k = append(k, 0)
	return append(k, id[:]...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
