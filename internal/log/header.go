package log

import (
	"encoding/binary"
	"encoding/hex"
)

var (
	// enc defines the encoding that headers, trailers and index entries are persisted in
	enc = binary.LittleEndian
)

// The *Width constants define the number of bytes of each header field.
const (
	blockNumWidth    = 4
	blockIDWidth     = 32
	payloadSizeWidth = 8
	versionWidth     = 1

	// headerWidth is the fixed size of the header written before each payload
	headerWidth = blockNumWidth + blockIDWidth + payloadSizeWidth + versionWidth

	// posWidth is the size of the trailing self-offset and of every index record
	posWidth = 8
)

// Field offsets inside an encoded header.
const (
	blockNumAt    = 0
	blockIDAt     = blockNumAt + blockNumWidth
	payloadSizeAt = blockIDAt + blockIDWidth
	versionAt     = payloadSizeAt + payloadSizeWidth
)

// CurrentVersion is the only header version this package writes and reads.
const CurrentVersion uint8 = 0

// BlockID is the 256-bit content derived identifier of a block.
type BlockID [blockIDWidth]byte

// String returns the hex form of the id.
func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// Header prefixes every entry in a log file.
type Header struct {
	BlockNum    uint32
	BlockID     BlockID
	PayloadSize uint64
	Version     uint8
}

// Encode writes the header into b, which must be at least HeaderSize bytes.
func (h Header) Encode(b []byte) {
	_ = b[headerWidth-1]
	enc.PutUint32(b[blockNumAt:], h.BlockNum)
	copy(b[blockIDAt:payloadSizeAt], h.BlockID[:])
	enc.PutUint64(b[payloadSizeAt:], h.PayloadSize)
	b[versionAt] = h.Version
}

// DecodeHeader reads a header from b, which must be at least HeaderSize bytes.
func DecodeHeader(b []byte) Header {
	_ = b[headerWidth-1]
	var h Header
	h.BlockNum = enc.Uint32(b[blockNumAt:])
	copy(h.BlockID[:], b[blockIDAt:payloadSizeAt])
	h.PayloadSize = enc.Uint64(b[payloadSizeAt:])
	h.Version = b[versionAt]
	return h
}

// HeaderSize is the encoded size of a Header.
const HeaderSize = headerWidth

// entrySpan is the number of bytes an entry with the given payload occupies,
// header and trailing offset included.
func entrySpan(payloadSize uint64) uint64 {
	return headerWidth + payloadSize + posWidth
}
