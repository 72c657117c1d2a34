// pkg/protocol/index.go

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// HashSize is the size of a SHA-256 content hash.
const HashSize = 32

// RecordSize is the wire size of an index record.
const RecordSize = 8 + 4 + HashSize

// DefaultMaxIndexSize bounds the index a client accepts: 1024 records.
const DefaultMaxIndexSize = RecordSize * 1024

var ErrShortIndex = errors.New("index payload is not a multiple of the record size")

// Hash is a SHA-256 content digest.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText renders the hash as lower case hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// IndexRecord describes one live chunk.
type IndexRecord struct {
	Version uint64 `json:"version"`
	Size    uint32 `json:"size"`
	Hash    Hash   `json:"hash"`
}

func (r IndexRecord) String() string {
	return fmt.Sprintf("%016x:%d:%s", r.Version, r.Size, r.Hash)
}

// SortRecords orders records by version, then hash.
func SortRecords(records []IndexRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Version != records[j].Version {
			return records[i].Version < records[j].Version
		}
		return bytes.Compare(records[i].Hash[:], records[j].Hash[:]) < 0
	})
}

// EncodeIndex serializes records in the given order.
func EncodeIndex(records []IndexRecord) []byte {
	buf := make([]byte, len(records)*RecordSize)
	for i, r := range records {
		b := buf[i*RecordSize:]
		binary.BigEndian.PutUint64(b, r.Version)
		binary.LittleEndian.PutUint32(b[8:], r.Size)
		copy(b[12:RecordSize], r.Hash[:])
	}
	return buf
}

// DecodeIndex parses an index payload.
func DecodeIndex(buf []byte) ([]IndexRecord, error) {
	if len(buf)%RecordSize != 0 {
		return nil, ErrShortIndex
	}
	records := make([]IndexRecord, len(buf)/RecordSize)
	for i := range records {
		b := buf[i*RecordSize:]
		records[i].Version = binary.BigEndian.Uint64(b)
		records[i].Size = binary.LittleEndian.Uint32(b[8:])
		copy(records[i].Hash[:], b[12:RecordSize])
	}
	return records, nil
}
