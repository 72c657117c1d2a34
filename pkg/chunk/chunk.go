// pkg/chunk/chunk.go

package chunk

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"PeerSync/pkg/protocol"
	"PeerSync/pkg/utils"
)

var logger = utils.GetLogger("peersync")

const (
	// ChunkPrefix starts the name of every committed chunk file.
	ChunkPrefix = ".p2p-chunk-"
	// WritePrefix starts the name of a chunk being published.
	WritePrefix = ".p2p-write-"
	// TransferPrefix starts the name of a chunk being downloaded.
	TransferPrefix = ".p2p-transfer-"
	// LockName is the directory lock held by a running store.
	LockName = ".p2p-lock"
)

var chunkPattern = regexp.MustCompile(`^\.p2p-chunk-([a-f0-9]{16})-([a-f0-9]{64})$`)

// FileName returns the content addressed file name of a chunk.
func FileName(version uint64, hash protocol.Hash) string {
	return fmt.Sprintf("%s%016x-%s", ChunkPrefix, version, hash)
}

// ParseFileName extracts version and hash from a chunk file name.
func ParseFileName(name string) (version uint64, hash protocol.Hash, ok bool) {
	m := chunkPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, hash, false
	}
	version, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, hash, false
	}
	if _, err = hex.Decode(hash[:], []byte(m[2])); err != nil {
		return 0, hash, false
	}
	return version, hash, true
}

// IsChunkFile reports whether name follows the chunk file convention.
func IsChunkFile(name string) bool {
	return chunkPattern.MatchString(name)
}

// IsTempFile reports whether name is a leftover temporary file.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, WritePrefix) || strings.HasPrefix(name, TransferPrefix)
}
