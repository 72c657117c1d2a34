// pkg/server/chunkserver.go

package server

import (
	"bytes"
	"io"
	"net"

	"PeerSync/pkg/chunk"
	"PeerSync/pkg/pairing"
	"PeerSync/pkg/protocol"
	"PeerSync/pkg/utils"
)

// ChunkServer answers index and chunk requests from a store. It implements
// Handler.
type ChunkServer struct {
	store   *chunk.Store
	pairing pairing.Provider

	peers    int
	requests int
	notFound int
	sent     uint64
}

var _ Handler = (*ChunkServer)(nil)

func NewChunkServer(store *chunk.Store, provider pairing.Provider) *ChunkServer {
	return &ChunkServer{store: store, pairing: provider}
}

func (s *ChunkServer) AcceptPeer(addr net.Addr) []byte {
	secret, err := s.pairing.Secret(addr)
	if err != nil {
		logger.Warnf("rejecting client from %s: %s", addr, err)
		return nil
	}
	s.peers++
	logger.Infof("new client from %s", addr)
	return secret
}

// HandleRequest serves the index for version 0 and chunk content for any
// other version. Unknown versions get an empty response.
func (s *ChunkServer) HandleRequest(req []byte) Response {
	version := protocol.DecodeRequest(req)
	s.requests++
	logger.Debugf("serving %016x", version)
	if version == protocol.IndexVersion {
		index := protocol.EncodeIndex(s.store.BuildIndex())
		s.sent += uint64(len(index))
		return Response{
			Label: protocol.IndexLabel,
			Size:  uint32(len(index)),
			Body:  io.NopCloser(bytes.NewReader(index)),
		}
	}
	f, size, err := s.store.Lookup(version)
	if err != nil {
		s.notFound++
		logger.Infof("chunk %016x not found", version)
		return Response{}
	}
	s.sent += uint64(size)
	return Response{Label: protocol.ChunkLabel(version), Size: size, Body: f}
}

func (s *ChunkServer) Shutdown() {
	user, sys := utils.CPUTime()
	logger.Infof("shutting down: %d peers, %d requests (%d not found), %d bytes, cpu %.2fs user %.2fs sys",
		s.peers, s.requests, s.notFound, s.sent, user, sys)
}
