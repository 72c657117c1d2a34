// pkg/client/errors.go

package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIndexTooLarge = errors.New("index exceeds the size limit")
	ErrSizeMismatch  = errors.New("chunk size does not match the index")
	ErrHashMismatch  = errors.New("chunk hash does not match the index")
)

// SyncError is the single failure value of a sync attempt. Op names the
// step that failed: "connect", "index" or "fetch".
type SyncError struct {
	Op      string
	Version uint64
	Err     error
}

func (e *SyncError) Error() string {
	if e.Op == "fetch" {
		return fmt.Sprintf("sync %s %016x: %s", e.Op, e.Version, e.Err)
	}
	return fmt.Sprintf("sync %s: %s", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
