// pkg/client/bwlimit.go

package client

import (
	"io"

	"github.com/juju/ratelimit"
)

// limitedReader throttles reads through a shared token bucket.
type limitedReader struct {
	io.Reader
	r *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.Reader.Read(buf)
	if l.r != nil && n > 0 {
		l.r.Wait(int64(n))
	}
	return n, err
}

// newDownloadLimit returns a bucket allowing bytesPerSec, or nil for no limit.
func newDownloadLimit(bytesPerSec int64) *ratelimit.Bucket {
	if bytesPerSec <= 0 {
		return nil
	}
	// there are overheads coming from TCP/IP
	return ratelimit.NewBucketWithRate(float64(bytesPerSec)*0.85, bytesPerSec)
}
