// pkg/client/singleflight_test.go

package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlightShares(t *testing.T) {
	var f flight
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Result, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.do("a", func() (Result, error) {
			runs.Add(1)
			close(started)
			<-release
			return Result{Latest: 7}, nil
		})
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.do("a", func() (Result, error) {
				runs.Add(1)
				return Result{Latest: 99}, nil
			})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Latest == 7 || r.Latest == 99)
	}
	assert.Equal(t, uint64(7), results[0].Latest)
	assert.LessOrEqual(t, runs.Load(), int32(len(results)))

	// a finished key runs again
	res, err := f.do("a", func() (Result, error) { return Result{Latest: 8}, nil })
	assert.NoError(t, err)
	assert.Equal(t, uint64(8), res.Latest)
}

func TestFlightKey(t *testing.T) {
	assert.Equal(t, flightKey("host:1", []byte("s")), flightKey("host:1", []byte("s")))
	assert.NotEqual(t, flightKey("host:1", []byte("s")), flightKey("host:1", []byte("t")))
	assert.NotEqual(t, flightKey("host:1", []byte("s")), flightKey("host:2", []byte("s")))
}
