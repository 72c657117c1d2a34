// pkg/client/singleflight.go

package client

import "sync"

type call struct {
	wg  sync.WaitGroup
	res Result
	err error
}

// flight lets concurrent syncs against the same server share one attempt.
type flight struct {
	sync.Mutex
	calls map[string]*call
}

func (f *flight) do(key string, fn func() (Result, error)) (Result, error) {
	f.Lock()
	if f.calls == nil {
		f.calls = make(map[string]*call)
	}
	if c, ok := f.calls[key]; ok {
		f.Unlock()
		c.wg.Wait()
		return c.res, c.err
	}
	c := new(call)
	c.wg.Add(1)
	f.calls[key] = c
	f.Unlock()

	c.res, c.err = fn()
	c.wg.Done()

	f.Lock()
	delete(f.calls, key)
	f.Unlock()
	return c.res, c.err
}
