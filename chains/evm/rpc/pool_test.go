package rpc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// newTestPool builds a pool from bare URIs without dialing them.
func newTestPool(uris ...string) *Pool {
	endpoints := make([]*Endpoint, 0, len(uris))
	for _, uri := range uris {
		endpoints = append(endpoints, &Endpoint{URI: uri})
	}
	return &Pool{available: endpoints, disabled: make([]*Endpoint, 0)}
}

func TestPoolRoundRobin(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
		"http://endpoint3.example.com",
	)

	ep1, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep1.URI, qt.Equals, "http://endpoint1.example.com")

	ep2, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep2.URI, qt.Equals, "http://endpoint2.example.com")

	ep3, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep3.URI, qt.Equals, "http://endpoint3.example.com")

	// should wrap around to the first endpoint
	ep4, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep4.URI, qt.Equals, "http://endpoint1.example.com")
}

func TestPoolDisableAndNext(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
		"http://endpoint3.example.com",
	)

	// first Next moves the index to endpoint2
	ep1, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep1.URI, qt.Equals, "http://endpoint1.example.com")

	// disabling endpoint2 shifts the index back to endpoint1
	pool.Disable("http://endpoint2.example.com")

	ep2, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep2.URI, qt.Equals, "http://endpoint1.example.com")

	ep3, err := pool.Next()
	c.Assert(err, qt.IsNil)
	c.Assert(ep3.URI, qt.Equals, "http://endpoint3.example.com")
}

func TestPoolDisableNonExistent(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
	)

	pool.Disable("http://nonexistent.example.com")
	c.Assert(pool.Available(), qt.Equals, 2)
}

func TestPoolAllDisabled(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
	)

	pool.Disable("http://endpoint1.example.com")
	c.Assert(pool.Available(), qt.Equals, 1)
	c.Assert(pool.Disabled(), qt.Equals, 1)

	// disabling the last endpoint resets all of them to available
	pool.Disable("http://endpoint2.example.com")
	c.Assert(pool.Available(), qt.Equals, 2)
	c.Assert(pool.Disabled(), qt.Equals, 0)
}

func TestPoolEmpty(t *testing.T) {
	c := qt.New(t)
	pool := &Pool{}

	_, err := pool.Next()
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(pool.Available(), qt.Equals, 0)
}

func TestPoolConcurrentAccess(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
		"http://endpoint3.example.com",
	)

	done := make(chan bool)
	for range 10 {
		go func() {
			for range 100 {
				_, _ = pool.Next()
				time.Sleep(time.Microsecond)
			}
			done <- true
		}()
	}
	go func() {
		for range 10 {
			pool.Disable("http://endpoint1.example.com")
			time.Sleep(time.Millisecond)
		}
		done <- true
	}()
	for range 11 {
		<-done
	}

	c.Assert(pool.Available() >= 0, qt.IsTrue)
}

func TestRetryEndpointSwitching(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
	)
	client := NewClient(pool, "ETHEREUM")

	callCount := 0
	testErr := errors.New("connection refused")

	res, err := client.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		callCount++
		// fail for the first endpoint's retries, succeed on the second
		if callCount <= defaultRetries {
			return nil, testErr
		}
		return "success", nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, "success")
	c.Assert(callCount, qt.Equals, defaultRetries+1)
}

func TestRetryAllEndpointsFail(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
	)
	client := NewClient(pool, "ETHEREUM")

	testErr := errors.New("connection refused")
	_, err := client.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		return nil, testErr
	})
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(errors.Is(err, testErr), qt.IsTrue)

	// all endpoints were disabled one after another, which resets them
	c.Assert(pool.Available(), qt.Equals, 2)
}

func TestRetryPermanentError(t *testing.T) {
	c := qt.New(t)
	pool := newTestPool(
		"http://endpoint1.example.com",
		"http://endpoint2.example.com",
	)
	client := NewClient(pool, "ETHEREUM")

	callCount := 0
	revertErr := fmt.Errorf("execution reverted: PantosHub: insufficient balance of sender")

	_, err := client.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		callCount++
		return nil, revertErr
	})
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(errors.Is(err, revertErr), qt.IsTrue)

	// a contract revert is not the endpoint's fault: no retries, no
	// endpoint disabling
	c.Assert(callCount, qt.Equals, 1)
	c.Assert(pool.Available(), qt.Equals, 2)
	c.Assert(pool.Disabled(), qt.Equals, 0)
}

func TestIsPermanentError(t *testing.T) {
	c := qt.New(t)
	c.Assert(IsPermanentError(nil), qt.IsFalse)
	c.Assert(IsPermanentError(errors.New("connection refused")), qt.IsFalse)
	c.Assert(IsPermanentError(errors.New("execution reverted")), qt.IsTrue)
	c.Assert(IsPermanentError(errors.New("nonce too low")), qt.IsTrue)
	c.Assert(IsPermanentError(errors.New("replacement transaction underpriced")), qt.IsTrue)
	c.Assert(IsPermanentError(errors.New("not found")), qt.IsTrue)
}
