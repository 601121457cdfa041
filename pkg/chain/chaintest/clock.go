package chaintest

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// InstantClock fires every timer immediately and records requested pauses.
type InstantClock struct {
	mclock.System

	mu     sync.Mutex
	now    mclock.AbsTime
	pauses []time.Duration
}

func (c *InstantClock) Now() mclock.AbsTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *InstantClock) Sleep(d time.Duration) {
	<-c.After(d)
}

func (c *InstantClock) After(d time.Duration) <-chan mclock.AbsTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.pauses = append(c.pauses, d)
	ch := make(chan mclock.AbsTime, 1)
	ch <- c.now
	return ch
}

// Pauses returns every duration passed to After or Sleep.
func (c *InstantClock) Pauses() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.pauses...)
}
