package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// carrier is the goroutine a logical thread runs on, with the interrupt
// status a platform thread would have.
type carrier struct {
	gid         int64
	blocked     atomic.Bool // inside SafeWait
	interrupted atomic.Bool
	wake        chan struct{}
}

// newCarrier binds a carrier to the calling goroutine.
func newCarrier() *carrier {
	return &carrier{
		gid:  goroutineID(),
		wake: make(chan struct{}, 1),
	}
}

// interrupt sets the interrupt status and wakes a blocked wait.
func (c *carrier) interrupt() {
	c.interrupted.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// clearInterrupt clears the interrupt status and reports its previous value.
func (c *carrier) clearInterrupt() bool {
	was := c.interrupted.Swap(false)
	select {
	case <-c.wake:
	default:
	}
	return was
}

// goroutineID returns the current goroutine's ID by parsing the stack header
// ("goroutine <id> [...]").
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}
