package vm

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Policy limits background threads. ThreadLimit is read once, when the
// worker pool is first needed; CheckThreadLimit runs before every background
// dispatch.
type Policy interface {
	// ThreadLimit returns the maximum number of live pool workers, or zero for
	// no limit.
	ThreadLimit() int
	// CheckThreadLimit is given the number of registered background threads
	// and returns an error to refuse another one.
	CheckThreadLimit(active int) error
}

// spawnCategory is the single catrate category all spawns are counted under.
const spawnCategory = "spawn"

// LimitPolicy caps concurrent background threads and, optionally, the rate at
// which they are created.
type LimitPolicy struct {
	maxThreads int
	limiter    *catrate.Limiter
}

// NewLimitPolicy creates a policy allowing maxThreads concurrent background
// threads (zero for no cap) and at most rates[window] spawns per window.
// Rates follow catrate's rules: every count and window positive, longer
// windows allowing more events at a lower rate.
func NewLimitPolicy(maxThreads int, rates map[time.Duration]int) (p *LimitPolicy, err error) {
	if maxThreads < 0 {
		return nil, fmt.Errorf("vm: negative thread limit %d", maxThreads)
	}
	p = &LimitPolicy{maxThreads: maxThreads}
	if len(rates) == 0 {
		return p, nil
	}
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("vm: invalid spawn rates: %v", r)
		}
	}()
	p.limiter = catrate.NewLimiter(rates)
	return p, nil
}

func (p *LimitPolicy) ThreadLimit() int { return p.maxThreads }

func (p *LimitPolicy) CheckThreadLimit(active int) error {
	if p.maxThreads > 0 && active >= p.maxThreads {
		return &ScriptError{
			Message: fmt.Sprintf("cannot start thread: limit of %d threads reached", p.maxThreads),
			Err:     ErrThreadLimit,
		}
	}
	if p.limiter != nil {
		if next, ok := p.limiter.Allow(spawnCategory); !ok {
			return &ScriptError{
				Message: fmt.Sprintf("cannot start thread: spawn rate exceeded, retry after %s", next.Format(time.RFC3339Nano)),
				Err:     ErrSpawnRate,
			}
		}
	}
	return nil
}
