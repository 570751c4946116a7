package api

import (
	"sync"
	"time"
)

const (
	// requestLimit is how many requests a single host may make between
	// two counter resets.
	requestLimit  = 60
	resetInterval = time.Minute
)

// ratelimiter counts requests per host and rejects the surplus until the
// next reset.
type ratelimiter struct {
	mu       sync.Mutex
	requests map[string]int
}

func newRatelimiter(stopChan chan struct{}) *ratelimiter {
	rl := &ratelimiter{
		requests: make(map[string]int),
	}

	go func() {
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(resetInterval):
				rl.mu.Lock()
				rl.requests = make(map[string]int)
				rl.mu.Unlock()
			}
		}
	}()

	return rl
}

func (rl *ratelimiter) limitExceeded(host string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.requests[host]++
	return rl.requests[host] > requestLimit
}
