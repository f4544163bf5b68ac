package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Transport is an http.RoundTripper for node RPC traffic. It paces requests with a
// token bucket and stops calling a host for a cooldown after repeated failures.
type Transport struct {
	base    http.RoundTripper
	limiter *rate.Limiter

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	now              func() time.Time
}

// Opts is the set of options for a new Transport.
type Opts struct {
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	Base            http.RoundTripper
}

func NewTransport(o Opts) *Transport {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Base == nil {
		o.Base = http.DefaultTransport
	}
	return &Transport{
		base:             o.Base,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		now:              time.Now,
	}
}

// isOpen returns true while the host's breaker is OPEN.
func (t *Transport) isOpen(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.opened[host]
	if !ok {
		return false
	}
	if t.now().After(until) {
		delete(t.opened, host)
		t.failures[host] = 0
		return false
	}
	return true
}

// noteFailure opens the breaker once the consecutive failure count reaches the threshold.
func (t *Transport) noteFailure(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[host]++
	if t.failures[host] >= t.breakerThreshold {
		t.opened[host] = t.now().Add(t.breakerCooldown)
	}
}

func (t *Transport) noteSuccess(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[host] = 0
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if t.isOpen(host) {
		return nil, fmt.Errorf("%s: %w", host, ErrCircuitOpen)
	}
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.noteFailure(host)
		return nil, err
	}
	if resp.StatusCode >= 500 {
		t.noteFailure(host)
	} else {
		t.noteSuccess(host)
	}
	return resp, nil
}
