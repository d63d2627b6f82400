// Package pacer paces and retries calls that can fail transiently, such as
// HTTP requests against the remote tree. The shape (New().SetMinSleep...,
// Call(func() (bool, error))) mirrors the retry helper the teacher's B2
// backend calls as "github.com/ncw/rclone/pacer" — that package wasn't
// retrieved, so this is rebuilt from the call shape evidenced in b2.go
// rather than copied.
package pacer

import (
	"math/rand"
	"sync"
	"time"
)

// Pacer paces calls, sleeping an exponentially increasing amount between
// retries of calls that report they should be retried.
type Pacer struct {
	mu            sync.Mutex
	minSleep      time.Duration
	maxSleep      time.Duration
	decayConstant uint
	attempts      int
	retries       int
	sleepTime     time.Duration
}

// New creates a Pacer with sensible defaults. Chain the Set* methods to
// configure it.
func New() *Pacer {
	p := &Pacer{
		minSleep:      10 * time.Millisecond,
		maxSleep:      2 * time.Second,
		decayConstant: 2,
		retries:       10,
	}
	p.sleepTime = p.minSleep
	return p
}

// SetMinSleep sets the minimum time to sleep between retries.
func (p *Pacer) SetMinSleep(t time.Duration) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minSleep = t
	p.sleepTime = t
	return p
}

// SetMaxSleep sets the maximum time to sleep between retries.
func (p *Pacer) SetMaxSleep(t time.Duration) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSleep = t
	return p
}

// SetDecayConstant sets the rate of exponential backoff: each failure
// multiplies the sleep time by 2^decayConstant.
func (p *Pacer) SetDecayConstant(d uint) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayConstant = d
	return p
}

// SetRetries sets the maximum number of times Call will retry a function
// that keeps reporting it should be retried.
func (p *Pacer) SetRetries(n int) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = n
	return p
}

// duration to sleep before the next call, with jitter, under the lock.
func (p *Pacer) duration() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(p.sleepTime)/2 + 1))
	return p.sleepTime/2 + jitter
}

func (p *Pacer) updateAfterSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sleepTime = p.minSleep
}

func (p *Pacer) updateAfterRetry() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.duration()
	p.sleepTime <<= p.decayConstant
	if p.sleepTime > p.maxSleep {
		p.sleepTime = p.maxSleep
	}
	return d
}

// Call runs fn, retrying while fn returns (true, err) up to the configured
// retry limit, sleeping an exponentially increasing amount (bounded by
// maxSleep, with jitter) between attempts. It returns the last error.
func (p *Pacer) Call(fn func() (bool, error)) error {
	var err error
	for try := 0; try <= p.retries; try++ {
		var retry bool
		retry, err = fn()
		if !retry {
			if err == nil {
				p.updateAfterSuccess()
			}
			return err
		}
		d := p.updateAfterRetry()
		if try < p.retries {
			time.Sleep(d)
		}
	}
	return err
}

// CallNoRetry runs fn exactly once, translating its (retry, err) result
// into a plain error; used for operations the caller has decided are not
// safe to retry (e.g. a MOVE that may have partially applied).
func (p *Pacer) CallNoRetry(fn func() (bool, error)) error {
	_, err := fn()
	return err
}
