// Package pacer makes pacing and retrying API calls easy
package pacer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acsone/msgraphfs/fserrors"
)

// Pacer state
type Pacer struct {
	mu                 sync.Mutex    // Protecting read/writes
	minSleep           time.Duration // minimum sleep time
	maxSleep           time.Duration // maximum sleep time
	decayConstant      uint          // decay constant
	retries            int           // Max number of retries
	sleepTime          time.Duration // Time to sleep for each transaction
	consecutiveRetries int           // number of consecutive retries
}

// Paced is a function which is called by the Call and CallNoRetry
// methods.  It should return a boolean, true if it would like to be
// retried, and an error.  This error may be returned or returned
// wrapped in a RetryError.
type Paced func() (bool, error)

// Option can be used in New to configure the Pacer
type Option func(*Pacer)

// MinSleep sets the minimum sleep time for the pacer
func MinSleep(t time.Duration) Option {
	return func(p *Pacer) { p.minSleep = t }
}

// MaxSleep sets the maximum sleep time for the pacer
func MaxSleep(t time.Duration) Option {
	return func(p *Pacer) { p.maxSleep = t }
}

// DecayConstant sets the decay constant for the pacer
//
// This is the speed the sleep time falls back to the minimum after
// errors have stopped - bigger for slower decay, exponential.
func DecayConstant(decay uint) Option {
	return func(p *Pacer) { p.decayConstant = decay }
}

// Retries sets the max number of tries for Call
func Retries(retries int) Option {
	return func(p *Pacer) { p.retries = retries }
}

// New returns a Pacer with sensible defaults
func New(opts ...Option) *Pacer {
	p := &Pacer{
		minSleep:      10 * time.Millisecond,
		maxSleep:      2 * time.Second,
		decayConstant: 2,
		retries:       5,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retries < 1 {
		p.retries = 1
	}
	p.sleepTime = p.minSleep
	return p
}

// SetRetries sets the max number of tries for Call
func (p *Pacer) SetRetries(retries int) *Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if retries < 1 {
		retries = 1
	}
	p.retries = retries
	return p
}

// Retries reads the max number of retries
func (p *Pacer) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// RetryAfterError is returned from shouldRetry style functions when
// the server told us how long to wait (eg in a Retry-After header)
// before making the next attempt.
type RetryAfterError struct {
	error
	retryAfter time.Duration
}

// NewRetryAfterError wraps err so the pacer sleeps for duration before
// the next attempt instead of using its own backoff.
func NewRetryAfterError(err error, duration time.Duration) error {
	if err == nil {
		err = errors.New("too many requests")
	}
	return &RetryAfterError{error: err, retryAfter: duration}
}

// Unwrap returns the underlying error
func (r *RetryAfterError) Unwrap() error {
	return r.error
}

// RetryAfter returns the duration the server instructed us to wait
func (r *RetryAfterError) RetryAfter() time.Duration {
	return r.retryAfter
}

// retrySleep works out how long to sleep before the next attempt.
//
// The first attempt is never delayed; each retry sleeps for the
// current sleep time which grows exponentially up to maxSleep while
// errors persist.
func (p *Pacer) retrySleep(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	sleep := p.sleepTime
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) && retryAfter.RetryAfter() > sleep {
		sleep = retryAfter.RetryAfter()
	}
	oldSleepTime := p.sleepTime
	p.sleepTime *= 2
	if p.sleepTime > p.maxSleep {
		p.sleepTime = p.maxSleep
	}
	if p.sleepTime != oldSleepTime {
		logrus.Debugf("pacer: Rate limited, increasing sleep to %v", p.sleepTime)
	}
	p.consecutiveRetries++
	return sleep
}

// success winds the sleep time back down towards the minimum
func (p *Pacer) success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveRetries = 0
	oldSleepTime := p.sleepTime
	p.sleepTime = (p.sleepTime<<p.decayConstant - p.sleepTime) >> p.decayConstant
	if p.sleepTime < p.minSleep {
		p.sleepTime = p.minSleep
	}
	if p.sleepTime != oldSleepTime {
		logrus.Debugf("pacer: Reducing sleep to %v", p.sleepTime)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.  This is the
// suspension point of the retry loop: in cooperative use it yields to
// the scheduler, in blocking use it simply blocks the calling
// goroutine.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call implements Call but with settable retries
func (p *Pacer) call(ctx context.Context, fn Paced, retries int) (err error) {
	var again bool
	for i := 0; i < retries; i++ {
		again, err = fn()
		if !again {
			p.success()
			break
		}
		if i == retries-1 {
			break
		}
		logrus.Debugf("pacer: low level retry %d/%d: %v", i+1, retries, err)
		if sleepErr := sleepCtx(ctx, p.retrySleep(err)); sleepErr != nil {
			return sleepErr
		}
	}
	if again {
		err = fserrors.RetryError(err)
	}
	return err
}

// Call paces the remote operations to not exceed the limits and retry
// on transient failure.
//
// This calls fn, expecting it to return a retry flag and an error.
// This error may be returned wrapped in a RetryError if the number of
// retries is exceeded.
func (p *Pacer) Call(ctx context.Context, fn Paced) (err error) {
	p.mu.Lock()
	retries := p.retries
	p.mu.Unlock()
	return p.call(ctx, fn, retries)
}

// CallNoRetry paces the remote operations to not exceed the limits
// and return a retry error on transient failure.
//
// This calls fn once only and wraps the output in a RetryError if it
// would like it to be retried.
func (p *Pacer) CallNoRetry(ctx context.Context, fn Paced) error {
	return p.call(ctx, fn, 1)
}
