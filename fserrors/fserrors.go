// Package fserrors provides error handling utilities used to decide
// whether a failed call to the remote store deserves a retry.
package fserrors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// Retrier is an optional interface for error as to whether the
// operation should be retried at a higher level.
//
// This should be returned from Unwrap in custom error types.
type Retrier interface {
	error
	Retry() bool
}

// retryError is an error wrapped so it will retry
type retryError struct {
	error
}

// Retry interface
func (err retryError) Retry() bool {
	return true
}

// Unwrap returns the underlying error
func (err retryError) Unwrap() error {
	return err.error
}

// Check interface
var _ Retrier = retryError{error(nil)}

// RetryError makes an error which indicates it would like to be retried.
// It is used to report that the retry budget was exhausted on a
// transient failure: the error remains transient in nature but will not
// be retried again locally.
func RetryError(err error) error {
	if err == nil {
		err = errors.New("needs retry")
	}
	return retryError{err}
}

// IsRetryError returns true if err conforms to the Retrier interface
// and calling the Retry method returns true.
func IsRetryError(err error) (isRetry bool) {
	var r Retrier
	if errors.As(err, &r) {
		return r.Retry()
	}
	return false
}

// Fataler is an optional interface for error as to whether the
// operation should cause the entire operation to finish immediately.
type Fataler interface {
	error
	Fatal() bool
}

// fatalError is an error wrapped so it will fail fast
type fatalError struct {
	error
}

// Fatal interface
func (err fatalError) Fatal() bool {
	return true
}

// Unwrap returns the underlying error
func (err fatalError) Unwrap() error {
	return err.error
}

var _ Fataler = fatalError{error(nil)}

// FatalError makes an error which indicates it is a fatal error and
// the sync should stop.
func FatalError(err error) error {
	if err == nil {
		err = errors.New("fatal error")
	}
	return fatalError{err}
}

// NoRetrier is an optional interface for error as to whether the
// operation should not be retried at a higher level.
type NoRetrier interface {
	error
	NoRetry() bool
}

// noRetryError is an error wrapped so it will not retry
type noRetryError struct {
	error
}

// NoRetry interface
func (err noRetryError) NoRetry() bool {
	return true
}

// Unwrap returns the underlying error
func (err noRetryError) Unwrap() error {
	return err.error
}

var _ NoRetrier = noRetryError{error(nil)}

// NoRetryError makes an error which indicates the sync shouldn't be
// retried.
func NoRetryError(err error) error {
	if err == nil {
		err = errors.New("no retry error")
	}
	return noRetryError{err}
}

// IsNoRetryError returns true if err conforms to the NoRetrier
// interface and calling the NoRetry method returns true.
func IsNoRetryError(err error) (isNoRetry bool) {
	var r NoRetrier
	if errors.As(err, &r) {
		return r.NoRetry()
	}
	return false
}

// retriableErrors is a list of errors which are retriable by
// comparison with errors.Is.
var retriableErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.EHOSTUNREACH,
}

// ShouldRetry looks at an error and tries to work out if retrying the
// operation that caused it would be a good idea. It returns true if
// the error implies the failure is transient: a timeout, a dropped or
// refused connection, a proxy failure, etc.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// If error has been marked to NoRetry, don't retry
	if IsNoRetryError(err) {
		return false
	}

	// If error has been marked to retry, retry
	if IsRetryError(err) {
		return true
	}

	// Look for net.Error timeouts anywhere in the chain. url.Error
	// and net.OpError both implement net.Error.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// A url.Error which isn't a timeout is still a transport level
	// failure (connection or proxy trouble), not a terminal reply
	// from the server.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Err != nil && !errors.Is(urlErr.Err, context.Canceled) && !errors.Is(urlErr.Err, context.DeadlineExceeded) {
			return true
		}
	}

	// Check for the low level errors we understand to be retriable
	for _, retriableErr := range retriableErrors {
		if errors.Is(err, retriableErr) {
			return true
		}
	}

	return false
}

// ShouldRetryHTTP returns a boolean as to whether this resp deserves
// to be retried.  It checks the HTTP status code against the slice of
// retryable status codes passed in.
func ShouldRetryHTTP(resp *http.Response, retryErrorCodes []int) bool {
	if resp == nil {
		return false
	}
	for _, e := range retryErrorCodes {
		if resp.StatusCode == e {
			return true
		}
	}
	return false
}

// ContextError checks to see if ctx is in error.
//
// If it is in error then it overwrites *perr with the context error
// and returns true, otherwise it returns false.  Context errors must
// never be retried - the caller has given up.
func ContextError(ctx context.Context, perr *error) bool {
	if ctxErr := ctx.Err(); ctxErr != nil {
		*perr = ctxErr
		return true
	}
	return false
}
