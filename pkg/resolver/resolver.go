package resolver

import (
	"context"
	"errors"
	"fmt"
)

// ErrResolution is matched by every error a Resolver returns for a name
// it could not resolve.
var ErrResolution = errors.New("resolution failed")

// Resolver resolves a domain to one textual address.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// Func adapts an ordinary function to a Resolver.
type Func func(ctx context.Context, domain string) (string, error)

func (f Func) Resolve(ctx context.Context, domain string) (string, error) {
	return f(ctx, domain)
}

// Error is a failed resolution of Domain.
type Error struct {
	Domain string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to resolve %s, %v", e.Domain, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrResolution, e.Err}
}

func newError(domain string, err error) *Error {
	return &Error{Domain: domain, Err: err}
}

// offload runs a blocking call in its own goroutine so that ctx can
// end the wait even if f itself ignores ctx.
func offload(ctx context.Context, f func() (string, error)) (string, error) {
	type result struct {
		addr string
		err  error
	}
	c := make(chan result, 1)
	go func() {
		addr, err := f()
		c <- result{addr: addr, err: err}
	}()
	select {
	case r := <-c:
		return r.addr, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
