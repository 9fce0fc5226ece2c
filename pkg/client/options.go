package client

import (
	"context"
	"time"
)

// Option customizes client behavior.
type Option func(*Client)

// WithQueryTimeout bounds every client operation, reads and writes alike,
// with a per-call deadline. Zero means no client-side deadline; statement
// timeouts remain the executor's responsibility.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.queryTimeout = timeout(d)
	}
}

type timeout time.Duration

func (t timeout) apply(ctx context.Context) (context.Context, context.CancelFunc) {
	if t <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(t))
}
