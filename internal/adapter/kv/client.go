// Package kv wraps the shared key-value store behind two logical
// connections: a shared client for request/response commands and a
// dedicated client reserved for long blocking list pops, so a stalled
// consumer can never block metrics or control endpoints.
package kv

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Clients holds the two logical connections.
type Clients struct {
	// Shared services all request/response commands.
	Shared *redis.Client
	// Blocking is used exclusively for blocking pops.
	Blocking *redis.Client
}

// Connect parses the Redis URL and opens both clients. The shared client
// retries each command at most once; the blocking client never retries so
// failures surface immediately.
func Connect(redisURL string) (*Clients, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=kv.Connect: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.MaxRetries = 1
	// Prefer IPv4; some container DNS setups return unroutable AAAA records.
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: 3 * time.Second}
		return d.DialContext(ctx, "tcp4", addr)
	}
	shared := redis.NewClient(opts)

	bopts := *opts
	bopts.MaxRetries = -1
	blocking := redis.NewClient(&bopts)

	return &Clients{Shared: shared, Blocking: blocking}, nil
}

// Wait pings the shared connection with exponential backoff until it
// answers or the context expires.
func (c *Clients) Wait(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	op := func() error { return c.Shared.Ping(ctx).Err() }
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=kv.Wait: %w", err)
	}
	return nil
}

// Close releases both connections.
func (c *Clients) Close() error {
	serr := c.Shared.Close()
	berr := c.Blocking.Close()
	if serr != nil {
		return serr
	}
	return berr
}
