package ssh

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Redialer dials on first use and again after a transport failure.  The host
// under test is power cycled between phases, so no connection outlives a
// boot.
type Redialer struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	client *Client
}

func NewRedialer(cfg Config, log *zap.Logger) *Redialer {
	return &Redialer{cfg: cfg, log: log}
}

func (r *Redialer) get(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	c, err := Dial(ctx, &r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}

// Run runs cmd on a current connection.  A failure other than a non-zero
// exit status drops the connection.
func (r *Redialer) Run(ctx context.Context, cmd string, stdin io.Reader) (*Result, error) {
	c, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.Run(ctx, cmd, stdin)
	if err != nil {
		r.Reset()
	}
	return res, err
}

// Ready reports whether a trivial command succeeds
func (r *Redialer) Ready(ctx context.Context) error {
	_, err := r.Run(ctx, "true", nil)
	return err
}

// Reset drops the current connection
func (r *Redialer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
