// Package network probes whether the host under test answers on the network
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ping/ping"
)

type Pinger struct {
	*ping.Pinger

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewPinger prepares count echo requests to addr.  Privileged mode uses raw
// ICMP sockets; unprivileged mode uses UDP "ping" sockets, which requires
// the net.ipv4.ping_group_range sysctl to include the caller.
func NewPinger(addr string, count int, privileged bool) (*Pinger, error) {
	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return nil, err
	}
	pinger.Count = count
	pinger.SetPrivileged(privileged)
	return &Pinger{Pinger: pinger}, nil
}

func (p *Pinger) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.ctx, p.ctxCancel = context.WithCancel(ctx)
	defer p.ctxCancel()

	go func() {
		<-p.ctx.Done()
		p.Pinger.Stop()
	}()

	return p.Pinger.Run()
}

// Stop ends a running Run.  It is a no-op before Run.
func (p *Pinger) Stop() {
	if p.ctxCancel != nil {
		p.ctxCancel()
	}
}

// Reachable sends a few echo requests to addr and reports whether any of
// them was answered within timeout
func Reachable(ctx context.Context, addr string, timeout time.Duration, privileged bool) (bool, error) {
	pinger, err := NewPinger(addr, 3, privileged)
	if err != nil {
		return false, fmt.Errorf("ping %s: %w", addr, err)
	}
	pinger.Timeout = timeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pinger.Run(ctx); err != nil {
		return false, fmt.Errorf("ping %s: %w", addr, err)
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}
