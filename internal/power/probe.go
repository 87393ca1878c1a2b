package power

import (
	"context"
	"time"

	"system-transparency.org/sbverify/internal/network"
)

// HostProber considers the OS up once it answers an optional ping and then
// runs a command over SSH
type HostProber struct {
	Address     string
	Ping        bool
	PingTimeout time.Duration
	Privileged  bool
	Ready       func(ctx context.Context) error
}

func (p *HostProber) OSReady(ctx context.Context) (bool, error) {
	if p.Ping {
		ok, err := network.Reachable(ctx, p.Address, p.PingTimeout, p.Privileged)
		if err != nil || !ok {
			return false, err
		}
	}
	if err := p.Ready(ctx); err != nil {
		return false, err
	}
	return true, nil
}
