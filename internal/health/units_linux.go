//go:build linux

package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusProber struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewUnitProber connects to the system bus.
func NewUnitProber(ctx context.Context) (UnitProber, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &dbusProber{conn: conn}, nil
}

func (p *dbusProber) Probe(ctx context.Context, units []string) ([]UnitState, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}

	names := make([]string, 0, len(units))
	for _, u := range units {
		if n := unitName(u); n != "" {
			names = append(names, n)
		}
	}
	// ListUnitsByNames answers for every requested unit, loaded or not.
	list, err := conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	byName := make(map[string]dbus.UnitStatus, len(list))
	for _, u := range list {
		byName[u.Name] = u
	}
	out := make([]UnitState, 0, len(names))
	for _, n := range names {
		u, ok := byName[n]
		if !ok || u.LoadState == "not-found" {
			out = append(out, UnitState{Name: n, Active: "unknown", Sub: "not-found", Load: "not-found"})
			continue
		}
		out = append(out, UnitState{Name: n, Active: u.ActiveState, Sub: u.SubState, Load: u.LoadState})
	}
	return out, nil
}

func (p *dbusProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
