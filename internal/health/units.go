package health

import (
	"context"
	"errors"
	"strings"
)

var ErrUnitsUnsupported = errors.New("systemd unit probing is not supported on this platform")

// UnitState is the systemd view of one unit.
type UnitState struct {
	Name   string `json:"name"`
	Active string `json:"active"`
	Sub    string `json:"sub"`
	Load   string `json:"load"`
}

func (u UnitState) Up() bool { return u.Active == "active" }

func (u UnitState) String() string {
	if u.Load == "not-found" {
		return "not-found"
	}
	return u.Active + "/" + u.Sub
}

// UnitProber reports the state of the named units.
type UnitProber interface {
	Probe(ctx context.Context, units []string) ([]UnitState, error)
	Close() error
}

// unitName appends ".service" to bare names.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
