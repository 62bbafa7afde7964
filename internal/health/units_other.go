//go:build !linux

package health

import "context"

func NewUnitProber(context.Context) (UnitProber, error) {
	return nil, ErrUnitsUnsupported
}
