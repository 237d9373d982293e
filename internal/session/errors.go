package session

import (
	"errors"
	"fmt"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

func wrongKindErr(want, got Kind) error {
	return fmt.Errorf("session: this method requires kind %d, session is kind %d", want, got)
}

// toCoreErr converts a guest runtime error into the session-wide
// core.Error taxonomy, tagging it with the tick it occurred at.
func toCoreErr(err error, tick core.Tick) error {
	var fault *runtime.Fault
	if errors.As(err, &fault) {
		ce := fault.ToCoreError()
		return ce.WithTick(tick)
	}
	return core.NewError(core.ErrGuestFault, err.Error()).WithTick(tick)
}
