package engine

import (
	"context"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/pkg/errors"
)

// Rebooter abstracts the system reboot call (spec §4.9) so the state
// machine's tests can substitute a fake that records the call instead of
// taking the host down.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Login1Rebooter reboots the host via systemd-logind over dbus, grounded in
// the teacher's use of go-systemd/v22's dbus client family for system
// control (mantle/cmd/kolet).
type Login1Rebooter struct{}

func (Login1Rebooter) Reboot(ctx context.Context) error {
	conn, err := login1.New()
	if err != nil {
		return errors.Wrap(err, "connecting to systemd-logind")
	}
	defer conn.Close()

	conn.Reboot(false)
	return nil
}
