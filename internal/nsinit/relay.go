package nsinit

import (
	"context"
	"os"
	"os/signal"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// We do not forward SIGQUIT because that is handled specially by Go runtime.
// SIGSTOP cannot be caught, so the job-control pair crossing the namespace
// boundary is SIGTSTP/SIGCONT.
var (
	terminateSignals  = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP} //nolint:gochecknoglobals
	jobControlSignals = []os.Signal{unix.SIGTSTP, unix.SIGCONT}             //nolint:gochecknoglobals
)

// Relay forwards received signals to a target: a concrete PID, or 0 for the
// whole process group of the current process.
type Relay struct {
	target int
	notify chan os.Signal
}

func NewRelay(target int) *Relay {
	return &Relay{
		target: target,
		// Room for the job-control pair arriving back to back.
		notify: make(chan os.Signal, 2), //nolint:gomnd
	}
}

// Arm installs the forwarded signal set.
func (r *Relay) Arm() {
	signal.Notify(r.notify, terminateSignals...)
	signal.Notify(r.notify, jobControlSignals...)
}

// Run forwards signals until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	defer signal.Stop(r.notify)
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case s := <-r.notify:
			r.Forward(s)
		}
	}
}

// Forward delivers one signal to the target.
//
// Delivering to the process group delivers the signal back to us as well (we
// are a member of the group we signal), so in that mode we first reset our
// own disposition to default: the relay must not feed on itself, and the
// forwarded signal takes its default effect on us too. Only the job-control
// pair is re-armed afterwards (stopping and continuing has to keep working),
// a relayed terminating signal terminates us with the rest of the group.
func (r *Relay) Forward(s os.Signal) {
	sig, ok := s.(unix.Signal)
	if !ok {
		return
	}

	if r.target == 0 {
		signal.Reset(s)
		logDebugf("forwarding signal %d to the process group", sig)
		e := unix.Kill(0, sig)
		if e != nil {
			logWarnf("error forwarding signal %d to the process group: %s", sig, e)
		}
		// The process stops right above when sig is SIGTSTP and continues
		// here once some SIGCONT arrives.
		if sig == unix.SIGTSTP || sig == unix.SIGCONT {
			signal.Notify(r.notify, s)
		}
		return
	}

	logDebugf("forwarding signal %d to PID %d", sig, r.target)
	e := unix.Kill(r.target, sig)
	if e != nil && !processNotExist(e) {
		logWarnf("error forwarding signal %d to PID %d: %s", sig, r.target, e)
	}
}
