package nsinit

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// ErrMainChildLost means wait reported no more children before the status of
// the main child was seen. With correct reaping this cannot happen, so it is
// an assertion failure and not a regular code path.
var ErrMainChildLost = errors.Base("no more children, main child status never seen") //nolint:gochecknoglobals

// Reap waits for any child until the status of mainChildPid is seen and
// returns it. Statuses of all other reaped processes are discarded: as PID 1
// of the namespace we inherit reparented orphans and only their departure
// from the process table matters.
func Reap(mainChildPid int) (unix.WaitStatus, errors.E) {
	var status unix.WaitStatus
	for {
		pid, e := unix.Wait4(-1, &status, 0, nil)
		if e != nil {
			// Signal delivery racing with the wait is the steady state here,
			// not a failure.
			if errors.Is(e, unix.EINTR) {
				continue
			}
			if errors.Is(e, unix.ECHILD) {
				errE := errors.WithStack(ErrMainChildLost)
				errors.Details(errE)["pid"] = mainChildPid
				return status, errE
			}
			errE := errors.WithMessage(e, "error waiting for children")
			errors.Details(errE)["pid"] = mainChildPid
			return status, errE
		}
		if pid != mainChildPid {
			logDebugf("reaped process with PID %d", pid)
			continue
		}
		if status.Exited() {
			logInfof("main child with PID %d finished with status %d", pid, status.ExitStatus())
		} else {
			logInfof("main child with PID %d finished with signal %d", pid, status.Signal())
		}
		return status, nil
	}
}
