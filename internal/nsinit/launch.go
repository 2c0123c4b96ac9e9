package nsinit

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const autogroupPath = "/proc/self/autogroup"

// Syscall hooks so that tests can observe the privilege drop: identity
// changes are process-wide and irreversible without privileges.
var (
	setgid = unix.Setgid //nolint:gochecknoglobals
	setuid = unix.Setuid //nolint:gochecknoglobals

	setgroups = unix.Setgroups //nolint:gochecknoglobals

	setUmask = func(mask int) error { //nolint:gochecknoglobals
		unix.Umask(mask)
		return nil
	}
)

// Setup prepares the init side: detaches into a new session, takes the
// controlling terminal when stdout is one, drops privileges and launches the
// workload. It returns the workload's PID.
func Setup(config *Config) (int, errors.E) {
	// Setsid moves us into a fresh sched autogroup, so remember the nice
	// value to carry it across (best-effort).
	nice, ok := readAutogroupNice()

	// A new session detaches us from the caller's process group, so
	// job-control signals sent to the original foreground group can no
	// longer stop the init out from under the workload.
	if _, e := unix.Setsid(); e != nil {
		return 0, errors.WithMessage(e, "failed to create a new session")
	}

	if ok {
		if errE := writeAutogroupNice(nice); errE != nil {
			return 0, errE
		}
	}

	if errE := AcquireTerminal(os.Stdout); errE != nil {
		return 0, errE
	}

	if errE := DropPrivileges(config.Identity); errE != nil {
		return 0, errE
	}

	return Launch(config)
}

// DropPrivileges applies identity in the order gid, supplementary groups,
// uid, umask. Group changes have to happen before the uid change because
// dropping the uid usually removes the capability to change group membership
// afterwards. A failure aborts the launch: the workload never runs with a
// partially-dropped identity.
func DropPrivileges(identity Identity) errors.E {
	if identity.GID != nil {
		if e := setgid(*identity.GID); e != nil {
			errE := errors.WithMessage(e, "failed to set GID")
			errors.Details(errE)["gid"] = *identity.GID
			return errE
		}
	}
	if identity.Groups != nil {
		if e := setgroups(identity.Groups); e != nil {
			errE := errors.WithMessage(e, "failed to set supplementary groups")
			errors.Details(errE)["groups"] = identity.Groups
			return errE
		}
	}
	if identity.UID != nil {
		if e := setuid(*identity.UID); e != nil {
			errE := errors.WithMessage(e, "failed to set UID")
			errors.Details(errE)["uid"] = *identity.UID
			return errE
		}
	}
	if identity.Umask != nil {
		if e := setUmask(*identity.Umask); e != nil {
			errE := errors.WithMessage(e, "failed to set umask")
			errors.Details(errE)["umask"] = *identity.Umask
			return errE
		}
	}
	return nil
}

// readAutogroupNice returns the sched autogroup nice value of this process,
// or false when the kernel does not expose one.
func readAutogroupNice() (int, bool) {
	data, e := os.ReadFile(autogroupPath)
	if e != nil {
		logDebugf("unable to read %s: %s", autogroupPath, e)
		return 0, false
	}
	// The content looks like "/autogroup-42 nice 0".
	fields := strings.Fields(string(data))
	if len(fields) != 3 || fields[1] != "nice" { //nolint:gomnd
		logDebugf("unable to parse %s: %s", autogroupPath, data)
		return 0, false
	}
	nice, e := strconv.Atoi(fields[2])
	if e != nil {
		logDebugf("unable to parse %s: %s", autogroupPath, data)
		return 0, false
	}
	return nice, true
}

// writeAutogroupNice re-applies nice after setsid. This is scheduling
// fairness only, so a kernel which does not have autogroups or does not
// permit the write is explicitly tolerated. Any other error is fatal.
func writeAutogroupNice(nice int) errors.E {
	f, e := os.OpenFile(autogroupPath, os.O_WRONLY, 0)
	if e == nil {
		_, e = f.WriteString(strconv.Itoa(nice))
		f.Close()
	}
	if e != nil {
		if errors.Is(e, os.ErrNotExist) || errors.Is(e, os.ErrPermission) || errors.Is(e, unix.EPERM) || errors.Is(e, unix.EACCES) {
			logDebugf("unable to write %s: %s", autogroupPath, e)
			return nil
		}
		errE := errors.WithMessage(e, "failed to write autogroup nice value")
		errors.Details(errE)["nice"] = nice
		return errE
	}
	return nil
}

// AcquireTerminal makes the terminal on f the controlling terminal of this
// (new) session. When f is not a terminal there is nothing to do. A terminal
// which is already the controlling terminal of another session is not stolen:
// supervision continues without it, only job control on that terminal does
// not reach the namespace.
func AcquireTerminal(f *os.File) errors.E {
	if !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	e := unix.IoctlSetInt(int(f.Fd()), unix.TIOCSCTTY, 0)
	if e != nil {
		if errors.Is(e, unix.EPERM) {
			logDebugf("terminal is owned by another session, continuing without a controlling terminal")
			return nil
		}
		return errors.WithMessage(e, "failed to take the controlling terminal")
	}
	return nil
}

// Launch starts the workload. Descriptors listed in config.PassFds stay open
// at their numbers in the workload: clearing FD_CLOEXEC is enough because
// fork/exec passes every inherited descriptor along unless it is marked
// close-on-exec. Fork/exec also resets caught signals to their default
// disposition, so the workload does not inherit the relay's handlers.
func Launch(config *Config) (int, errors.E) {
	for _, fd := range config.PassFds {
		if _, e := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); e != nil {
			errE := errors.WithMessage(e, "failed to preserve file descriptor")
			errors.Details(errE)["fd"] = fd
			return 0, errE
		}
	}

	cmd := &exec.Cmd{
		Path:   config.Binary,
		Args:   config.Args,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if e := cmd.Start(); e != nil {
		errE := errors.WithMessage(e, "failed to start the workload")
		errors.Details(errE)["binary"] = config.Binary
		return 0, errE
	}

	logInfof("workload %s running with PID %d", config.Binary, cmd.Process.Pid)

	return cmd.Process.Pid, nil
}
