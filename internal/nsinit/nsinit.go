// When the first process of a PID namespace exits, the kernel kills every
// other process in that namespace, so whatever enters a new PID namespace
// needs a dedicated init which reaps reparented descendants and passes
// signals and the exit status between the workload inside the namespace and
// the world outside. nsinit is that init. The same executable also runs on
// the outside of the namespace boundary, relaying signals to the init and
// translating its termination into its own.
//
// We use wait4(-1, ...) even though such an indiscriminate wait interferes
// with any other wait syscall by the same process, because as (namespace)
// PID 1 we inherit every orphan and have to reap them all. Nothing else in
// this process waits on children, so there is no interference.
// See: https://github.com/golang/go/issues/60481
//
// We relay signals from a goroutine fed by signal.Notify and not from raw
// handlers. The goroutine only calls kill and disposition get/set, so it is
// safe to run at any point relative to the blocking wait.

package nsinit

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

const (
	exitNsinitFailure = 1
	// 2 is also what the Go runtime uses for an unrecovered panic, but for a
	// usage error the overlap does not matter in practice.
	exitUsage = 2
	// Returned only from the defensive branch in which wait reports no more
	// children before the main child's status was seen.
	exitMainChildLost = 127
)

// We manually prefix logging.
const logFlags = 0

var debugLog = false //nolint:gochecknoglobals

func timestamp() string {
	return time.Now().UTC().Format(RFC3339Milli)
}

var logDebugf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" nsinit: debug: "+msg, args...)
}

var logInfof = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" nsinit: info: "+msg, args...)
}

var logWarnf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" nsinit: warning: "+msg, args...)
}

var logErrorf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" nsinit: error: "+msg, args...)
}

func ConfigureLog(level string) {
	log.SetFlags(logFlags)

	switch level {
	case "none":
		logErrorf = func(msg string, args ...any) {}
		fallthrough
	case "error":
		logWarnf = func(msg string, args ...any) {}
		fallthrough
	case "warn", "": // Default log level.
		logInfof = func(msg string, args ...any) {}
		fallthrough
	case "info":
		logDebugf = func(msg string, args ...any) {}
	case "debug":
		debugLog = true
	default:
		logErrorf("invalid log level %s", level)
		os.Exit(exitNsinitFailure)
	}
}

func processNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone)
}

// Mode is determined once from the invocation shape and never changes.
type Mode int

const (
	// ModeSupervisor runs in the parent PID namespace and relays signals to
	// the init inside the namespace.
	ModeSupervisor Mode = iota
	// ModeInit runs as PID 1 inside the namespace.
	ModeInit
)

// Identity is what the init applies to itself before launching the workload.
// Nil fields are left unchanged and do not trigger the corresponding syscall.
type Identity struct {
	UID    *int
	GID    *int
	Groups []int
	Umask  *int
}

type Config struct {
	Mode Mode

	// MainChildPid is set only in ModeSupervisor. In ModeInit the main child
	// is known only once the workload is launched.
	MainChildPid int

	Identity Identity
	PassFds  []int
	Binary   string
	// Args[0] is argv[0] of the workload and may differ from Binary.
	Args []string
}

const Usage = `usage:
  nsinit <main-child-pid>
  nsinit <uid> <gid> <groups> <umask> <pass_fds> <binary> <argv0> [arg]...`

// ParseArgs determines the mode from the invocation shape and parses it.
// Empty string means "not specified" for uid, gid, groups, umask and
// pass_fds. Nothing has been done to the process yet when ParseArgs fails.
func ParseArgs(args []string) (*Config, errors.E) {
	switch {
	case len(args) == 1:
		pid, e := strconv.Atoi(args[0])
		if e != nil {
			errE := errors.WithMessage(e, "failed to parse main child PID")
			errors.Details(errE)["value"] = args[0]
			return nil, errE
		}
		return &Config{Mode: ModeSupervisor, MainChildPid: pid}, nil
	case len(args) >= 7: //nolint:gomnd
		identity := Identity{}
		var errE errors.E
		identity.UID, errE = parseOptionalInt("uid", args[0])
		if errE != nil {
			return nil, errE
		}
		identity.GID, errE = parseOptionalInt("gid", args[1])
		if errE != nil {
			return nil, errE
		}
		identity.Groups, errE = parseIntList("groups", args[2])
		if errE != nil {
			return nil, errE
		}
		identity.Umask, errE = parseOptionalInt("umask", args[3])
		if errE != nil {
			return nil, errE
		}
		passFds, errE := parseIntList("pass_fds", args[4])
		if errE != nil {
			return nil, errE
		}
		return &Config{
			Mode:     ModeInit,
			Identity: identity,
			PassFds:  passFds,
			Binary:   args[5],
			Args:     args[6:],
		}, nil
	default:
		return nil, errors.New("invalid number of arguments")
	}
}

func parseOptionalInt(name, value string) (*int, errors.E) {
	if value == "" {
		return nil, nil
	}
	i, e := strconv.Atoi(value)
	if e != nil {
		errE := errors.WithMessagef(e, "failed to parse %s", name)
		errors.Details(errE)["value"] = value
		return nil, errE
	}
	return &i, nil
}

func parseIntList(name, value string) ([]int, errors.E) {
	if value == "" {
		return nil, nil
	}
	values := strings.Split(value, ",")
	list := make([]int, 0, len(values))
	for _, v := range values {
		i, e := strconv.Atoi(v)
		if e != nil {
			errE := errors.WithMessagef(e, "failed to parse %s", name)
			errors.Details(errE)["value"] = v
			return nil, errE
		}
		list = append(list, i)
	}
	return list, nil
}

func Main() {
	ConfigureLog(os.Getenv("NSINIT_LOG_LEVEL"))

	config, errE := ParseArgs(os.Args[1:])
	if errE != nil {
		logErrorf("invalid invocation: %s", errE)
		fmt.Fprintln(os.Stderr, Usage)
		os.Exit(exitUsage)
	}

	mainChildPid := config.MainChildPid
	// The supervisor signals the init's PID directly.
	target := config.MainChildPid
	if config.Mode == ModeInit {
		pid, errE := Setup(config)
		if errE != nil {
			if debugLog {
				logErrorf("setup failed: % -+#.1v", errE)
			} else {
				logErrorf("setup failed: %s", errE)
			}
			os.Exit(exitNsinitFailure)
		}
		mainChildPid = pid
		// We created a new session, so the workload and all its descendants
		// are in our own process group. Signal the whole group.
		target = 0
	}

	status, errE := Supervise(context.Background(), mainChildPid, target)
	if errE != nil {
		if errors.Is(errE, ErrMainChildLost) {
			logErrorf("exiting: %s", errE)
			os.Exit(exitMainChildLost)
		}
		if debugLog {
			logErrorf("exiting: % -+#.1v", errE)
		} else {
			logErrorf("exiting: %s", errE)
		}
		os.Exit(exitNsinitFailure)
	}

	if status.Signaled() {
		exitWithSignal(status.Signal())
	}
	os.Exit(status.ExitStatus())
}

// Supervise relays signals to target and reaps children until the main child
// exits, returning its wait status. A target of 0 addresses the whole
// process group of the current process.
func Supervise(ctx context.Context, mainChildPid, target int) (unix.WaitStatus, errors.E) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	relay := NewRelay(target)
	relay.Arm()
	g.Go(func() error {
		return relay.Run(ctx)
	})

	status, errE := Reap(mainChildPid)

	cancel()
	e := g.Wait()
	if e != nil && !errors.Is(e, context.Canceled) {
		errE = errors.Join(errE, e)
	}
	return status, errE
}

// exitWithSignal terminates the process by the given signal so that the
// caller observes signal death and not a translated exit code.
func exitWithSignal(sig unix.Signal) {
	signal.Reset(sig)
	_ = unix.Kill(unix.Getpid(), sig)
	// As PID 1 of a namespace the kernel does not deliver our own fatal
	// signal back to us, so fall back to the shell convention.
	os.Exit(128 + int(sig)) //nolint:gomnd
}
