package nsinit_test

import (
	"context"
	"os"
	"os/signal"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/nsinit/internal/nsinit"
)

func TestForwardPid(t *testing.T) {
	cmd := startChild(t, "/bin/sleep", "infinity")

	// So that the command runs.
	time.Sleep(10 * time.Millisecond)

	relay := nsinit.NewRelay(cmd.Process.Pid)
	relay.Forward(unix.SIGTERM)

	status, errE := nsinit.Reap(cmd.Process.Pid)
	require.NoError(t, errE)
	assert.True(t, status.Signaled())
	assert.Equal(t, unix.SIGTERM, status.Signal())
}

func TestForwardProcessGone(t *testing.T) {
	cmd := startChild(t, "/bin/true")

	_, errE := nsinit.Reap(cmd.Process.Pid)
	require.NoError(t, errE)

	// The process is reaped, forwarding must tolerate it being gone.
	l := withLogger(t, func() {
		relay := nsinit.NewRelay(cmd.Process.Pid)
		relay.Forward(unix.SIGHUP)
	})

	assertLogs(t, []string{}, l)
}

func TestSuperviseForwardsToChild(t *testing.T) {
	cmd := startChild(t, "/bin/sleep", "infinity")

	// So that the command runs.
	time.Sleep(10 * time.Millisecond)

	// A guard channel so that SIGTERM cannot terminate the test process even
	// before Supervise arms its relay.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, unix.SIGTERM)
	defer signal.Stop(guard)

	type result struct {
		status unix.WaitStatus
		errE   error
	}
	done := make(chan result, 1)
	go func() {
		status, errE := nsinit.Supervise(context.Background(), cmd.Process.Pid, cmd.Process.Pid)
		done <- result{status, errE}
	}()

	// So that the relay inside Supervise is armed.
	time.Sleep(50 * time.Millisecond)

	e := unix.Kill(unix.Getpid(), unix.SIGTERM)
	require.NoError(t, e)

	select {
	case res := <-done:
		require.NoError(t, res.errE)
		assert.True(t, res.status.Signaled())
		assert.Equal(t, unix.SIGTERM, res.status.Signal())
	case <-time.After(5 * time.Second):
		assert.Fail(t, "Supervise did not return")
	}
}
