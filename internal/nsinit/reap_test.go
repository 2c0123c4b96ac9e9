package nsinit_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/nsinit/internal/nsinit"
)

func startChild(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	e := cmd.Start()
	require.NoError(t, e)
	t.Cleanup(func() {
		// The process is usually already reaped through Reap by now and we
		// ignore any error.
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func TestReapExitCode(t *testing.T) {
	l := withLogger(t, func() {
		cmd := startChild(t, "/bin/sh", "-c", "exit 42")

		status, errE := nsinit.Reap(cmd.Process.Pid)
		require.NoError(t, errE)
		assert.True(t, status.Exited())
		assert.Equal(t, 42, status.ExitStatus())
	})

	assertLogs(t, []string{
		`.+Z nsinit: info: main child with PID \d+ finished with status 42`,
	}, l)
}

func TestReapSignaled(t *testing.T) {
	cmd := startChild(t, "/bin/sleep", "infinity")

	// So that the command runs.
	time.Sleep(10 * time.Millisecond)

	e := cmd.Process.Signal(unix.SIGTERM)
	require.NoError(t, e)

	status, errE := nsinit.Reap(cmd.Process.Pid)
	require.NoError(t, errE)
	assert.True(t, status.Signaled())
	assert.Equal(t, unix.SIGTERM, status.Signal())
}

func TestReapDiscardsOrphans(t *testing.T) {
	// Short-lived processes which terminate before the main child does. Their
	// statuses have to be discarded without ending the loop.
	for i := 0; i < 5; i++ {
		startChild(t, "/bin/true")
	}
	cmd := startChild(t, "/bin/sh", "-c", "sleep 0.2; exit 3")

	status, errE := nsinit.Reap(cmd.Process.Pid)
	require.NoError(t, errE)
	assert.True(t, status.Exited())
	assert.Equal(t, 3, status.ExitStatus())
}

func TestReapMainChildLost(t *testing.T) {
	// One unrelated child and a main child PID which never shows up in wait
	// output. The loop has to reap the unrelated child, then fail with the
	// distinguished error once wait reports no more children.
	startChild(t, "/bin/true")

	_, errE := nsinit.Reap(1)
	assert.ErrorIs(t, errE, nsinit.ErrMainChildLost)
}
