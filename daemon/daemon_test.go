package daemon

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestController returns a controller whose daemon is "sleep 30" and
// whose files all live under a temp dir.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	c, err := New(Config{
		PIDFile:     filepath.Join(dir, "run", "learnerd.pid"),
		WorkingDir:  filepath.Join(dir, "work"),
		LogDir:      filepath.Join(dir, "log"),
		ServiceDir:  filepath.Join(dir, "services"),
		Executable:  sleep,
		Args:        []string{"30"},
		Platform:    "linux",
		StopTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestControllerLifecycle(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, NotInstalled, st.State)

	res, err := c.Install()
	require.NoError(t, err)
	assert.Equal(t, PlatformSystemd, res.Platform)
	assert.Equal(t, filepath.Join(c.Config().ServiceDir, "learnerd.service"), res.ServiceFile)
	assert.Contains(t, res.Instructions, "systemctl")

	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, Stopped, st.State)
	assert.Equal(t, res.ServiceFile, st.ServiceFile)

	pid, err := c.Start()
	require.NoError(t, err)
	assert.True(t, ProcessAlive(pid))

	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, pid, st.PID)

	require.NoError(t, c.Stop())
	assert.False(t, ProcessAlive(pid))
	_, err = os.Stat(c.Config().PIDFile)
	assert.True(t, os.IsNotExist(err), "stop removes the pid file")

	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, Stopped, st.State)
	assert.Zero(t, st.PID)

	_, err = c.Uninstall()
	require.NoError(t, err)
	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, NotInstalled, st.State)
}

func TestControllerStartWhileRunning(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	pid, err := c.Start()
	require.NoError(t, err)

	again, err := c.Start()
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrAlreadyRunning), "got %v", err)
	assert.Equal(t, pid, again)

	recorded, err := c.PIDFile().Read()
	require.NoError(t, err)
	assert.Equal(t, pid, recorded, "no second instance was recorded")
}

func TestControllerStartClearsStalePIDFile(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	dead := deadPID(t)
	require.NoError(t, c.PIDFile().Write(dead))

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, NotInstalled, st.State)
	assert.Equal(t, dead, st.StalePID)
	_, err = os.Stat(c.Config().PIDFile)
	require.NoError(t, err, "status leaves the stale file alone")

	pid, err := c.Start()
	require.NoError(t, err)
	assert.NotEqual(t, dead, pid)

	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, pid, st.PID)
}

func TestControllerStopNotRunning(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	err := c.Stop()
	assert.True(t, IsKind(err, ErrNotRunning), "got %v", err)

	require.NoError(t, c.PIDFile().Write(deadPID(t)))
	err = c.Stop()
	assert.True(t, IsKind(err, ErrNotRunning), "got %v", err)
	_, err = os.Stat(c.Config().PIDFile)
	assert.True(t, os.IsNotExist(err), "stop clears a stale pid file")
}

func TestControllerRestart(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	first, err := c.Restart()
	require.NoError(t, err, "restart starts a stopped daemon")

	second, err := c.Restart()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, ProcessAlive(first))
	assert.True(t, ProcessAlive(second))
}

func TestControllerUninstallStopsDaemon(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Uninstall()
	assert.True(t, IsKind(err, ErrNotInstalled), "got %v", err)

	_, err = c.Install()
	require.NoError(t, err)
	pid, err := c.Start()
	require.NoError(t, err)

	res, err := c.Uninstall()
	require.NoError(t, err)
	assert.False(t, ProcessAlive(pid))
	_, err = os.Stat(res.ServiceFile)
	assert.True(t, os.IsNotExist(err))
}

func TestControllerInstallRequiresRoot(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	c, err := New(Config{
		PIDFile:    filepath.Join(t.TempDir(), "learnerd.pid"),
		Executable: "/bin/true",
		Platform:   "linux",
	})
	require.NoError(t, err)

	_, err = c.Install()
	assert.True(t, IsKind(err, ErrPermissionDenied), "got %v", err)
}

func TestControllerUnsupportedPlatform(t *testing.T) {
	t.Parallel()
	c, err := New(Config{
		PIDFile:    filepath.Join(t.TempDir(), "learnerd.pid"),
		ServiceDir: t.TempDir(),
		Executable: "/bin/true",
		Platform:   "windows",
	})
	require.NoError(t, err)

	_, err = c.Install()
	assert.Error(t, err)
}

func TestNewFillsDefaults(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Platform: "linux"})
	require.NoError(t, err)

	cfg := c.Config()
	assert.NotEmpty(t, cfg.Executable)
	assert.Equal(t, []string{"daemon", "run"}, cfg.Args)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
	assert.NotEmpty(t, cfg.PIDFile)
	assert.NotEmpty(t, cfg.LogDir)
	assert.NotEmpty(t, cfg.WorkingDir)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "not installed", NotInstalled.String())
	assert.Equal(t, "installed (stopped)", Stopped.String())
	assert.Equal(t, "running", Running.String())
}

// runnerChildArg marks a test binary started by Controller.Start as the
// daemon process for TestControllerStopsRunner.
const runnerChildArg = "learnerd-runner-child"

// TestRunnerChildProcess is the daemon body when the test binary is
// spawned as a child; it is skipped in a normal run.
func TestRunnerChildProcess(t *testing.T) {
	if !slices.Contains(flag.Args(), runnerChildArg) {
		t.Skip("runs only as a spawned daemon")
	}
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGTERM, os.Interrupt)
	defer stop()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	r := &Runner{
		Interval: time.Hour,
		PIDFile:  NewPIDFile(os.Getenv(EnvPIDFile)),
		Log:      log,
		Task:     func(context.Context, logrus.FieldLogger) error { return nil },
	}
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestControllerStopsRunner(t *testing.T) {
	t.Parallel()
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	c, err := New(Config{
		PIDFile:    filepath.Join(dir, "run", "learnerd.pid"),
		WorkingDir: filepath.Join(dir, "work"),
		LogDir:     filepath.Join(dir, "log"),
		ServiceDir: filepath.Join(dir, "services"),
		Executable: exe,
		Args:       []string{"-test.run=^TestRunnerChildProcess$", "--", runnerChildArg},
		Platform:   "linux",
		// Below the lifecycle lock timeout, so a daemon that waits for
		// the lock on its way out would be killed.
		StopTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })

	pid, err := c.Start()
	require.NoError(t, err)

	stderrLog := filepath.Join(c.Config().LogDir, "stderr.log")
	readLog := func() string {
		data, _ := os.ReadFile(stderrLog)
		return string(data)
	}
	require.Eventually(t, func() bool {
		return strings.Contains(readLog(), "daemon running")
	}, 10*time.Second, 20*time.Millisecond, "daemon did not start")

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, ProcessAlive(pid))

	_, err = os.Stat(c.Config().PIDFile)
	assert.True(t, os.IsNotExist(err), "stop removes the pid file")
	out := readLog()
	assert.Contains(t, out, "daemon shutting down")
	assert.NotContains(t, out, "release pid file")
	assert.NotContains(t, out, "fatal")
}
