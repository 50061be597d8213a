// Package daemon installs and supervises learnerd, the background process
// that keeps the paper store current.
//
// The controller's lifecycle commands are short-lived: they coordinate
// with the running daemon only through the PID file and signals. The PID
// file is the single-instance lock; changes to it are serialized by an
// flock on a sibling ".lock" file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// State is the observable daemon state.
type State int

const (
	NotInstalled State = iota
	Stopped            // installed, not running
	Running
)

func (s State) String() string {
	switch s {
	case NotInstalled:
		return "not installed"
	case Stopped:
		return "installed (stopped)"
	case Running:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Controller.
type Config struct {
	PIDFile    string
	WorkingDir string
	LogDir     string

	// ServiceDir holds the service descriptor. Empty means the system
	// location, which requires root.
	ServiceDir string

	// Executable and Args are what start and the descriptor run
	// (default: this binary with "daemon run").
	Executable string
	Args       []string

	// Platform is a GOOS value selecting the service manager (default runtime.GOOS).
	Platform string

	// StopTimeout is how long stop waits after SIGTERM before SIGKILL (default 10s).
	StopTimeout time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns the platform's default paths.
func DefaultConfig() Config {
	cfg := Config{Platform: runtime.GOOS}
	switch runtime.GOOS {
	case "darwin":
		cfg.PIDFile = "/Library/Application Support/learnerd/learnerd.pid"
		cfg.WorkingDir = "/Library/Application Support/learnerd"
		cfg.LogDir = "/Library/Logs/learnerd"
	default:
		cfg.PIDFile = "/var/run/learnerd.pid"
		cfg.WorkingDir = "/var/lib/learnerd"
		cfg.LogDir = "/var/log/learnerd"
	}
	return cfg
}

// Controller drives the daemon state machine:
// NotInstalled -> Stopped (install), Stopped -> Running (start),
// Running -> Stopped (stop), Stopped -> NotInstalled (uninstall).
type Controller struct {
	cfg Config
	pid *PIDFile
	log logrus.FieldLogger
}

// New returns a Controller, filling unset fields from DefaultConfig.
func New(cfg Config) (*Controller, error) {
	def := DefaultConfig()
	if cfg.PIDFile == "" {
		cfg.PIDFile = def.PIDFile
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = def.WorkingDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{"daemon", "run"}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.WarnLevel)
		cfg.Logger = l
	}
	return &Controller{cfg: cfg, pid: NewPIDFile(cfg.PIDFile), log: cfg.Logger}, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// PIDFile returns the controller's PID file.
func (c *Controller) PIDFile() *PIDFile { return c.pid }

// descriptorPath returns the service descriptor path and platform.
func (c *Controller) descriptorPath() (path, platform string, err error) {
	platform, err = platformFor(c.cfg.Platform)
	if err != nil {
		return "", "", err
	}
	dir := c.cfg.ServiceDir
	if dir == "" {
		dir = defaultServiceDir(platform)
	}
	return filepath.Join(dir, descriptorName(platform)), platform, nil
}

// StatusReport is the result of Status.
type StatusReport struct {
	State State
	PID   int

	// StalePID is set when a PID file names a process that is gone.
	StalePID    int
	ServiceFile string
}

// Status reports the daemon state. It changes nothing, including stale
// PID files.
func (c *Controller) Status() (*StatusReport, error) {
	r := &StatusReport{State: NotInstalled}
	if path, _, err := c.descriptorPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			r.State, r.ServiceFile = Stopped, path
		}
	}

	pid, alive, err := c.pid.Live()
	if err != nil {
		return nil, permissionOr(err, "read pid file")
	}
	switch {
	case alive:
		r.State, r.PID = Running, pid
	case pid != 0:
		r.StalePID = pid
	}
	return r, nil
}

// Install writes the service descriptor. It does not start the daemon.
// Writing to the system location requires root.
func (c *Controller) Install() (*InstallResult, error) {
	path, platform, err := c.descriptorPath()
	if err != nil {
		return nil, err
	}
	if c.cfg.ServiceDir == "" && os.Geteuid() != 0 {
		return nil, &Error{Kind: ErrPermissionDenied, Message: "install requires root; re-run with sudo"}
	}

	for _, dir := range []string{filepath.Dir(path), c.cfg.LogDir, c.cfg.WorkingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, permissionOr(err, "create "+dir)
		}
	}
	if err := atomic.WriteFile(path, strings.NewReader(generateDescriptor(platform, c.cfg))); err != nil {
		return nil, permissionOr(err, "write "+path)
	}
	c.log.WithField("path", path).Info("installed service descriptor")

	return &InstallResult{
		ServiceFile:  path,
		Platform:     platform,
		Instructions: installInstructions(platform, path, c.cfg),
	}, nil
}

// Uninstall removes the service descriptor, stopping a running daemon first.
func (c *Controller) Uninstall() (*InstallResult, error) {
	path, platform, err := c.descriptorPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &Error{Kind: ErrNotInstalled, Message: "no service descriptor at " + path}
	}

	if err := c.Stop(); err != nil && !IsKind(err, ErrNotRunning) {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, permissionOr(err, "remove "+path)
	}
	c.log.WithField("path", path).Info("removed service descriptor")

	return &InstallResult{
		ServiceFile:  path,
		Platform:     platform,
		Instructions: "Service uninstalled.\n\n  Removed: " + path,
	}, nil
}

// Start launches the daemon and records its PID. It fails with
// ErrAlreadyRunning, spawning nothing, when the recorded process is
// alive. A stale PID file is cleared first.
func (c *Controller) Start() (int, error) {
	unlock, err := c.pid.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	pid, alive, err := c.pid.Live()
	if err != nil {
		return 0, permissionOr(err, "read pid file")
	}
	if alive {
		return pid, &Error{Kind: ErrAlreadyRunning, PID: pid, Message: "daemon already running"}
	}
	if _, statErr := os.Stat(c.pid.Path()); statErr == nil {
		if err := c.pid.Remove(); err != nil {
			return 0, &Error{Kind: ErrStaleLock, PID: pid, Message: "cannot clear stale pid file " + c.pid.Path(), Cause: err}
		}
		c.log.WithField("pid", pid).Warn("cleared stale pid file")
	}

	if err := os.MkdirAll(c.cfg.WorkingDir, 0o755); err != nil {
		return 0, permissionOr(err, "create working dir")
	}
	stdout, stderr, err := openStdio(c.cfg.LogDir)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := exec.Command(c.cfg.Executable, c.cfg.Args...) //nolint:gosec // executable is from config
	cmd.Dir = c.cfg.WorkingDir
	cmd.Stdout, cmd.Stderr = stdout, stderr
	cmd.Env = append(os.Environ(), EnvPIDFile+"="+c.pid.Path())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, permissionOr(err, "start "+c.cfg.Executable)
	}
	pid = cmd.Process.Pid

	if err := c.pid.Write(pid); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return 0, permissionOr(err, "write pid file")
	}
	// Reap the child if it exits while this process is still around.
	go cmd.Wait()

	c.log.WithField("pid", pid).Info("daemon started")
	return pid, nil
}

// Stop sends SIGTERM to the recorded process, waits for it to exit
// (escalating to SIGKILL after StopTimeout) and removes the PID file.
// It fails with ErrNotRunning when no live process is recorded.
func (c *Controller) Stop() error {
	unlock, err := c.pid.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	pid, alive, err := c.pid.Live()
	if err != nil {
		return permissionOr(err, "read pid file")
	}
	if !alive {
		if pid != 0 {
			c.pid.Remove()
		}
		return &Error{Kind: ErrNotRunning, Message: "daemon is not running"}
	}

	if err := signal(pid, unix.SIGTERM); err != nil {
		return err
	}
	if !waitExit(pid, c.cfg.StopTimeout) {
		c.log.WithField("pid", pid).Warn("daemon ignored SIGTERM, killing")
		if err := signal(pid, unix.SIGKILL); err != nil {
			return err
		}
		if !waitExit(pid, 5*time.Second) {
			return &Error{Kind: ErrStaleLock, PID: pid, Message: "daemon did not exit"}
		}
	}

	if err := c.pid.Remove(); err != nil {
		return &Error{Kind: ErrStaleLock, PID: pid, Message: "cannot remove pid file", Cause: err}
	}
	c.log.WithField("pid", pid).Info("daemon stopped")
	return nil
}

// Restart stops the daemon if it is running, then starts it.
func (c *Controller) Restart() (int, error) {
	if err := c.Stop(); err != nil && !IsKind(err, ErrNotRunning) {
		return 0, err
	}
	return c.Start()
}

func signal(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		return nil
	case errors.Is(err, unix.EPERM):
		return &Error{Kind: ErrPermissionDenied, PID: pid, Message: "cannot signal daemon", Cause: err}
	}
	return fmt.Errorf("signal %d: %w", pid, err)
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for ProcessAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// permissionOr maps permission failures to ErrPermissionDenied and wraps
// everything else.
func permissionOr(err error, msg string) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if os.IsPermission(err) || errors.Is(err, os.ErrPermission) {
		return &Error{Kind: ErrPermissionDenied, Message: msg, Cause: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
