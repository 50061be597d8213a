package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// lockTimeout bounds how long a lifecycle command waits for another one.
const lockTimeout = 5 * time.Second

// PIDFile is the daemon's PID file. Changes to it are serialized through
// an flock on a sibling ".lock" file, so concurrent lifecycle commands
// from separate processes observe a consistent state.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PIDFile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Read returns the recorded PID, or 0 if there is no PID file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", p.path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Write records pid atomically.
func (p *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := atomic.WriteFile(p.path, strings.NewReader(strconv.Itoa(pid)+"\n")); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the PID file; a missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Live returns the recorded PID and whether that process is alive.
// An unreadable PID file counts as stale.
func (p *PIDFile) Live() (pid int, alive bool, err error) {
	pid, err = p.Read()
	if err != nil {
		if os.IsPermission(errors.Unwrap(err)) {
			return 0, false, err
		}
		return 0, false, nil
	}
	if pid == 0 {
		return 0, false, nil
	}
	return pid, ProcessAlive(pid), nil
}

// Lock takes the exclusive lifecycle lock, waiting up to lockTimeout.
// The returned function releases it.
func (p *PIDFile) Lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return nil, lockError(p.path, err)
	}
	f, err := os.OpenFile(p.path+".lock", os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // path is from config
	if err != nil {
		return nil, lockError(p.path, err)
	}

	deadline := time.Now().Add(lockTimeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			f.Close()
			return nil, &Error{Kind: ErrAlreadyRunning, Message: "another lifecycle command holds " + p.path + ".lock", Cause: err}
		}
		time.Sleep(10 * time.Millisecond)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func lockError(path string, err error) error {
	if os.IsPermission(err) {
		return &Error{Kind: ErrPermissionDenied, Message: "cannot lock " + path, Cause: err}
	}
	return fmt.Errorf("lock %s: %w", path, err)
}

// ProcessAlive reports whether a process with pid exists. A process
// owned by another user (EPERM) is alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
