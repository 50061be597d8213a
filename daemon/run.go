package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EnvPIDFile passes the PID file path from start to the spawned process.
const EnvPIDFile = "LEARNERD_PID_FILE"

// Task is one cycle of daemon work.
type Task func(ctx context.Context, log logrus.FieldLogger) error

// Runner is the daemon's foreground loop: it runs Task once at startup
// and then every Interval until its context is cancelled.
type Runner struct {
	Interval time.Duration
	Task     Task

	// PIDFile, if set, is claimed for this process while Run is active.
	PIDFile *PIDFile

	// Fatal reports whether a task error must stop the loop. Other
	// errors are logged and the loop continues.
	Fatal func(error) bool

	Log logrus.FieldLogger
}

// Run executes the loop. It returns nil when ctx is cancelled and the
// task error when Fatal says so.
func (r *Runner) Run(ctx context.Context) error {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if r.Interval <= 0 {
		return fmt.Errorf("daemon: interval must be positive")
	}

	if r.PIDFile != nil {
		if err := r.claim(); err != nil {
			return err
		}
		defer r.release(log)
	}

	log.WithFields(logrus.Fields{"pid": os.Getpid(), "interval": r.Interval.String()}).Info("daemon running")

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		cycle := uuid.NewString()
		clog := log.WithField("cycle", cycle)
		start := time.Now()
		err := r.Task(ctx, clog)
		switch {
		case err == nil:
			clog.WithField("elapsed", time.Since(start).String()).Info("cycle complete")
		case ctx.Err() != nil:
		case r.Fatal != nil && r.Fatal(err):
			clog.WithError(err).Error("fatal error, exiting")
			return err
		default:
			clog.WithError(err).Warn("cycle failed")
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			log.Info("daemon shutting down")
			return nil
		}
	}
}

// claim records this process in the PID file. A PID file naming this
// process (written by start) is accepted.
func (r *Runner) claim() error {
	unlock, err := r.PIDFile.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	pid, alive, err := r.PIDFile.Live()
	if err != nil {
		return permissionOr(err, "read pid file")
	}
	self := os.Getpid()
	if alive && pid != self {
		return &Error{Kind: ErrAlreadyRunning, PID: pid, Message: "daemon already running"}
	}
	if pid == self {
		return nil
	}
	if err := r.PIDFile.Write(self); err != nil {
		return permissionOr(err, "write pid file")
	}
	return nil
}

// release removes the PID file if it still names this process. It does
// not take the lifecycle lock: stop holds that lock while it waits for
// this process to exit. No other command rewrites the file while the
// process it names is alive.
func (r *Runner) release(log logrus.FieldLogger) {
	if pid, _ := r.PIDFile.Read(); pid != os.Getpid() {
		return
	}
	if err := r.PIDFile.Remove(); err != nil {
		log.WithError(err).Warn("release pid file")
	}
}
