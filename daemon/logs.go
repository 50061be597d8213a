package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName = "learnerd.log"

	logMaxAgeDays = 30
	logMaxBackups = 30
)

// MainLog is the daemon's rotating main log.
type MainLog struct {
	lj *lumberjack.Logger
}

// OpenMainLog opens the main log under dir. Size-based rotation is
// effectively disabled; rotation happens on the daily schedule.
func OpenMainLog(dir string) (*MainLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, permissionOr(err, "create log dir "+dir)
	}
	return &MainLog{lj: &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    1024,
		MaxAge:     logMaxAgeDays,
		MaxBackups: logMaxBackups,
		LocalTime:  true,
	}}, nil
}

// Path returns the current log file path.
func (m *MainLog) Path() string { return m.lj.Filename }

func (m *MainLog) Write(p []byte) (int, error) { return m.lj.Write(p) }

// Rotate closes the current file and starts a new one.
func (m *MainLog) Rotate() error { return m.lj.Rotate() }

func (m *MainLog) Close() error { return m.lj.Close() }

// NewLogger returns a JSON logrus logger writing to the main log and extra.
func (m *MainLog) NewLogger(extra ...io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(io.MultiWriter(append([]io.Writer{m.lj}, extra...)...))
	return log
}

// RotateDaily rotates the log at each local midnight until ctx is done.
func (m *MainLog) RotateDaily(ctx context.Context) {
	m.rotateAt(ctx, nextMidnight)
}

// rotateAt rotates whenever next(now) comes due.
func (m *MainLog) rotateAt(ctx context.Context, next func(time.Time) time.Time) {
	for {
		now := time.Now()
		t := time.NewTimer(next(now).Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			m.Rotate()
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, now.Location())
}

// openStdio opens the stdout and stderr logs for a spawned daemon.
func openStdio(dir string) (stdout, stderr *os.File, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, permissionOr(err, "create log dir "+dir)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	stdout, err = os.OpenFile(filepath.Join(dir, "stdout.log"), flags, 0o644)
	if err != nil {
		return nil, nil, permissionOr(err, "open stdout log")
	}
	stderr, err = os.OpenFile(filepath.Join(dir, "stderr.log"), flags, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, permissionOr(err, "open stderr log")
	}
	return stdout, stderr, nil
}
