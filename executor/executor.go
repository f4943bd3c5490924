// Package executor supervises the external training process. The subprocess
// is the only OS-level peer of the node; everything the state machine learns
// about training progress comes from this package's liveness check and the
// log file the process writes.
package executor

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
)

// LogFileName is where stdout and stderr of the subprocess end up, inside
// the executor's working directory.
const LogFileName = "last_training.log"

// stopGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const stopGrace = 3 * time.Second

// Executor runs one command in a working directory with combined output
// redirected to last_training.log.
type Executor struct {
	path string
	log  *zap.SugaredLogger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// New creates an executor rooted at the given working directory.
func New(path string) *Executor {
	return &Executor{path: path, log: logger.Named("executor")}
}

// Start spawns the command without blocking. The command line is split
// shell-style; output is appended to the log file so a resumed training
// keeps its history.
func (e *Executor) Start(cmdline string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil && e.runningLocked() {
		return errors.New("executor already runs a process")
	}

	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create working directory %s", e.path)
	}

	words, err := shellquote.Split(cmdline)
	if err != nil {
		return errors.Wrapf(err, "failed to parse command %q", cmdline)
	}
	if len(words) == 0 {
		return errors.New("empty command")
	}

	logFile, err := os.OpenFile(e.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open training log")
	}

	cmd := exec.Command(words[0], words[1:]...)
	cmd.Dir = e.path
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so Stop can take down children the trainer forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errors.Wrapf(err, "failed to start %q", cmdline)
	}

	done := make(chan struct{})
	e.cmd = cmd
	e.done = done
	e.log.Infow("started training process", "pid", cmd.Process.Pid, "cmd", cmdline, "dir", e.path)

	go func() {
		err := cmd.Wait()
		logFile.Close()
		if err != nil {
			e.log.Infow("training process exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			e.log.Infow("training process exited", "pid", cmd.Process.Pid)
		}
		close(done)
	}()
	return nil
}

// IsProcessRunning reports whether the child is alive. Besides the wait
// state the PID is probed through the OS so a process that died without
// being reaped yet does not count as running.
func (e *Executor) IsProcessRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runningLocked()
}

func (e *Executor) runningLocked() bool {
	if e.cmd == nil || e.cmd.Process == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
	}

	p, err := process.NewProcess(int32(e.cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// GetLog returns the full current log content, or "" when no log exists yet.
func (e *Executor) GetLog() string {
	data, err := os.ReadFile(e.LogPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// LogPath returns the location of the training log.
func (e *Executor) LogPath() string {
	return filepath.Join(e.path, LogFileName)
}

// Stop terminates the process group gracefully, escalating to SIGKILL after
// the grace period. Safe to call when nothing runs.
func (e *Executor) Stop() {
	e.mu.Lock()
	cmd := e.cmd
	done := e.done
	e.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}

	pid := cmd.Process.Pid
	e.log.Infow("stopping training process", "pid", pid)
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		e.log.Debugw("terminate failed", "pid", pid, "error", err)
	}

	select {
	case <-done:
		return
	case <-time.After(stopGrace):
	}

	e.log.Warnw("training process ignored SIGTERM, killing", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		e.log.Debugw("kill failed", "pid", pid, "error", err)
	}
	<-done
}
