// Package runner owns the OS-process boundary: it spawns external
// commands, forwards their output, enforces timeouts, and escalates from
// graceful to forceful termination.
//
// Every started process reports exactly one outcome: an exit code, a
// terminating signal, or (from Start itself) a spawn error.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// GracePeriod is the fixed delay between the graceful termination signal
// and the escalated kill, for both timeouts and explicit terminate jobs.
const GracePeriod = 500 * time.Millisecond

// Spec describes one process to run. Env is the complete environment for
// the child (callers merge defaults and overrides before building a Spec).
type Spec struct {
	Cmd  string
	Args []string
	Env  []string
	// Dir is the working directory; empty means the worker's own.
	Dir string
	// Interactive makes the child inherit the worker's standard streams
	// directly. Otherwise stdout/stderr are captured and re-emitted line
	// by line to Stdout/Stderr (default os.Stdout/os.Stderr).
	Interactive bool
	// Timeout > 0 arms a timer that stops the process with signal
	// escalation once it expires. Zero means no timeout.
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Outcome is the single report for a process that started successfully.
// Signal is non-empty iff the process died from a signal, in which case
// ExitCode is -1.
type Outcome struct {
	ExitCode int
	Signal   string
}

// Handle is a started process. Wait or Done observes completion; Stop
// requests termination with escalation.
type Handle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	outcome Outcome
	stopMu  sync.Mutex
}

// Start spawns the process described by spec. A non-nil error means the
// process never started (bad executable, permissions); the error text is
// the spawn failure verbatim.
func Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	var outPipe, errPipe io.ReadCloser
	if spec.Interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		var err error
		if outPipe, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if errPipe, err = cmd.StderrPipe(); err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}

	// Forwarders start only after a successful spawn; cmd.Wait must not
	// run until both pipes hit EOF or it races the final reads.
	var forward sync.WaitGroup
	if !spec.Interactive {
		stdout := spec.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		stderr := spec.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		forward.Add(2)
		go forwardLines(&forward, outPipe, stdout)
		go forwardLines(&forward, errPipe, stderr)
	}

	var timer *time.Timer
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() {
			h.Stop(GracePeriod)
		})
	}

	go func() {
		forward.Wait()
		err := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		h.outcome = outcomeFromWait(err)
		close(h.done)
	}()

	return h, nil
}

// Wait blocks until the process exits and returns its outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop sends the graceful termination signal, waits up to grace for the
// process to exit, and kills it if still alive. No-op once the process
// has exited. Concurrent calls serialize; each sees the process dead or
// re-runs the (harmless) signal sequence.
func (h *Handle) Stop(grace time.Duration) {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}

	_ = h.cmd.Process.Signal(unix.SIGTERM)

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		_ = h.cmd.Process.Kill()
	}
}

// outcomeFromWait maps cmd.Wait's error to the single outcome report.
func outcomeFromWait(err error) Outcome {
	if err == nil {
		return Outcome{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{
				ExitCode: -1,
				Signal:   unix.SignalName(unix.Signal(ws.Signal())),
			}
		}
		return Outcome{ExitCode: exitErr.ExitCode()}
	}
	// Wait failed for a non-exit reason (pipe copy error); the process is
	// gone either way, report it as an abnormal exit.
	return Outcome{ExitCode: -1}
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, w io.Writer) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fmt.Fprintln(w, sc.Text())
	}
}
