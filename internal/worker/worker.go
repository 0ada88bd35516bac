// Package worker implements the job execution core: a single claim/execute
// loop fed by the initial store scan and the change feed, claiming one job
// at a time through the store's conditional update and dispatching it to
// the process runner or the terminate handler.
//
// The worker is single-flow: at most one run job executes at any instant.
// Concurrency exists around that serial core. The feed listener and the
// loop synchronize only through the local queue and the current-process
// reference, and every per-job error is absorbed at the job boundary.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marden/jobd/internal/feed"
	"github.com/marden/jobd/internal/runner"
	"github.com/marden/jobd/internal/store"
)

// feedRetryDelay is the backoff before re-establishing a failed change
// feed connection.
const feedRetryDelay = time.Second

// Options tunes one Worker instance.
type Options struct {
	// Owner restricts the worker to jobs with this exact owner; empty
	// means all jobs.
	Owner string
	// DefaultTimeout applies to run jobs whose payload carries no
	// positive timeoutMs. Zero means no timeout.
	DefaultTimeout time.Duration
	// Stdout/Stderr receive captured child output in non-interactive
	// mode. Defaults to the worker's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Worker owns the claim/execute loop. The current-job and current-process
// references are written only by that loop; the terminate path reads them
// under mu to know what to signal.
type Worker struct {
	store *store.Store
	feed  *feed.Listener
	queue *jobQueue
	opts  Options

	mu      sync.Mutex
	current *store.JobRecord
	proc    *runner.Handle
}

// New creates a Worker claiming from st and fed by fd.
func New(st *store.Store, fd *feed.Listener, opts Options) *Worker {
	return &Worker{
		store: st,
		feed:  fd,
		queue: newJobQueue(),
		opts:  opts,
	}
}

// Run starts the feed listener, loads the queued backlog once the
// subscription is live, and runs the claim/execute loop until ctx is
// cancelled. An in-flight job finishes before Run returns. Only a failed
// initial load returns an error; all later store and feed failures are
// logged and absorbed.
//
// Subscribe-then-scan ordering matters: a record inserted between the two
// arrives through both paths and the queue's idempotent push keeps one
// copy, whereas scan-then-subscribe would lose it entirely.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runFeed(ctx) })
	g.Go(func() error {
		select {
		case <-w.feed.Ready():
		case <-ctx.Done():
			return nil
		}

		jobs, err := w.store.ListQueued(ctx, w.opts.Owner)
		if err != nil {
			return fmt.Errorf("initial queue load: %w", err)
		}
		for _, j := range jobs {
			w.accept(ctx, j)
		}
		slog.Info("worker started", "backlog", len(jobs), "owner", w.opts.Owner)

		return w.runLoop(ctx)
	})
	err := g.Wait()
	slog.Info("worker stopped")
	return err
}

// runFeed keeps a change feed subscription alive until ctx is cancelled,
// reconnecting after transport failures. Events emitted during a
// reconnect window are lost; the affected jobs stay queued in the store
// and are picked up on the next event or worker restart.
func (w *Worker) runFeed(ctx context.Context) error {
	onEvent := func(job store.JobRecord) { w.accept(ctx, job) }
	for {
		err := w.feed.Listen(ctx, onEvent, onEvent)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		slog.Error("change feed disconnected, retrying", "error", err)

		timer := time.NewTimer(feedRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// accept routes one incoming job record: terminate jobs arriving while a
// process is executing take the immediate signal path; everything else
// still queued goes into the local queue.
func (w *Worker) accept(ctx context.Context, job store.JobRecord) {
	if job.Status != store.StatusQueued {
		return
	}

	if job.JobName == store.JobTerminate {
		w.mu.Lock()
		busy := w.proc != nil
		w.mu.Unlock()
		if busy {
			go w.terminateNow(ctx, job)
			return
		}
	}

	if w.queue.push(job) {
		slog.Debug("job queued locally",
			"job_id", job.ID, "job_name", job.JobName, "priority", job.Priority)
	}
}

// runLoop claims and executes jobs one at a time until ctx is cancelled.
func (w *Worker) runLoop(ctx context.Context) error {
	for {
		job, ok := w.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.queue.wake():
			}
			continue
		}
		w.processOne(ctx, job)
	}
}

// processOne claims one candidate and dispatches it. Losing the claim is
// the normal multi-worker case, not an error.
func (w *Worker) processOne(ctx context.Context, job store.JobRecord) {
	claimed, err := w.store.Claim(ctx, job.ID)
	if err != nil {
		// Transport error: the row is untouched in the store, so a later
		// feed event or restart re-delivers it through the same claim.
		slog.Error("claim job", "job_id", job.ID, "error", err)
		return
	}
	if claimed == nil {
		slog.Debug("claim lost, skipping", "job_id", job.ID)
		return
	}

	switch claimed.JobName {
	case store.JobRun:
		w.executeRun(ctx, claimed)
	case store.JobTerminate:
		w.executeTerminate(ctx, claimed)
	default:
		w.failJob(ctx, claimed.ID, fmt.Sprintf("unknown job name %q", claimed.JobName))
	}
}

// executeRun runs a claimed run job to a terminal status. Exit 0 →
// completed; nonzero exit → failed; signal death → cancelled (a signal is
// indistinguishable from operator-triggered termination, so it is an
// intentional stop, not a failure); spawn error → failed.
func (w *Worker) executeRun(ctx context.Context, job *store.JobRecord) {
	p := job.Payload
	if p.Cmd == "" {
		w.failJob(ctx, job.ID, "payload missing cmd")
		return
	}

	env := mergeEnv(os.Environ(), p.Env)
	args := expandArgs(p.Args, env)

	timeout := w.opts.DefaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	handle, err := runner.Start(runner.Spec{
		Cmd:         p.Cmd,
		Args:        args,
		Env:         env,
		Dir:         p.Cwd,
		Interactive: p.Interactive,
		Timeout:     timeout,
		Stdout:      w.opts.Stdout,
		Stderr:      w.opts.Stderr,
	})
	if err != nil {
		w.failJob(ctx, job.ID, err.Error())
		return
	}

	slog.Info("job running",
		"job_id", job.ID, "cmd", p.Cmd, "timeout", timeout, "interactive", p.Interactive)

	w.mu.Lock()
	w.current, w.proc = job, handle
	w.mu.Unlock()

	out := handle.Wait()

	w.mu.Lock()
	w.current, w.proc = nil, nil
	w.mu.Unlock()

	switch {
	case out.Signal != "":
		msg := "terminated by signal " + out.Signal
		w.finalize(ctx, job.ID, store.StatusCancelled, &msg)
		slog.Info("job cancelled", "job_id", job.ID, "signal", out.Signal)
	case out.ExitCode == 0:
		w.finalize(ctx, job.ID, store.StatusCompleted, nil)
		slog.Info("job completed", "job_id", job.ID)
	default:
		w.failJob(ctx, job.ID, fmt.Sprintf("exit status %d", out.ExitCode))
	}
}

// executeTerminate handles a terminate job claimed from the queue. The
// loop runs one job at a time, so reaching here means no run job is
// executing in this worker and stopping is a no-op that still completes.
func (w *Worker) executeTerminate(ctx context.Context, job *store.JobRecord) {
	w.stopCurrent()
	w.finalize(ctx, job.ID, store.StatusCompleted, nil)
	slog.Info("terminate job completed", "job_id", job.ID)
}

// terminateNow is the immediate signal path for a terminate job that
// arrived while a process was executing. The terminate job is still
// claimed first, so N workers racing on it produce one signal sequence.
// The interrupted run job is finalized by the claim loop when it observes
// the signal death; the loop stays the only writer of run-job status.
func (w *Worker) terminateNow(ctx context.Context, job store.JobRecord) {
	claimed, err := w.store.Claim(ctx, job.ID)
	if err != nil {
		slog.Error("claim terminate job", "job_id", job.ID, "error", err)
		return
	}
	if claimed == nil {
		return
	}

	w.stopCurrent()
	w.finalize(ctx, claimed.ID, store.StatusCompleted, nil)
	slog.Info("terminate job completed", "job_id", claimed.ID)
}

// stopCurrent signals the running process, if any, waiting out the grace
// escalation. Completion is observed by the claim loop via Handle.Wait.
func (w *Worker) stopCurrent() {
	w.mu.Lock()
	proc := w.proc
	var id uuid.UUID
	if w.current != nil {
		id = w.current.ID
	}
	w.mu.Unlock()

	if proc == nil {
		return
	}
	slog.Info("stopping running job", "job_id", id)
	proc.Stop(runner.GracePeriod)
}

func (w *Worker) failJob(ctx context.Context, id uuid.UUID, msg string) {
	w.finalize(ctx, id, store.StatusFailed, &msg)
	slog.Info("job failed", "job_id", id, "error", msg)
}

// finalize writes the terminal status. It deliberately survives ctx
// cancellation: a job that just finished during shutdown must still be
// recorded.
func (w *Worker) finalize(ctx context.Context, id uuid.UUID, status store.Status, msg *string) {
	if err := w.store.Finalize(context.WithoutCancel(ctx), id, status, time.Now().UTC(), msg); err != nil {
		slog.Error("finalize job", "job_id", id, "status", status, "error", err)
	}
}
