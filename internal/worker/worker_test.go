// ABOUTME: End-to-end tests for the claim/execute loop against a real store.
// ABOUTME: Each test runs a full worker (feed + loop) in its own container.
package worker_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marden/jobd/internal/feed"
	"github.com/marden/jobd/internal/store"
	"github.com/marden/jobd/internal/testutil"
	"github.com/marden/jobd/internal/worker"
)

// startWorker runs a worker over s until the test ends. Child output is
// discarded to keep test logs readable.
func startWorker(t *testing.T, s *store.Store, opts worker.Options) {
	t.Helper()
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := worker.New(s, feed.New(s, opts.Owner), opts)
	go func() {
		// Teardown cancels ctx; only a genuine failure is worth reporting.
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("worker run: %v", err)
		}
	}()
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, s *store.Store, id uuid.UUID, want store.Status) store.JobRecord {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job != nil && job.Status == want {
			return *job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := s.Get(context.Background(), id)
	t.Fatalf("job %s never reached %q (last seen: %+v)", id, want, job)
	return store.JobRecord{}
}

func TestRunJobCompletes(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName:  store.JobRun,
		Payload:  store.Payload{Cmd: "echo", Args: []string{"hello"}},
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, job.ID, store.StatusCompleted)
	if got.FinishedAt == nil {
		t.Error("completed job must have finished_at")
	}
	if got.ErrorMessage != nil {
		t.Errorf("completed job has error_message %q", *got.ErrorMessage)
	}
}

func TestNonzeroExitFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "sh", Args: []string{"-c", "exit 3"}},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, job.ID, store.StatusFailed)
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "exit status 3") {
		t.Errorf("error_message = %v, want exit status 3", got.ErrorMessage)
	}
}

func TestMissingCmdFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Args: []string{"no", "cmd"}},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, job.ID, store.StatusFailed)
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "missing cmd") {
		t.Errorf("error_message = %v, want a missing-cmd validation error", got.ErrorMessage)
	}
}

func TestSpawnErrorFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "/no/such/executable-jobd-test"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, job.ID, store.StatusFailed)
	if got.ErrorMessage == nil {
		t.Error("spawn failure must record the underlying error")
	}
}

func TestTimeoutCancels(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "sleep", Args: []string{"100"}, TimeoutMs: 50},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, job.ID, store.StatusCancelled)
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "signal") {
		t.Errorf("error_message = %v, want the terminating signal recorded", got.ErrorMessage)
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Both jobs are in the backlog before the worker starts; the
	// higher-priority one must be claimed first.
	low, err := s.Enqueue(ctx, store.EnqueueParams{
		JobName:  store.JobRun,
		Payload:  store.Payload{Cmd: "true"},
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("Enqueue(low): %v", err)
	}
	high, err := s.Enqueue(ctx, store.EnqueueParams{
		JobName:  store.JobRun,
		Payload:  store.Payload{Cmd: "true"},
		Priority: 10,
	})
	if err != nil {
		t.Fatalf("Enqueue(high): %v", err)
	}

	startWorker(t, s, worker.Options{})

	gotLow := waitForStatus(t, s, low.ID, store.StatusCompleted)
	gotHigh := waitForStatus(t, s, high.ID, store.StatusCompleted)

	if gotHigh.StartedAt == nil || gotLow.StartedAt == nil {
		t.Fatal("both jobs must have started_at")
	}
	if gotHigh.StartedAt.After(*gotLow.StartedAt) {
		t.Errorf("priority 10 started at %v, after priority 1 at %v",
			gotHigh.StartedAt, gotLow.StartedAt)
	}
}

func TestTerminateStopsRunningJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	startWorker(t, s, worker.Options{})

	running, err := s.Enqueue(ctx, store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "sleep", Args: []string{"60"}},
	})
	if err != nil {
		t.Fatalf("Enqueue(run): %v", err)
	}
	waitForStatus(t, s, running.ID, store.StatusRunning)
	// Running status is written at claim time, just before the process
	// handle is registered; give the spawn a moment so the terminate
	// takes the immediate signal path.
	time.Sleep(200 * time.Millisecond)

	term, err := s.Enqueue(ctx, store.EnqueueParams{JobName: store.JobTerminate})
	if err != nil {
		t.Fatalf("Enqueue(terminate): %v", err)
	}

	gotRun := waitForStatus(t, s, running.ID, store.StatusCancelled)
	if gotRun.ErrorMessage == nil || !strings.Contains(*gotRun.ErrorMessage, "signal") {
		t.Errorf("cancelled job error_message = %v, want the signal recorded", gotRun.ErrorMessage)
	}

	waitForStatus(t, s, term.ID, store.StatusCompleted)
}

func TestTerminateWithNothingRunningCompletes(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	startWorker(t, s, worker.Options{})

	term, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobTerminate,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := waitForStatus(t, s, term.ID, store.StatusCompleted)
	if got.ErrorMessage != nil {
		t.Errorf("no-op terminate has error_message %q", *got.ErrorMessage)
	}
}

func TestOwnerScopedWorkerIgnoresOtherOwners(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	startWorker(t, s, worker.Options{Owner: "worker-a"})

	other, err := s.Enqueue(ctx, store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "true"},
		Owner:   "worker-b",
	})
	if err != nil {
		t.Fatalf("Enqueue(other): %v", err)
	}
	mine, err := s.Enqueue(ctx, store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{Cmd: "true"},
		Owner:   "worker-a",
	})
	if err != nil {
		t.Fatalf("Enqueue(mine): %v", err)
	}

	waitForStatus(t, s, mine.ID, store.StatusCompleted)

	got, err := s.Get(ctx, other.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("other owner's job reached %q, want untouched queued", got.Status)
	}
}

// syncBuffer guards concurrent writes from the output forwarder against
// reads on the test goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestEnvOverrideAndSubstitution(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	var out syncBuffer
	startWorker(t, s, worker.Options{Stdout: &out})

	job, err := s.Enqueue(context.Background(), store.EnqueueParams{
		JobName: store.JobRun,
		Payload: store.Payload{
			Cmd:  "echo",
			Args: []string{"$JOBD_TEST_PREFIX/bin", "$JOBD_TEST_MISSING"},
			Env:  map[string]string{"JOBD_TEST_PREFIX": "/usr"},
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForStatus(t, s, job.ID, store.StatusCompleted)

	if got := out.String(); !strings.Contains(got, "/usr/bin $JOBD_TEST_MISSING") {
		t.Errorf("child output = %q, want substituted prefix and verbatim missing ref", got)
	}
}
