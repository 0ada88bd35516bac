// Package feed delivers insert/update notifications for job records.
//
// The jobs table carries an AFTER INSERT OR UPDATE trigger that emits a
// NOTIFY on the jobs_events channel (migration 000002). The Listener holds
// one dedicated connection on LISTEN and refetches the full row for each
// notification, so callbacks always receive complete records even though
// the NOTIFY payload itself carries only identifiers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/marden/jobd/internal/store"
)

// channel is the NOTIFY channel the jobs_notify trigger publishes on.
const channel = "jobs_events"

// notification mirrors the JSON payload built by the jobs_notify trigger.
type notification struct {
	Op     string       `json:"op"`
	ID     uuid.UUID    `json:"id"`
	Status store.Status `json:"status"`
	Owner  string       `json:"owner"`
}

// Handler receives the full job record for one insert or update event.
type Handler func(store.JobRecord)

// Listener subscribes to job record changes. A non-empty owner filters
// events to records with that exact owner.
type Listener struct {
	store     *store.Store
	owner     string
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Listener reading change events for st's jobs table.
func New(st *store.Store, owner string) *Listener {
	return &Listener{
		store: st,
		owner: owner,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the first LISTEN has been established. Consumers
// that also scan the table for a backlog must subscribe first and scan
// after Ready, so no record falls between the scan and the subscription.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Listen blocks delivering events to onInsert and onUpdate until ctx is
// cancelled or the listen connection fails. Callbacks run on the listener
// goroutine; they must not block for long or notifications will back up
// on the connection.
//
// Returns nil on ctx cancellation, an error on connection failure. The
// caller decides whether to reconnect; events emitted while no connection
// is listening are not replayed.
func (l *Listener) Listen(ctx context.Context, onInsert, onUpdate Handler) error {
	conn, err := l.store.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("feed: acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("feed: listen %s: %w", channel, err)
	}
	l.readyOnce.Do(func() { close(l.ready) })

	slog.Info("change feed listening", "channel", channel, "owner", l.owner)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: wait for notification: %w", err)
		}

		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			slog.Error("change feed: bad notification payload",
				"payload", n.Payload, "error", err)
			continue
		}
		if l.owner != "" && note.Owner != l.owner {
			continue
		}

		// Refetch the full row; the NOTIFY payload is identifiers only.
		job, err := l.store.Get(ctx, note.ID)
		if err != nil {
			slog.Error("change feed: fetch job", "job_id", note.ID, "error", err)
			continue
		}
		if job == nil {
			continue // deleted between notify and fetch
		}

		switch note.Op {
		case "INSERT":
			onInsert(*job)
		case "UPDATE":
			onUpdate(*job)
		default:
			slog.Warn("change feed: unknown op", "op", note.Op, "job_id", note.ID)
		}
	}
}
