// Package worker bootstraps the River job queue and its notification job.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/notify"
	"github.com/d9705996/logexpert/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	notifyMaxAttempts = 5
	markTimeout       = 5 * time.Second
)

// NotifyArgs is one pending notification. It carries the incident as it was
// right after the transition committed, so a retry reports that state even if
// the incident has moved on since.
type NotifyArgs struct {
	// LogID is the notification log row this job settles.
	LogID      string             `json:"log_id,omitempty"`
	Incident   model.Incident     `json:"incident"`
	Transition string             `json:"transition"`
	Recipients []notify.Recipient `json:"recipients"`
}

// Kind returns the unique job type identifier for notification jobs.
func (NotifyArgs) Kind() string { return "incident_notify" }

// InsertOpts bounds redelivery of a failing notification.
func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: notifyMaxAttempts}
}

// Recorder settles the notification log row a job was enqueued for.
type Recorder interface {
	MarkNotification(ctx context.Context, id, status, errMsg string) error
}

type notifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	notifier notify.Notifier
	recorder Recorder
	metrics  *observability.Metrics
	timeout  time.Duration
	log      *slog.Logger
}

func (w *notifyWorker) Timeout(*river.Job[NotifyArgs]) time.Duration { return w.timeout }

// Work delivers the snapshot. A failure before the last attempt leaves the
// row retrying; only sent and failed are counted.
func (w *notifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	inc := job.Args.Incident
	err := w.notifier.Notify(ctx, &inc, job.Args.Transition, job.Args.Recipients)

	status := model.NotificationSent
	switch {
	case err == nil:
	case finalAttempt(job):
		status = model.NotificationFailed
	default:
		status = model.NotificationRetrying
	}
	w.settle(ctx, job.Args, status, err)

	if err != nil {
		w.log.WarnContext(ctx, "notification delivery failed",
			"incident_id", inc.ID, "transition", job.Args.Transition, "status", status, "err", err)
		return err
	}
	w.log.DebugContext(ctx, "notification delivered", "incident_id", inc.ID, "transition", job.Args.Transition)
	return nil
}

func (w *notifyWorker) settle(ctx context.Context, args NotifyArgs, status string, cause error) {
	// The job context may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	if status != model.NotificationRetrying {
		w.metrics.Notifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transition", args.Transition),
			attribute.String("outcome", status),
		))
	}
	if args.LogID == "" || w.recorder == nil {
		return
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	if err := w.recorder.MarkNotification(ctx, args.LogID, status, msg); err != nil {
		w.log.WarnContext(ctx, "settle notification log", "log_id", args.LogID, "status", status, "err", err)
	}
}

func finalAttempt(job *river.Job[NotifyArgs]) bool {
	return job.JobRow == nil || job.Attempt >= job.MaxAttempts
}

// Queue is the interface exposed by both the real River client and noopQueue.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error

	// Notifier is what the incident service should call. For River it
	// enqueues a job; for noopQueue it is the delivery notifier itself.
	Notifier() notify.Notifier
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// Ping checks the queue's database connection.
func (c *Client) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

// Notifier returns a notifier that enqueues an incident_notify job. It also
// implements notify.Enqueuer.
func (c *Client) Notifier() notify.Notifier { return &enqueuer{client: c.client} }

type enqueuer struct {
	client *river.Client[pgx.Tx]
}

func (e *enqueuer) Notify(ctx context.Context, inc *model.Incident, transition string, recipients []notify.Recipient) error {
	return e.Enqueue(ctx, "", inc, transition, recipients)
}

func (e *enqueuer) Enqueue(ctx context.Context, logID string, inc *model.Incident, transition string, recipients []notify.Recipient) error {
	args := NotifyArgs{LogID: logID, Incident: *inc, Transition: transition, Recipients: recipients}
	if _, err := e.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", transition, err)
	}
	return nil
}

// noopQueue is used when River is unavailable (e.g. DB_DRIVER=sqlite).
// Notifications are delivered inline.
type noopQueue struct {
	notifier notify.Notifier
	log      *slog.Logger
}

func (n *noopQueue) Start(_ context.Context) error {
	n.log.Info("worker queue disabled (sqlite driver, River requires postgres); notifications are delivered inline")
	return nil
}
func (n *noopQueue) Stop(_ context.Context) error { return nil }
func (n *noopQueue) Ping(_ context.Context) error { return nil }
func (n *noopQueue) Notifier() notify.Notifier { return n.notifier }

// Options configures the notification job.
type Options struct {
	Concurrency int
	// Notifier performs the actual delivery, usually a *notify.Fanout.
	Notifier      notify.Notifier
	NotifyTimeout time.Duration
	// Recorder settles queued notification log rows. Nil skips it.
	Recorder Recorder
	// Metrics defaults to no-op counters.
	Metrics *observability.Metrics
}

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": returns a River client backed by pool.
//   - anything else: returns a no-op queue that delivers inline.
//
// pool may be nil when driver != "postgres".
func New(_ context.Context, pool *pgxpool.Pool, driver string, opts Options, log *slog.Logger) (Queue, error) {
	if driver != "postgres" {
		return &noopQueue{notifier: opts.Notifier, log: log}, nil
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, newNotifyWorker(opts, log))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.Concurrency},
		},
		Workers: workers,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, pool: pool, log: log}, nil
}

func newNotifyWorker(opts Options, log *slog.Logger) *notifyWorker {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics()
	}
	return &notifyWorker{
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		metrics:  metrics,
		timeout:  opts.NotifyTimeout,
		log:      log,
	}
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
