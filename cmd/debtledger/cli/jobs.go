package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/debtledger/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions selects the payload of a manually triggered task.
type TriggerOptions struct {
	Task string
	Mode string
	Year int
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewTaskByName(opts.Task, opts.Mode, opts.Year)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ParseTrigger reads `trigger <task> [-mode m] [-year y]` arguments.
func ParseTrigger(args []string, stderr io.Writer) (TriggerOptions, error) {
	if len(args) == 0 {
		return TriggerOptions{}, errors.New("jobs trigger: task name required")
	}
	opts := TriggerOptions{Task: args[0]}
	fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Mode, "mode", "snapshot", "batch mode for debt:sync_all (full or snapshot)")
	fs.IntVar(&opts.Year, "year", 0, "target year, 0 for the current year")
	if err := fs.Parse(args[1:]); err != nil {
		return TriggerOptions{}, err
	}
	if opts.Year < 0 {
		return TriggerOptions{}, fmt.Errorf("jobs trigger: invalid year %d", opts.Year)
	}
	return opts, nil
}

// RunJobs executes a jobs subcommand and returns the process exit code.
func RunJobs(ctx context.Context, redisAddr string, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "jobs: expected trigger or stats")
		return 2
	}
	var opts TriggerOptions
	if args[0] == "trigger" {
		parsed, err := ParseTrigger(args[1:], stderr)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 2
		}
		opts = parsed
	} else if args[0] != "stats" {
		_, _ = fmt.Fprintf(stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}

	c, err := NewJobsCLI(redisAddr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = c.Close() }()

	if args[0] == "trigger" {
		info, err := c.Trigger(ctx, opts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	}
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return 0
}
