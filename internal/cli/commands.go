package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reliable-jobs/internal/app"
	"reliable-jobs/internal/audit"
	"reliable-jobs/internal/models"
)

// ErrChainBroken is returned by `audit verify` after printing a failed result.
var ErrChainBroken = errors.New("audit chain verification failed")

const operatorRole = "operator"

// OpenFunc builds the backends a command operates on.
type OpenFunc func(ctx context.Context) (*app.Components, error)

type env struct {
	open     OpenFunc
	out      io.Writer
	jsonMode bool
}

func (e *env) output() *Output { return NewOutput(e.jsonMode, e.out) }

// with opens the backends for the duration of fn.
func (e *env) with(ctx context.Context, fn func(*app.Components) error) error {
	c, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

// NewRootCmd assembles jobctl. Results go to out.
func NewRootCmd(open OpenFunc, out io.Writer) *cobra.Command {
	e := &env{open: open, out: out}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and feed the job queue, DLQ and audit chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&e.jsonMode, "json", false, "Output in JSON format")

	root.AddCommand(
		newEnqueueCmd(e),
		newQueueCmd(e),
		newDLQCmd(e),
		newAuditCmd(e),
	)
	return root
}

func newEnqueueCmd(e *env) *cobra.Command {
	var fields []string
	var jobID string
	var force bool

	cmd := &cobra.Command{
		Use:   "enqueue JOB_TYPE",
		Short: "Add a job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := models.Job{ID: jobID, Type: args[0], Payload: map[string]any{}}
			for _, kv := range fields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid field %q, expected KEY=VALUE", kv)
				}
				job.Payload[k] = v
			}

			return e.with(cmd.Context(), func(c *app.Components) error {
				stored, err := c.Queue.Enqueue(cmd.Context(), job, force)
				if err != nil {
					return err
				}
				if _, err := c.Audit.Append(cmd.Context(), audit.Entry{
					TenantID:  stored.TenantID(),
					PublishID: stored.PublishID(),
					EventType: models.EventJobEnqueued,
					ActorRole: operatorRole,
					Payload:   map[string]any{"jobId": stored.ID, "jobType": stored.Type},
				}); err != nil {
					return fmt.Errorf("job %s enqueued but not audited: %w", stored.ID, err)
				}
				return e.output().Print(
					[]string{"JOB_ID", "TYPE", "PUBLISH_ID", "QUEUED_AT"},
					[][]string{{stored.ID, stored.Type, stored.PublishID(), formatTime(stored.QueuedAt)}},
					stored,
				)
			})
		},
	}

	cmd.Flags().StringSliceVar(&fields, "field", nil, "Payload field as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&jobID, "id", "", "Job id (generated when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "Skip backpressure checks")
	return cmd
}

func newQueueCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Queue state"}
	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Show queue and DLQ depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(cmd.Context(), func(c *app.Components) error {
				depth, err := c.Queue.Size(cmd.Context())
				if err != nil {
					return err
				}
				dlq, err := c.Queue.DLQSize(cmd.Context())
				if err != nil {
					return err
				}
				backend := c.Queue.Backend().Name()
				return e.output().Print(
					[]string{"BACKEND", "DEPTH", "DLQ_DEPTH"},
					[][]string{{backend, strconv.Itoa(depth), strconv.Itoa(dlq)}},
					map[string]any{"backend": backend, "depth": depth, "dlqDepth": dlq},
				)
			})
		},
	})
	return cmd
}

func newDLQCmd(e *env) *cobra.Command {
	var limit int

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(cmd.Context(), func(c *app.Components) error {
				entries, err := c.Queue.ListDlq(cmd.Context(), limit)
				if err != nil {
					return err
				}
				rows := make([][]string, len(entries))
				for i, en := range entries {
					rows[i] = []string{en.ID, en.Type, strconv.Itoa(en.Attempt), en.PublishID(), formatTime(en.FailedAt), en.Error}
				}
				if entries == nil {
					entries = []models.DLQEntry{}
				}
				return e.output().Print([]string{"JOB_ID", "TYPE", "ATTEMPT", "PUBLISH_ID", "FAILED_AT", "ERROR"}, rows, entries)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")

	cmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue"}
	cmd.AddCommand(list)
	return cmd
}

func newAuditCmd(e *env) *cobra.Command {
	var filter audit.Filter
	var limit int

	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(cmd.Context(), func(c *app.Components) error {
				events, err := c.Audit.List(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, len(events))
				for i, ev := range events {
					rows[i] = []string{formatTime(ev.CreatedAt), ev.EventType, ev.TenantID, ev.PublishID, ev.ActorRole, shortHash(ev.ChainHash)}
				}
				if events == nil {
					events = []models.AuditEvent{}
				}
				return e.output().Print([]string{"CREATED", "EVENT", "TENANT", "PUBLISH_ID", "ACTOR", "HASH"}, rows, events)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", audit.DefaultListLimit, "Maximum number of events")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Replay the hash chain and report the first broken link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(cmd.Context(), func(c *app.Components) error {
				res, err := c.Audit.Verify(cmd.Context(), filter)
				if err != nil {
					return err
				}
				failedAt := ""
				if res.FailedAt != nil {
					failedAt = strconv.Itoa(*res.FailedAt)
				}
				if err := e.output().Print(
					[]string{"OK", "TOTAL", "FAILED_AT", "REASON"},
					[][]string{{strconv.FormatBool(res.OK), strconv.Itoa(res.Total), failedAt, res.Reason}},
					res,
				); err != nil {
					return err
				}
				if !res.OK {
					return ErrChainBroken
				}
				return nil
			})
		},
	}

	cmd := &cobra.Command{Use: "audit", Short: "Audit hash chain"}
	cmd.PersistentFlags().StringVar(&filter.TenantID, "tenant-id", "", "Filter by tenant")
	cmd.PersistentFlags().StringVar(&filter.PublishID, "publish-id", "", "Filter by publish id")
	cmd.AddCommand(list, verify)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
