package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/tool"
)

// RegisterTools 注册 cron_add、cron_list 与 cron_remove。
func RegisterTools(reg *tool.Registry, s *Scheduler) error {
	add := tool.Func("cron_add",
		"Schedule a recurring task. The agent will run the query on the given schedule and deliver results to a channel or save them. "+
			"Formats: 'every 6h', 'every day at 9am', 'every monday', 'at 15:00', 'cron 0 */6 * * *'.",
		tool.Object(map[string]*jsonschema.Schema{
			"schedule":  tool.String("Schedule expression (e.g. 'every 6h', 'every day at 9am', 'cron 0 */6 * * *')"),
			"query":     tool.String("The question or task to run on each execution"),
			"channel":   tool.String("Optional delivery channel (telegram, discord, slack, email, ...)"),
			"recipient": tool.String("Optional recipient ID on the channel"),
		}, "schedule", "query"),
		func(ctx context.Context, args map[string]any) (string, error) {
			caller, _ := tool.CallerFrom(ctx)
			delivery := Delivery{Channel: tool.StringArg(args, "channel"), Recipient: tool.StringArg(args, "recipient")}
			job, err := s.Add(ctx, tool.StringArg(args, "schedule"), tool.StringArg(args, "query"), caller.Agent, delivery)
			if err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeLimitExceeded {
					return fmt.Sprintf("Error: Maximum of %d scheduled jobs reached. Remove existing jobs first.", s.maxJobs), nil
				}
				return "", err
			}
			target := "saved to file"
			if job.Delivery.Channel != "" {
				target = job.Delivery.Channel + ":" + job.Delivery.Recipient
			}
			return fmt.Sprintf("Scheduled job %s:\n  Query: %s\n  Schedule: %s\n  Next run: %s\n  Delivery: %s",
				job.ID, job.Prompt, job.Schedule, job.NextRun.Format(time.DateTime), target), nil
		})

	list := tool.Func("cron_list",
		"List all scheduled jobs with their status, next run time, and failure count.",
		tool.Object(nil),
		func(ctx context.Context, _ map[string]any) (string, error) {
			return FormatJobs(s.List(ctx)), nil
		})

	remove := tool.Func("cron_remove",
		"Remove a scheduled job by its ID (e.g. 'j-abc12345').",
		tool.Object(map[string]*jsonschema.Schema{
			"job_id": tool.String("The job ID to remove"),
		}, "job_id"),
		func(ctx context.Context, args map[string]any) (string, error) {
			id := tool.StringArg(args, "job_id")
			ok, err := s.Remove(ctx, id)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("Job '%s' not found.", id), nil
			}
			return fmt.Sprintf("Removed job %s.", id), nil
		})

	for _, t := range []tool.Tool{add, list, remove} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// FormatJobs 渲染任务列表，供工具与 REPL 使用。
func FormatJobs(jobs []Job) string {
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled jobs (%d):", len(jobs))
	for _, j := range jobs {
		status := "ENABLED"
		if !j.Enabled {
			status = "DISABLED"
		}
		query := j.Prompt
		if len([]rune(query)) > 60 {
			query = string([]rune(query)[:60])
		}
		fmt.Fprintf(&b, "\n  %s [%s] %s\n    Query: %s\n    Next: %s | Failures: %d",
			j.ID, status, j.Schedule, query, j.NextRun.Format(time.DateTime), j.Failures)
	}
	return b.String()
}
