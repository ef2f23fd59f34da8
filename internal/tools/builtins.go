package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avelar/concierge-agent/internal/scheduler"
)

// Builtins returns the standard tool set: clock access plus scheduler
// management. The scheduler may be nil, in which case the scheduling
// tools report themselves unconfigured.
func Builtins(sched *scheduler.Scheduler) []*Tool {
	b := &builtins{scheduler: sched}

	return []*Tool{
		{
			Name:        "get_current_time",
			Description: "Get the current date and time. Use this whenever you need to know what time it is or compute a future time for scheduling.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name (e.g., America/Chicago). Defaults to the server's local time.",
					},
				},
			},
			Handler: b.handleGetCurrentTime,
		},
		{
			Name:        "schedule_task",
			Description: "Schedule a future action for yourself. Use for reminders, follow-ups, or recurring work. Provide exactly one of 'at' or 'cron'.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"payload": map[string]any{
						"type":        "string",
						"description": "The instruction to process when the task fires",
					},
					"at": map[string]any{
						"type":        "string",
						"description": "One-time fire time as an RFC3339 timestamp (e.g., 2026-09-01T09:00:00Z)",
					},
					"cron": map[string]any{
						"type":        "string",
						"description": "Recurring schedule as a cron expression (e.g., '0 9 * * 1-5' for weekday mornings)",
					},
					"session_id": map[string]any{
						"type":        "string",
						"description": "Optional: deliver the fire into a specific session instead of a dedicated one",
					},
				},
				"required": []string{"payload"},
			},
			Handler: b.handleScheduleTask,
		},
		{
			Name:        "list_tasks",
			Description: "List scheduled tasks and their next fire times.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_finished": map[string]any{
						"type":        "boolean",
						"description": "Include completed and cancelled tasks (default: false)",
					},
				},
			},
			Handler: b.handleListTasks,
		},
		{
			Name:        "delete_task",
			Description: "Cancel a scheduled task so it never fires again.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{
						"type":        "string",
						"description": "The task ID to cancel (a prefix is enough if unambiguous)",
					},
				},
				"required": []string{"task_id"},
			},
			Handler: b.handleDeleteTask,
		},
	}
}

type builtins struct {
	scheduler *scheduler.Scheduler
}

func (b *builtins) handleGetCurrentTime(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now()

	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}

	return now.Format("Monday, January 2, 2006 at 3:04:05 PM MST"), nil
}

func (b *builtins) handleScheduleTask(ctx context.Context, args map[string]any) (string, error) {
	if b.scheduler == nil {
		return "", fmt.Errorf("scheduler not configured")
	}

	payload, _ := args["payload"].(string)
	if payload == "" {
		return "", fmt.Errorf("payload is required")
	}

	atStr, _ := args["at"].(string)
	cronExpr, _ := args["cron"].(string)
	if (atStr == "") == (cronExpr == "") {
		return "", fmt.Errorf("provide exactly one of 'at' or 'cron'")
	}

	var sched scheduler.Schedule
	if atStr != "" {
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp %q: use RFC3339", atStr)
		}
		sched = scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &at}
	} else {
		sched = scheduler.Schedule{Kind: scheduler.ScheduleCron, Cron: cronExpr}
	}

	sessionID, _ := args["session_id"].(string)
	task := &scheduler.Task{
		SessionID: sessionID,
		Schedule:  sched,
		Payload:   payload,
		CreatedBy: SessionIDFromContext(ctx),
	}

	if err := b.scheduler.Schedule(task); err != nil {
		return "", err
	}

	return fmt.Sprintf("Task scheduled (ID: %s). Next fire: %s",
		task.ID, task.NextFireAt.Format(time.RFC3339)), nil
}

func (b *builtins) handleListTasks(ctx context.Context, args map[string]any) (string, error) {
	if b.scheduler == nil {
		return "", fmt.Errorf("scheduler not configured")
	}

	includeFinished, _ := args["include_finished"].(bool)

	var tasks []*scheduler.Task
	var err error
	if includeFinished {
		tasks, err = b.scheduler.List()
	} else {
		tasks, err = b.scheduler.List(scheduler.StatePending, scheduler.StateFiring)
	}
	if err != nil {
		return "", err
	}

	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Found %d task(s):\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&result, "- %s [%s] %q", t.ID[:8], t.State, t.Payload)
		if t.State == scheduler.StatePending {
			fmt.Fprintf(&result, ", next: %s", t.NextFireAt.Format("2006-01-02 15:04"))
		}
		result.WriteString("\n")
	}

	return result.String(), nil
}

func (b *builtins) handleDeleteTask(ctx context.Context, args map[string]any) (string, error) {
	if b.scheduler == nil {
		return "", fmt.Errorf("scheduler not configured")
	}

	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	// Accept an unambiguous prefix.
	tasks, err := b.scheduler.List()
	if err != nil {
		return "", err
	}
	var found *scheduler.Task
	for _, t := range tasks {
		if t.ID == taskID || strings.HasPrefix(t.ID, taskID) {
			if found != nil {
				return "", fmt.Errorf("task id %q is ambiguous", taskID)
			}
			found = t
		}
	}
	if found == nil {
		return "", fmt.Errorf("task not found: %s", taskID)
	}

	if err := b.scheduler.Cancel(found.ID); err != nil {
		return "", err
	}

	return fmt.Sprintf("Task %s cancelled.", found.ID[:8]), nil
}
