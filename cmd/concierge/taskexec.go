package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avelar/concierge-agent/internal/scheduler"
	"github.com/avelar/concierge-agent/internal/session"
)

// scheduledRunner abstracts the engine for task execution testing.
type scheduledRunner interface {
	HandleScheduled(ctx context.Context, sessionID, payload string) (string, error)
}

// sessionEnsurer abstracts session creation for task execution testing.
type sessionEnsurer interface {
	GetOrCreate(id string) (*session.Session, error)
}

// runScheduledTask dispatches a fired task into the engine. Tasks with
// a session ID land in that session, queueing behind any interactive
// turn in progress. Tasks without one get an isolated session keyed by
// task ID so recurring fires share a history but never pollute chat.
func runScheduledTask(ctx context.Context, task *scheduler.Task, runner scheduledRunner, sessions sessionEnsurer, logger *slog.Logger) error {
	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "sched-" + task.ID
	}
	if _, err := sessions.GetOrCreate(sessionID); err != nil {
		return fmt.Errorf("open task session %s: %w", sessionID, err)
	}

	logger.Debug("scheduled task executing", "task_id", task.ID, "session_id", sessionID)

	reply, err := runner.HandleScheduled(ctx, sessionID, task.Payload)
	if err != nil {
		return fmt.Errorf("scheduled task %s: %w", task.ID, err)
	}

	logger.Debug("scheduled task completed", "task_id", task.ID, "reply_len", len(reply))
	return nil
}
