package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/avelar/concierge-agent/internal/provider"
	"github.com/avelar/concierge-agent/internal/session"
)

const summarizePrompt = `Summarize the conversation below so it can replace the original turns as context. Preserve decisions, facts, names, open tasks, and anything the user asked to be remembered. Write a compact prose summary, no preamble.`

const titlePrompt = `Give this conversation a short title, at most six words. Reply with only the title, no quotes.`

// Compact forces a compaction pass regardless of the token threshold.
// It takes the session lock like any other turn.
func (e *Engine) Compact(ctx context.Context, sessionID string) error {
	if !e.locks.tryAcquire(sessionID) {
		return ErrSessionBusy
	}
	defer e.locks.release(sessionID)

	return e.compact(ctx, sessionID, true)
}

// maybeCompact summarizes the older part of the replay view when token
// usage has crossed the threshold, keeping the most recent turns
// verbatim. The summary is produced through the provider; if that call
// fails the session is left untouched and the next turn tries again.
func (e *Engine) maybeCompact(ctx context.Context, sessionID string) error {
	return e.compact(ctx, sessionID, false)
}

func (e *Engine) compact(ctx context.Context, sessionID string, force bool) error {
	if !force && e.opts.CompactThreshold <= 0 {
		return nil
	}

	sess, err := e.store.Load(sessionID)
	if err != nil {
		return err
	}
	if !force && sess.TokenUsage < e.opts.CompactThreshold {
		return nil
	}
	if len(sess.Turns) <= e.opts.KeepRecent+1 {
		return nil
	}

	cut := sess.Turns[:len(sess.Turns)-e.opts.KeepRecent]
	var marker int64
	for _, turn := range cut {
		if !turn.IsSummary && turn.Seq > marker {
			marker = turn.Seq
		}
	}
	if marker <= sess.CompactionMarker {
		return nil
	}

	summary, err := e.summarize(ctx, cut)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	if err := e.store.Compact(sessionID, summary, marker); err != nil {
		return err
	}

	e.logger.Info("session compacted",
		"session_id", sessionID,
		"marker", marker,
		"summarized_turns", len(cut),
		"kept_turns", e.opts.KeepRecent,
	)
	return nil
}

// summarize asks the provider to condense the given turns. Tool calls
// are rendered by name only; their outputs are already in the tool
// turns.
func (e *Engine) summarize(ctx context.Context, turns []session.Turn) (string, error) {
	var transcript strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
	}

	comp, err := e.completer.Complete(ctx, &provider.Request{
		Model: e.opts.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: summarizePrompt},
			{Role: provider.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(comp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return comp.Content, nil
}

// autoTitle names an untitled session from its opening message.
// Best-effort: a failure is logged and the session stays untitled.
func (e *Engine) autoTitle(ctx context.Context, sessionID, firstText string) {
	comp, err := e.completer.Complete(ctx, &provider.Request{
		Model: e.opts.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: titlePrompt},
			{Role: provider.RoleUser, Content: firstText},
		},
	})
	if err != nil {
		e.logger.Debug("auto-title failed", "session_id", sessionID, "error", err)
		return
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(comp.Content), `"`))
	if title == "" {
		return
	}
	if len(title) > 80 {
		title = title[:80]
	}
	if err := e.store.SetTitle(sessionID, title); err != nil {
		e.logger.Debug("auto-title save failed", "session_id", sessionID, "error", err)
	}
}
