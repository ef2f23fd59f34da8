// Package engine owns the turn loop: it serializes turns per session,
// drives the provider/tool cycle, and keeps the session log durable at
// every step. Scheduled fires and interactive messages go through the
// same per-session lock and never interleave.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avelar/concierge-agent/internal/provider"
	"github.com/avelar/concierge-agent/internal/session"
	"github.com/avelar/concierge-agent/internal/tools"
	"github.com/avelar/concierge-agent/internal/workspace"
)

// ErrSessionBusy is returned when an interactive turn arrives while
// another turn holds the session. Callers should tell the user to wait
// rather than retry immediately.
var ErrSessionBusy = errors.New("session is busy with another turn")

// ErrToolLoopExceeded is returned alongside the fallback reply when the
// provider keeps requesting tools past the iteration budget.
var ErrToolLoopExceeded = errors.New("tool iteration budget exceeded")

// ScheduledTaskPrefix marks synthetic user turns injected by the
// scheduler so the model knows nobody is waiting at a keyboard.
const ScheduledTaskPrefix = "Scheduled Task: "

// Options configures the turn loop.
type Options struct {
	Model             string
	SystemPrompt      string
	MaxToolIterations int
	CompactThreshold  int           // token usage that triggers compaction, 0 disables
	KeepRecent        int           // turns kept verbatim through compaction
	ToolTimeout       time.Duration // per tool call
}

// Progress receives activity notes during a turn ("thinking", tool
// names). Channels use it for typing indicators. May be nil.
type Progress func(sessionID, activity string)

// FileHandler receives files that tools dropped in the workspace.
// May be nil, in which case files are archived but not delivered.
type FileHandler func(sessionID string, file workspace.File)

// Engine executes turns against a session store, a provider, and the
// current tool registry snapshot.
type Engine struct {
	logger    *slog.Logger
	store     *session.Store
	completer provider.Completer
	registry  *tools.Registry
	ws        *workspace.Workspace
	opts      Options
	locks     *lockTable

	progress Progress
	onFile   FileHandler
}

// New creates an engine. ws may be nil to disable output-file
// collection.
func New(logger *slog.Logger, store *session.Store, completer provider.Completer, registry *tools.Registry, ws *workspace.Workspace, opts Options) *Engine {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 10
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = 6
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 60 * time.Second
	}
	return &Engine{
		logger:    logger,
		store:     store,
		completer: completer,
		registry:  registry,
		ws:        ws,
		opts:      opts,
		locks:     newLockTable(),
	}
}

// SetProgress installs the activity callback.
func (e *Engine) SetProgress(fn Progress) { e.progress = fn }

// SetFileHandler installs the generated-file callback.
func (e *Engine) SetFileHandler(fn FileHandler) { e.onFile = fn }

// HandleMessage runs one interactive turn. It fails fast with
// ErrSessionBusy when the session is mid-turn; interactive callers
// should not silently queue behind long-running work.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, sender, text string) (string, error) {
	if !e.locks.tryAcquire(sessionID) {
		return "", ErrSessionBusy
	}
	defer e.locks.release(sessionID)

	return e.runTurn(ctx, sessionID, sender, text)
}

// HandleScheduled runs a scheduled-task turn. Unlike interactive turns
// it waits for the session lock: a fire must not be dropped because the
// user happened to be mid-conversation.
func (e *Engine) HandleScheduled(ctx context.Context, sessionID, payload string) (string, error) {
	if err := e.locks.acquire(ctx, sessionID); err != nil {
		return "", err
	}
	defer e.locks.release(sessionID)

	return e.runTurn(ctx, sessionID, "scheduler", ScheduledTaskPrefix+payload)
}

// runTurn executes the provider/tool cycle. The caller holds the
// session lock.
func (e *Engine) runTurn(ctx context.Context, sessionID, sender, text string) (string, error) {
	sess, err := e.store.GetOrCreate(sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	if err := e.store.Append(sessionID, &session.Turn{Role: session.RoleUser, Content: text}); err != nil {
		return "", fmt.Errorf("append user turn: %w", err)
	}

	// One snapshot per turn cycle: a registry reload mid-turn does not
	// change the tools this cycle sees.
	snapshot := e.registry.Snapshot()
	toolList := snapshot.List()

	loaded, err := e.store.Load(sessionID)
	if err != nil {
		return "", fmt.Errorf("load turns: %w", err)
	}
	messages := e.toMessages(loaded.Turns)

	e.logger.Debug("turn started",
		"session_id", sessionID,
		"sender", sender,
		"history", len(messages),
		"tools", snapshot.Len(),
	)

	var contextTokens int
	for iteration := 1; iteration <= e.opts.MaxToolIterations; iteration++ {
		e.report(sessionID, "thinking")

		comp, err := e.completer.Complete(ctx, &provider.Request{
			Model:    e.opts.Model,
			Messages: messages,
			Tools:    toolList,
		})
		if err != nil {
			return "", fmt.Errorf("provider: %w", err)
		}
		if comp.TotalTokens() > 0 {
			contextTokens = comp.TotalTokens()
		}

		if !comp.HasToolCalls() {
			// A bare sentinel reply means the model chose to end the
			// turn without saying anything. It is neither recorded nor
			// delivered; the user turn stays in the log.
			if silentReply(comp.Content) {
				e.logger.Debug("silent reply suppressed", "session_id", sessionID)
				e.finishTurn(ctx, sessionID, sess.Title == "", text, contextTokens)
				return "", nil
			}
			if err := e.store.Append(sessionID, &session.Turn{
				Role:    session.RoleAssistant,
				Content: comp.Content,
			}); err != nil {
				return "", fmt.Errorf("append assistant turn: %w", err)
			}
			e.finishTurn(ctx, sessionID, sess.Title == "", text, contextTokens)
			return comp.Content, nil
		}

		callsJSON, err := json.Marshal(comp.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("encode tool calls: %w", err)
		}
		if err := e.store.Append(sessionID, &session.Turn{
			Role:      session.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: string(callsJSON),
		}); err != nil {
			return "", fmt.Errorf("append assistant turn: %w", err)
		}
		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})

		// Every requested call gets exactly one tool turn before the
		// history goes back to the provider.
		for _, call := range comp.ToolCalls {
			content := e.executeCall(ctx, sessionID, snapshot, call)

			if err := e.store.Append(sessionID, &session.Turn{
				Role:       session.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			}); err != nil {
				return "", fmt.Errorf("append tool turn: %w", err)
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	fallback := "I wasn't able to complete this request: it needed more tool steps than allowed."
	if err := e.store.Append(sessionID, &session.Turn{
		Role:    session.RoleAssistant,
		Content: fallback,
	}); err != nil {
		return "", fmt.Errorf("append fallback turn: %w", err)
	}

	e.logger.Warn("tool loop exceeded", "session_id", sessionID, "budget", e.opts.MaxToolIterations)
	e.finishTurn(ctx, sessionID, sess.Title == "", text, contextTokens)
	return fallback, ErrToolLoopExceeded
}

// executeCall invokes one tool and folds any generated workspace files
// into the result text.
func (e *Engine) executeCall(ctx context.Context, sessionID string, snapshot *tools.Set, call provider.ToolCall) string {
	e.report(sessionID, "running "+call.Name)

	execCtx := tools.WithSessionID(ctx, sessionID)
	if e.ws != nil {
		execCtx = tools.WithWorkspaceDir(execCtx, e.ws.OutputDir())
	}

	res := snapshot.Invoke(execCtx, tools.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	}, e.opts.ToolTimeout)
	if res.Err != nil {
		e.logger.Warn("tool call failed",
			"session_id", sessionID,
			"tool", call.Name,
			"kind", res.Err.Kind,
			"error", res.Err.Message,
		)
	}
	content := res.Content()

	if e.ws != nil {
		files, err := e.ws.CollectOutputs()
		if err != nil {
			e.logger.Warn("output collection failed", "session_id", sessionID, "error", err)
		}
		for _, f := range files {
			if e.onFile != nil {
				e.onFile(sessionID, f)
				content += fmt.Sprintf("\n[Generated file %q was delivered to the user.]", f.Name)
			} else {
				content += fmt.Sprintf("\n[Generated file %q was archived.]", f.Name)
			}
		}
	}

	return content
}

// finishTurn runs the post-turn maintenance: usage bookkeeping,
// compaction, and auto-titling. All best-effort; a failure here never
// fails the turn that produced a reply.
func (e *Engine) finishTurn(ctx context.Context, sessionID string, untitled bool, firstText string, contextTokens int) {
	if contextTokens > 0 {
		if err := e.store.SetTokenUsage(sessionID, contextTokens); err != nil {
			e.logger.Warn("usage update failed", "session_id", sessionID, "error", err)
		}
	}

	if err := e.maybeCompact(ctx, sessionID); err != nil {
		e.logger.Warn("compaction failed", "session_id", sessionID, "error", err)
	}

	if untitled {
		e.autoTitle(ctx, sessionID, firstText)
	}
}

// silentReply reports whether the model signalled end-of-turn with no
// user-visible content. Models sometimes answer a scheduled nudge or a
// tool acknowledgement with "", "_", or "."; those replies carry no
// information worth storing or sending.
func silentReply(content string) bool {
	switch strings.TrimSpace(content) {
	case "", "_", ".":
		return true
	}
	return false
}

func (e *Engine) report(sessionID, activity string) {
	if e.progress != nil {
		e.progress(sessionID, activity)
	}
}

// toMessages converts replay turns to provider messages, prepending
// the system prompt when configured.
func (e *Engine) toMessages(turns []session.Turn) []provider.Message {
	messages := make([]provider.Message, 0, len(turns)+1)
	if e.opts.SystemPrompt != "" {
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: e.opts.SystemPrompt,
		})
	}

	for _, turn := range turns {
		msg := provider.Message{
			Role:       turn.Role,
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		}
		if turn.ToolCalls != "" {
			if err := json.Unmarshal([]byte(turn.ToolCalls), &msg.ToolCalls); err != nil {
				e.logger.Warn("corrupt tool calls on turn", "turn_id", turn.ID, "error", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages
}
