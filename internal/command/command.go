// Package command implements the slash-command surface above the
// engine. Each command is a thin call into the session store, the
// engine, or the tool registry; none carry business logic of their own.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/avelar/concierge-agent/internal/buildinfo"
	"github.com/avelar/concierge-agent/internal/session"
	"github.com/avelar/concierge-agent/internal/tools"
	"github.com/avelar/concierge-agent/internal/workspace"
)

// Compactor is the engine-side contract /compact needs.
type Compactor interface {
	Compact(ctx context.Context, sessionID string) error
}

// Deps are the collaborators the dispatcher calls into.
type Deps struct {
	Store     *session.Store
	Compactor Compactor
	Registry  *tools.Registry
	// Rebuild constructs a fresh tool set for /reload.
	Rebuild   func() (*tools.Set, error)
	Workspace *workspace.Workspace
}

// Dispatcher routes slash commands and tracks the active session.
type Dispatcher struct {
	deps Deps

	mu      sync.Mutex
	current string
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// IsCommand reports whether the input is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}

// Current returns the active session ID.
func (d *Dispatcher) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SetCurrent changes the active session.
func (d *Dispatcher) SetCurrent(id string) {
	d.mu.Lock()
	d.current = id
	d.mu.Unlock()
}

// Execute runs one slash command. exit reports that the caller should
// shut down. User-level mistakes (unknown command, missing argument)
// come back as output text, not errors; err is for real failures.
func (d *Dispatcher) Execute(ctx context.Context, text string) (output string, exit bool, err error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/new":
		return d.cmdNew()
	case "/list":
		return d.cmdList()
	case "/switch":
		return d.cmdSwitch(arg)
	case "/name":
		return d.cmdName(arg)
	case "/clear":
		return d.cmdClear()
	case "/reset":
		return d.cmdReset()
	case "/compact":
		return d.cmdCompact(ctx)
	case "/reload":
		return d.cmdReload()
	case "/usage":
		return d.cmdUsage()
	case "/help":
		return helpText, false, nil
	case "/exit", "/quit":
		return "Goodbye.", true, nil
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", name), false, nil
	}
}

const helpText = `Commands:
  /new            start a new session
  /list           list sessions
  /switch <id>    switch to a session (prefix is enough)
  /name <title>   rename the current session
  /clear          clear the current session's history
  /reset          clear history and empty the workspace
  /compact        force history compaction now
  /reload         rebuild the tool registry
  /usage          show token usage for the current session
  /help           this text
  /exit           quit`

func (d *Dispatcher) cmdNew() (string, bool, error) {
	sess := &session.Session{}
	if err := d.deps.Store.Create(sess); err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	d.SetCurrent(sess.ID)
	return fmt.Sprintf("Started new session %s.", short(sess.ID)), false, nil
}

func (d *Dispatcher) cmdList() (string, bool, error) {
	sessions, err := d.deps.Store.List()
	if err != nil {
		return "", false, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return "No sessions.", false, nil
	}

	current := d.Current()
	var b strings.Builder
	for _, s := range sessions {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s %s  %-30s  %d turns  %s\n",
			marker, short(s.ID), title, s.TurnCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), false, nil
}

func (d *Dispatcher) cmdSwitch(arg string) (string, bool, error) {
	if arg == "" {
		return "Usage: /switch <session id>", false, nil
	}

	sessions, err := d.deps.Store.List()
	if err != nil {
		return "", false, fmt.Errorf("list sessions: %w", err)
	}

	var matches []session.Summary
	for _, s := range sessions {
		if s.ID == arg || strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Sprintf("No session matches %q.", arg), false, nil
	case 1:
		d.SetCurrent(matches[0].ID)
		title := matches[0].Title
		if title == "" {
			title = short(matches[0].ID)
		}
		return fmt.Sprintf("Switched to %s.", title), false, nil
	default:
		sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = short(m.ID)
		}
		return fmt.Sprintf("%q is ambiguous: %s", arg, strings.Join(ids, ", ")), false, nil
	}
}

func (d *Dispatcher) cmdName(arg string) (string, bool, error) {
	if arg == "" {
		return "Usage: /name <title>", false, nil
	}
	if err := d.deps.Store.SetTitle(d.Current(), arg); err != nil {
		return "", false, fmt.Errorf("rename session: %w", err)
	}
	return fmt.Sprintf("Session renamed to %q.", arg), false, nil
}

func (d *Dispatcher) cmdClear() (string, bool, error) {
	if err := d.deps.Store.ClearTurns(d.Current()); err != nil {
		return "", false, fmt.Errorf("clear session: %w", err)
	}
	return "Session history cleared.", false, nil
}

func (d *Dispatcher) cmdReset() (string, bool, error) {
	if err := d.deps.Store.ClearTurns(d.Current()); err != nil {
		return "", false, fmt.Errorf("clear session: %w", err)
	}
	if d.deps.Workspace != nil {
		if err := d.deps.Workspace.Reset(); err != nil {
			return "", false, fmt.Errorf("reset workspace: %w", err)
		}
	}
	return "Session history cleared and workspace emptied.", false, nil
}

func (d *Dispatcher) cmdCompact(ctx context.Context) (string, bool, error) {
	if err := d.deps.Compactor.Compact(ctx, d.Current()); err != nil {
		return "", false, fmt.Errorf("compact: %w", err)
	}
	sess, err := d.deps.Store.Get(d.Current())
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("Compacted. Context now ~%d tokens.", sess.TokenUsage), false, nil
}

func (d *Dispatcher) cmdReload() (string, bool, error) {
	if d.deps.Rebuild == nil {
		return "Reload is not available.", false, nil
	}
	set, err := d.deps.Rebuild()
	if err != nil {
		return "", false, fmt.Errorf("rebuild tools: %w", err)
	}
	d.deps.Registry.Reload(set)
	return fmt.Sprintf("Tool registry reloaded: %s.", strings.Join(set.Names(), ", ")), false, nil
}

func (d *Dispatcher) cmdUsage() (string, bool, error) {
	sess, err := d.deps.Store.Get(d.Current())
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	return fmt.Sprintf("%s\nSession %s: ~%d tokens in context, compaction marker at %d.",
		buildinfo.String(), short(sess.ID), sess.TokenUsage, sess.CompactionMarker), false, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
