package command

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avelar/concierge-agent/internal/session"
	"github.com/avelar/concierge-agent/internal/tools"
	"github.com/avelar/concierge-agent/internal/workspace"
)

type fakeCompactor struct {
	calls []string
	err   error
}

func (f *fakeCompactor) Compact(ctx context.Context, sessionID string) error {
	f.calls = append(f.calls, sessionID)
	return f.err
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Store, *fakeCompactor) {
	t.Helper()

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	set, err := tools.NewSet()
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	comp := &fakeCompactor{}
	d := New(Deps{
		Store:     store,
		Compactor: comp,
		Registry:  tools.NewRegistry(set),
	})
	return d, store, comp
}

func mustExecute(t *testing.T, d *Dispatcher, text string) string {
	t.Helper()
	out, exit, err := d.Execute(context.Background(), text)
	if err != nil {
		t.Fatalf("Execute(%q): %v", text, err)
	}
	if exit {
		t.Fatalf("Execute(%q) requested exit", text)
	}
	return out
}

func TestIsCommand(t *testing.T) {
	if !IsCommand("/help") {
		t.Error("/help not recognized")
	}
	if IsCommand("hello /help") {
		t.Error("mid-text slash treated as command")
	}
}

func TestNewAndSwitch(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	mustExecute(t, d, "/new")
	first := d.Current()
	if first == "" {
		t.Fatal("no current session after /new")
	}
	if err := store.SetTitle(first, "groceries"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}

	mustExecute(t, d, "/new")
	second := d.Current()
	if second == first {
		t.Fatal("/new reused the session")
	}

	out := mustExecute(t, d, "/switch "+first[:8])
	if d.Current() != first {
		t.Errorf("current = %s, want %s", d.Current(), first)
	}
	if !strings.Contains(out, "groceries") {
		t.Errorf("switch output %q should name the session", out)
	}
}

func TestSwitchNoMatch(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	mustExecute(t, d, "/new")

	before := d.Current()
	out := mustExecute(t, d, "/switch zzzzzz")
	if !strings.Contains(out, "No session matches") {
		t.Errorf("out = %q", out)
	}
	if d.Current() != before {
		t.Error("failed switch changed the current session")
	}
}

func TestNameAndList(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	mustExecute(t, d, "/new")
	mustExecute(t, d, "/name tax prep")

	out := mustExecute(t, d, "/list")
	if !strings.Contains(out, "tax prep") {
		t.Errorf("list output %q missing title", out)
	}
	if !strings.HasPrefix(out, "*") {
		t.Errorf("list output %q should mark the current session", out)
	}
}

func TestClearKeepsSession(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	mustExecute(t, d, "/new")
	id := d.Current()

	if err := store.Append(id, &session.Turn{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mustExecute(t, d, "/clear")

	sess, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Turns) != 0 {
		t.Errorf("turns = %d after /clear, want 0", len(sess.Turns))
	}
}

func TestResetEmptiesWorkspace(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ws := &workspace.Workspace{Root: filepath.Join(t.TempDir(), "ws")}
	if err := ws.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	d.deps.Workspace = ws
	mustExecute(t, d, "/new")

	mustExecute(t, d, "/reset")
	files, err := ws.CollectOutputs()
	if err != nil {
		t.Fatalf("CollectOutputs after reset: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("workspace not empty after /reset: %d files", len(files))
	}
}

func TestCompactDelegates(t *testing.T) {
	d, _, comp := newTestDispatcher(t)
	mustExecute(t, d, "/new")

	mustExecute(t, d, "/compact")
	if len(comp.calls) != 1 || comp.calls[0] != d.Current() {
		t.Errorf("compactor calls = %v", comp.calls)
	}

	comp.err = errors.New("session busy")
	if _, _, err := d.Execute(context.Background(), "/compact"); err == nil {
		t.Error("compact error not surfaced")
	}
}

func TestReloadSwapsRegistry(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.deps.Rebuild = func() (*tools.Set, error) {
		return tools.NewSet(&tools.Tool{
			Name:        "ping",
			Description: "replies pong",
			Parameters:  map[string]any{"type": "object"},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return "pong", nil
			},
		})
	}

	out := mustExecute(t, d, "/reload")
	if !strings.Contains(out, "ping") {
		t.Errorf("reload output %q missing tool name", out)
	}
	if got := d.deps.Registry.Snapshot().Names(); len(got) != 1 || got[0] != "ping" {
		t.Errorf("registry names = %v", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	out := mustExecute(t, d, "/frobnicate")
	if !strings.Contains(out, "Unknown command") {
		t.Errorf("out = %q", out)
	}
}

func TestExit(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, exit, err := d.Execute(context.Background(), "/exit")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !exit {
		t.Error("/exit did not request exit")
	}
}
