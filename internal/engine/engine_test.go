package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avelar/concierge-agent/internal/provider"
	"github.com/avelar/concierge-agent/internal/session"
	"github.com/avelar/concierge-agent/internal/tools"
)

// scriptedCompleter returns canned completions in order, repeating the
// last one, and records every request it saw.
type scriptedCompleter struct {
	mu       sync.Mutex
	script   []*provider.Completion
	err      error
	requests []*provider.Request
	block    chan struct{} // when set, Complete waits here first
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i], nil
}

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedCompleter) request(i int) *provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func finalAnswer(text string) *provider.Completion {
	return &provider.Completion{Content: text, InputTokens: 10, OutputTokens: 5}
}

func toolRequest(id, name string, args map[string]any) *provider.Completion {
	return &provider.Completion{ToolCalls: []provider.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

func newTestEngine(t *testing.T, completer provider.Completer, toolset []*tools.Tool, opts Options) (*Engine, *session.Store) {
	t.Helper()

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	set, err := tools.NewSet(toolset...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	return New(logger, store, completer, tools.NewRegistry(set), nil, opts), store
}

// titledSession pre-creates a session with a title so auto-titling
// stays out of the provider script.
func titledSession(t *testing.T, store *session.Store, id string) {
	t.Helper()
	if err := store.Create(&session.Session{ID: id, Title: "t"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestHandleMessageSimpleReply(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{finalAnswer("hello back")}}
	e, store := newTestEngine(t, completer, nil, Options{})
	titledSession(t, store, "s1")

	reply, err := e.HandleMessage(context.Background(), "s1", "user", "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "hello back" {
		t.Errorf("reply = %q", reply)
	}

	sess, err := store.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(sess.Turns))
	}
	if sess.Turns[0].Role != session.RoleUser || sess.Turns[1].Role != session.RoleAssistant {
		t.Errorf("roles = %q, %q", sess.Turns[0].Role, sess.Turns[1].Role)
	}
	if sess.TokenUsage != 15 {
		t.Errorf("token usage = %d, want provider-reported 15", sess.TokenUsage)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{
		toolRequest("call_1", "echo", map[string]any{"message": "ping"}),
		finalAnswer("the tool said ping"),
	}}
	echo := &tools.Tool{
		Name: "echo",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["message"].(string), nil
		},
	}
	e, store := newTestEngine(t, completer, []*tools.Tool{echo}, Options{})
	titledSession(t, store, "s1")

	reply, err := e.HandleMessage(context.Background(), "s1", "user", "ping please")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "the tool said ping" {
		t.Errorf("reply = %q", reply)
	}

	// The resubmission carries the tool result correlated to its call.
	second := completer.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != provider.RoleTool || last.ToolCallID != "call_1" || last.Content != "ping" {
		t.Errorf("resubmitted tool message = %+v", last)
	}

	sess, _ := store.Load("s1")
	// user, assistant(tool calls), tool, assistant(final).
	if len(sess.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(sess.Turns))
	}
	if sess.Turns[1].ToolCalls == "" {
		t.Error("assistant turn missing recorded tool calls")
	}
	if sess.Turns[2].Role != session.RoleTool || sess.Turns[2].ToolCallID != "call_1" {
		t.Errorf("tool turn = %+v", sess.Turns[2])
	}
}

func TestToolErrorFedBackNotFatal(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{
		toolRequest("call_1", "flaky", map[string]any{}),
		finalAnswer("sorry, the lookup failed"),
	}}
	flaky := &tools.Tool{
		Name:       "flaky",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	}
	e, store := newTestEngine(t, completer, []*tools.Tool{flaky}, Options{})
	titledSession(t, store, "s1")

	reply, err := e.HandleMessage(context.Background(), "s1", "user", "look it up")
	if err != nil {
		t.Fatalf("tool failure aborted the turn: %v", err)
	}
	if reply != "sorry, the lookup failed" {
		t.Errorf("reply = %q", reply)
	}

	// The model saw the failure as tool output.
	second := completer.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "backend down") {
		t.Errorf("tool error not visible to model: %q", last.Content)
	}
}

func TestToolLoopExceeded(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{
		toolRequest("call_x", "spin", map[string]any{}),
	}}
	spin := &tools.Tool{
		Name:       "spin",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "again", nil
		},
	}
	e, store := newTestEngine(t, completer, []*tools.Tool{spin}, Options{MaxToolIterations: 3})
	titledSession(t, store, "s1")

	reply, err := e.HandleMessage(context.Background(), "s1", "user", "go")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}
	if reply == "" {
		t.Error("expected a fallback reply")
	}
	if completer.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", completer.calls())
	}

	// Lock must be released after the overrun.
	completer.mu.Lock()
	completer.script = []*provider.Completion{finalAnswer("recovered")}
	completer.requests = nil
	completer.mu.Unlock()
	if _, err := e.HandleMessage(context.Background(), "s1", "user", "again"); err != nil {
		t.Errorf("session stuck after overrun: %v", err)
	}
}

func TestSilentReplySuppressed(t *testing.T) {
	for _, silent := range []string{".", "_", "", "  . "} {
		completer := &scriptedCompleter{script: []*provider.Completion{finalAnswer(silent)}}
		e, store := newTestEngine(t, completer, nil, Options{})
		titledSession(t, store, "s1")

		reply, err := e.HandleMessage(context.Background(), "s1", "user", "anything new?")
		if err != nil {
			t.Fatalf("HandleMessage(%q): %v", silent, err)
		}
		if reply != "" {
			t.Errorf("reply = %q for sentinel %q, want empty", reply, silent)
		}

		// Only the user turn lands in the log.
		sess, err := store.Load("s1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(sess.Turns) != 1 || sess.Turns[0].Role != session.RoleUser {
			t.Errorf("turns = %+v for sentinel %q, want just the user turn", sess.Turns, silent)
		}
	}
}

func TestRestartReproducesProviderPayload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{Model: "test-model", SystemPrompt: "be helpful"}

	newEngine := func(store *session.Store, completer provider.Completer) *Engine {
		set, err := tools.NewSet()
		if err != nil {
			t.Fatalf("NewSet: %v", err)
		}
		return New(logger, store, completer, tools.NewRegistry(set), nil, opts)
	}

	store, err := session.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	titledSession(t, store, "control")
	titledSession(t, store, "restarted")

	// Control conversation: both turns within one process.
	control := &scriptedCompleter{script: []*provider.Completion{
		finalAnswer("the first reply"),
		finalAnswer("the second reply"),
	}}
	e := newEngine(store, control)
	if _, err := e.HandleMessage(context.Background(), "control", "user", "first question"); err != nil {
		t.Fatalf("control turn 1: %v", err)
	}
	if _, err := e.HandleMessage(context.Background(), "control", "user", "second question"); err != nil {
		t.Fatalf("control turn 2: %v", err)
	}
	want := control.request(1)

	// Same conversation with a restart between the turns.
	before := &scriptedCompleter{script: []*provider.Completion{finalAnswer("the first reply")}}
	if _, err := newEngine(store, before).HandleMessage(context.Background(), "restarted", "user", "first question"); err != nil {
		t.Fatalf("pre-restart turn: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := session.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	after := &scriptedCompleter{script: []*provider.Completion{finalAnswer("the second reply")}}
	if _, err := newEngine(reopened, after).HandleMessage(context.Background(), "restarted", "user", "second question"); err != nil {
		t.Fatalf("post-restart turn: %v", err)
	}
	got := after.request(0)

	// The reconstructed history produces the identical provider payload.
	if !reflect.DeepEqual(got.Messages, want.Messages) {
		t.Errorf("post-restart messages = %+v, want %+v", got.Messages, want.Messages)
	}
	if got.Model != want.Model || !reflect.DeepEqual(got.Tools, want.Tools) {
		t.Errorf("post-restart request differs beyond messages")
	}
}

func TestConcurrentTurnsSerialize(t *testing.T) {
	block := make(chan struct{})
	completer := &scriptedCompleter{
		script: []*provider.Completion{finalAnswer("done")},
		block:  block,
	}
	e, store := newTestEngine(t, completer, nil, Options{})
	titledSession(t, store, "s1")
	titledSession(t, store, "s2")

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		close(started)
		_, err := e.HandleMessage(context.Background(), "s1", "user", "slow one")
		firstDone <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the goroutine take the lock

	// Interactive turn on a busy session is rejected, not queued.
	if _, err := e.HandleMessage(context.Background(), "s1", "user", "impatient"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}

	// A different session is unaffected.
	otherDone := make(chan error, 1)
	go func() {
		_, err := e.HandleMessage(context.Background(), "s2", "user", "independent")
		otherDone <- err
	}()

	// A scheduled fire on the busy session waits for the lock.
	schedDone := make(chan error, 1)
	go func() {
		_, err := e.HandleScheduled(context.Background(), "s1", "reminder")
		schedDone <- err
	}()

	select {
	case err := <-schedDone:
		t.Fatalf("scheduled fire did not wait for the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	for _, ch := range []chan error{firstDone, otherDone, schedDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("turn failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("turn never finished")
		}
	}

	// The scheduled turn landed after the interactive one, prefixed.
	sess, _ := store.Load("s1")
	var schedTurn *session.Turn
	for i := range sess.Turns {
		if strings.HasPrefix(sess.Turns[i].Content, ScheduledTaskPrefix) {
			schedTurn = &sess.Turns[i]
		}
	}
	if schedTurn == nil {
		t.Fatal("scheduled turn not recorded")
	}
	if schedTurn.Role != session.RoleUser {
		t.Errorf("scheduled turn role = %q, want user", schedTurn.Role)
	}
}

func TestProviderErrorReleasesLock(t *testing.T) {
	completer := &scriptedCompleter{err: &provider.Error{Message: "down", Transient: true}}
	e, store := newTestEngine(t, completer, nil, Options{})
	titledSession(t, store, "s1")

	if _, err := e.HandleMessage(context.Background(), "s1", "user", "hi"); err == nil {
		t.Fatal("expected provider error")
	}

	// The user turn stays in the log; the lock is free again.
	sess, _ := store.Load("s1")
	if len(sess.Turns) != 1 {
		t.Errorf("turns = %d, want the preserved user turn", len(sess.Turns))
	}
	completer.mu.Lock()
	completer.err = nil
	completer.script = []*provider.Completion{finalAnswer("back")}
	completer.mu.Unlock()
	if _, err := e.HandleMessage(context.Background(), "s1", "user", "retry"); err != nil {
		t.Errorf("session stuck after provider failure: %v", err)
	}
}

func TestCompactionAfterThreshold(t *testing.T) {
	// Usage 15 from the scripted completion; threshold 10 forces a
	// compaction whose summary comes from the second scripted entry.
	completer := &scriptedCompleter{script: []*provider.Completion{
		finalAnswer("reply"),
		{Content: "summary of everything so far"},
	}}
	e, store := newTestEngine(t, completer, nil, Options{CompactThreshold: 10, KeepRecent: 2})
	titledSession(t, store, "s1")

	// Seed history so there is something beyond the keep window.
	for i := 0; i < 6; i++ {
		if err := store.Append("s1", &session.Turn{Role: session.RoleUser, Content: "older turn"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := e.HandleMessage(context.Background(), "s1", "user", "one more"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sess, err := store.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.CompactionMarker == 0 {
		t.Fatal("compaction did not run")
	}
	if !sess.Turns[0].IsSummary || sess.Turns[0].Content != "summary of everything so far" {
		t.Errorf("first replay turn = %+v, want the summary", sess.Turns[0])
	}
	// Summary plus the kept turns.
	if len(sess.Turns) != 1+2 {
		t.Errorf("replay len = %d, want 3", len(sess.Turns))
	}
}

func TestAutoTitleNewSession(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{
		finalAnswer("sure, planting advice"),
		{Content: "Tomato Garden Help"},
	}}
	e, store := newTestEngine(t, completer, nil, Options{})

	if _, err := e.HandleMessage(context.Background(), "fresh", "user", "how do I plant tomatoes"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sess, err := store.Get("fresh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Title != "Tomato Garden Help" {
		t.Errorf("title = %q", sess.Title)
	}
}

func TestRegistryReloadInvisibleMidTurn(t *testing.T) {
	completer := &scriptedCompleter{script: []*provider.Completion{
		toolRequest("c1", "stable", map[string]any{}),
		toolRequest("c2", "stable", map[string]any{}),
		finalAnswer("done"),
	}}

	var e *Engine
	stable := &tools.Tool{
		Name:       "stable",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			// Swap the registry out from under the running turn.
			empty, err := tools.NewSet()
			if err != nil {
				return "", err
			}
			e.registry.Reload(empty)
			return "ok", nil
		},
	}
	e, store := newTestEngine(t, completer, []*tools.Tool{stable}, Options{})
	titledSession(t, store, "s1")

	if _, err := e.HandleMessage(context.Background(), "s1", "user", "go"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// The second call after the reload still found the tool.
	sess, _ := store.Load("s1")
	for _, turn := range sess.Turns {
		if turn.Role == session.RoleTool && strings.Contains(turn.Content, "unknown tool") {
			t.Error("mid-turn reload changed the visible tool set")
		}
	}
}
