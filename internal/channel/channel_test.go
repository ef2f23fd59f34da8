package channel

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAllowList(t *testing.T) {
	a := NewAllowList([]string{"alice", "bob"})

	for _, sender := range []string{"alice", "bob", LocalSender} {
		if !a.Allowed(sender) {
			t.Errorf("%q should be allowed", sender)
		}
	}
	if a.Allowed("mallory") {
		t.Error("unlisted sender allowed")
	}

	// Empty list still admits the local terminal.
	empty := NewAllowList(nil)
	if !empty.Allowed(LocalSender) {
		t.Error("local sender rejected by empty allow-list")
	}
	if empty.Allowed("alice") {
		t.Error("empty allow-list admitted a remote sender")
	}
}

func TestTerminalReceiveSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n  \nhello there\n")
	term := NewTerminal(in, io.Discard, "")
	term.SetSession("s1")

	msg, err := term.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Text != "hello there" || msg.SessionID != "s1" || msg.Sender != LocalSender {
		t.Errorf("msg = %+v", msg)
	}

	if _, err := term.Receive(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF at end of input", err)
	}
}

func TestTerminalSerializesConcurrentOutput(t *testing.T) {
	// Send and Activity arrive from the scheduler-fire goroutine while
	// the REPL prompts on the same writer; every write must land whole.
	var out strings.Builder
	term := NewTerminal(strings.NewReader(""), &out, "")

	const writes = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			if err := term.Send("s1", "reply line"); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			term.Activity("s1", "running tool")
		}
	}()
	wg.Wait()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2*writes {
		t.Fatalf("lines = %d, want %d", len(lines), 2*writes)
	}
	for _, line := range lines {
		if line != "reply line" && line != "  … running tool" {
			t.Errorf("interleaved write: %q", line)
		}
	}
}

func TestTerminalSendFile(t *testing.T) {
	downloads := filepath.Join(t.TempDir(), "downloads")
	var out strings.Builder
	term := NewTerminal(strings.NewReader(""), &out, downloads)

	if err := term.SendFile("s1", "report.txt", []byte("contents")); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	saved, err := os.ReadFile(filepath.Join(downloads, "report.txt"))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(saved) != "contents" {
		t.Errorf("saved = %q", saved)
	}
	if !strings.Contains(out.String(), "report.txt") {
		t.Errorf("no delivery notice: %q", out.String())
	}
}
