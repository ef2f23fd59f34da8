package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Terminal is the interactive REPL channel. One session at a time; the
// session ID on inbound messages is set by the caller driving the loop.
type Terminal struct {
	in  *bufio.Scanner
	out io.Writer

	// downloads receives files delivered via SendFile.
	downloads string

	// mu guards sessionID and all writes to out. Send and Activity
	// arrive from the scheduler-fire goroutine while the REPL goroutine
	// writes the prompt, so output must be serialized.
	mu        sync.Mutex
	sessionID string
}

// NewTerminal creates a terminal channel reading from in and writing
// to out. downloads is where delivered files are saved; empty disables
// file delivery.
func NewTerminal(in io.Reader, out io.Writer, downloads string) *Terminal {
	return &Terminal{
		in:        bufio.NewScanner(in),
		out:       out,
		downloads: downloads,
	}
}

// NewStdioTerminal creates a terminal channel on stdin/stdout.
func NewStdioTerminal(downloads string) *Terminal {
	return NewTerminal(os.Stdin, os.Stdout, downloads)
}

// Name implements Channel.
func (t *Terminal) Name() string { return "terminal" }

// SetSession changes the session attached to subsequent inbound
// messages. Driven by the slash-command layer.
func (t *Terminal) SetSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// Session returns the currently attached session ID.
func (t *Terminal) Session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Receive reads the next line from the terminal. Returns io.EOF when
// input closes. Blank lines are skipped.
func (t *Terminal) Receive(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.mu.Lock()
		fmt.Fprint(t.out, "> ")
		t.mu.Unlock()
		if !t.in.Scan() {
			if err := t.in.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		text := strings.TrimSpace(t.in.Text())
		if text == "" {
			continue
		}
		return &Message{
			SessionID: t.Session(),
			Sender:    LocalSender,
			Text:      text,
		}, nil
	}
}

// Send implements Channel.
func (t *Terminal) Send(sessionID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "%s\n", text)
	return err
}

// SendFile saves the file under the downloads directory and tells the
// user where it went.
func (t *Terminal) SendFile(sessionID, name string, content []byte) error {
	if t.downloads == "" {
		return fmt.Errorf("file delivery disabled")
	}
	if err := os.MkdirAll(t.downloads, 0o755); err != nil {
		return fmt.Errorf("create downloads dir: %w", err)
	}

	path := filepath.Join(t.downloads, filepath.Base(name))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "[saved %s]\n", path)
	return err
}

// Activity implements Channel. The terminal shows tool activity inline
// so long turns do not look hung.
func (t *Terminal) Activity(sessionID, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "  … %s\n", note)
}
