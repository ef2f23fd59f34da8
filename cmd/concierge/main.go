// Concierge is a conversational agent runtime.
//
// It runs a terminal REPL backed by an OpenAI-compatible provider, a
// durable SQLite session store, a reloadable tool registry, and a
// persistent task scheduler. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	concierge chat           Start the interactive terminal session
//	concierge ask <text>     Ask a single question and exit
//	concierge tasks          List scheduled tasks
//	concierge version        Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avelar/concierge-agent/internal/buildinfo"
	"github.com/avelar/concierge-agent/internal/channel"
	"github.com/avelar/concierge-agent/internal/command"
	"github.com/avelar/concierge-agent/internal/config"
	"github.com/avelar/concierge-agent/internal/engine"
	"github.com/avelar/concierge-agent/internal/provider"
	"github.com/avelar/concierge-agent/internal/scheduler"
	"github.com/avelar/concierge-agent/internal/session"
	"github.com/avelar/concierge-agent/internal/tools"
	"github.com/avelar/concierge-agent/internal/workspace"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals that interfere with calling
// run concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var cmd string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmd == "":
			cmd = args[i]
		default:
			if cmd != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmd {
	case "chat", "":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: concierge ask <text>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "tasks":
		return runTasks(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - Conversational Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start the interactive terminal session (default)")
	fmt.Fprintln(w, "  ask          Ask a single question and exit")
	fmt.Fprintln(w, "  tasks        List scheduled tasks")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runtimeParts holds everything runChat and runAsk share: stores,
// provider, registry, engine, scheduler. Built once by buildRuntime and
// torn down via close.
type runtimeParts struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessions  *session.Store
	schedules *scheduler.Store
	sched     *scheduler.Scheduler
	registry  *tools.Registry
	ws        *workspace.Workspace
	eng       *engine.Engine

	closers []func() error
}

func (r *runtimeParts) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

// buildRuntime loads config and wires the full stack. The returned
// scheduler is constructed but not started; callers decide whether
// background firing is wanted (chat does, ask does not).
func buildRuntime(stdout io.Writer, configPath string) (*runtimeParts, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stdout, level)
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Provider.Model, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	r := &runtimeParts{cfg: cfg, logger: logger}

	r.sessions, err = session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	r.closers = append(r.closers, r.sessions.Close)

	r.schedules, err = scheduler.NewStore(filepath.Join(cfg.DataDir, "scheduler.db"))
	if err != nil {
		r.close()
		return nil, fmt.Errorf("open scheduler database: %w", err)
	}
	r.closers = append(r.closers, r.schedules.Close)

	// Provider client with bounded retry for transient failures.
	retryCfg := provider.DefaultRetryConfig()
	if cfg.Provider.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.Provider.MaxRetries + 1
	}
	client := provider.NewOpenAIClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		time.Duration(cfg.Provider.RequestTimeoutSec)*time.Second,
		logger,
	)
	completer := provider.WithRetry(client, retryCfg, logger)

	// Workspace for tool-generated files.
	wsPath := cfg.Workspace.Path
	if wsPath == "" {
		wsPath = filepath.Join(cfg.DataDir, "workspace")
	}
	r.ws = workspace.New(wsPath)
	if err := r.ws.Ensure(); err != nil {
		r.close()
		return nil, fmt.Errorf("prepare workspace %s: %w", wsPath, err)
	}

	// Forward-declare the engine so the scheduler's fire callback can
	// reference it. The closure captures by pointer; by the time any
	// task fires, the engine is fully initialized.
	fire := func(ctx context.Context, task *scheduler.Task) error {
		return runScheduledTask(ctx, task, r.eng, r.sessions, logger)
	}
	r.sched = scheduler.New(logger, r.schedules, fire, time.Duration(cfg.Scheduler.TickIntervalSec)*time.Second)

	set, err := tools.NewSet(tools.Builtins(r.sched)...)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("build tool set: %w", err)
	}
	r.registry = tools.NewRegistry(set)

	var systemPrompt string
	if cfg.Engine.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Engine.SystemPromptFile)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("load system prompt %s: %w", cfg.Engine.SystemPromptFile, err)
		}
		systemPrompt = string(data)
	}

	r.eng = engine.New(logger, r.sessions, completer, r.registry, r.ws, engine.Options{
		Model:             cfg.Provider.Model,
		SystemPrompt:      systemPrompt,
		MaxToolIterations: cfg.Engine.MaxToolIterations,
		CompactThreshold:  cfg.Engine.CompactThreshold,
		KeepRecent:        cfg.Engine.KeepRecent,
		ToolTimeout:       time.Duration(cfg.Engine.ToolTimeoutSec) * time.Second,
	})

	return r, nil
}

// runChat is the primary operating mode: terminal REPL plus background
// scheduler. Blocks until /exit, EOF, or a shutdown signal.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	r, err := buildRuntime(stdout, configPath)
	if err != nil {
		return err
	}
	defer r.close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer r.sched.Stop()

	term := channel.NewTerminal(stdin, stdout, filepath.Join(r.cfg.DataDir, "downloads"))
	allow := channel.NewAllowList(r.cfg.Channel.AllowedSenders)

	r.eng.SetProgress(func(sessionID, activity string) {
		term.Activity(sessionID, activity)
	})
	r.eng.SetFileHandler(func(sessionID string, file workspace.File) {
		if err := term.SendFile(sessionID, file.Name, []byte(file.Content)); err != nil {
			r.logger.Warn("file delivery failed", "file", file.Name, "error", err)
		}
	})

	dispatcher := command.New(command.Deps{
		Store:     r.sessions,
		Compactor: r.eng,
		Registry:  r.registry,
		Rebuild: func() (*tools.Set, error) {
			return tools.NewSet(tools.Builtins(r.sched)...)
		},
		Workspace: r.ws,
	})

	// Resume the default session so history carries across restarts.
	sess, err := r.sessions.GetOrCreate("default")
	if err != nil {
		return fmt.Errorf("open default session: %w", err)
	}
	dispatcher.SetCurrent(sess.ID)
	term.SetSession(sess.ID)

	fmt.Fprintf(stdout, "%s\nType /help for commands.\n", buildinfo.String())

	for {
		msg, err := term.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read input: %w", err)
		}
		if !allow.Allowed(msg.Sender) {
			r.logger.Warn("message from disallowed sender dropped", "sender", msg.Sender)
			continue
		}

		if command.IsCommand(msg.Text) {
			out, exit, err := dispatcher.Execute(ctx, msg.Text)
			if err != nil {
				fmt.Fprintf(stderr, "command failed: %s\n", err)
				continue
			}
			if out != "" {
				_ = term.Send(dispatcher.Current(), out)
			}
			term.SetSession(dispatcher.Current())
			if exit {
				break
			}
			continue
		}

		reply, err := r.eng.HandleMessage(ctx, dispatcher.Current(), msg.Sender, msg.Text)
		switch {
		case errors.Is(err, engine.ErrSessionBusy):
			_ = term.Send(msg.SessionID, "Still working on the previous message, one moment.")
			continue
		case errors.Is(err, engine.ErrToolLoopExceeded):
			// The fallback reply is still worth showing.
		case err != nil:
			fmt.Fprintf(stderr, "turn failed: %s\n", err)
			continue
		}
		if reply != "" {
			_ = term.Send(msg.SessionID, reply)
		}
	}

	r.logger.Info("concierge stopped")
	return nil
}

// runAsk processes a single question against a throwaway session and
// prints the reply. The scheduler is not started; schedule_task still
// persists tasks, which fire on the next chat run.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	r, err := buildRuntime(stdout, configPath)
	if err != nil {
		return err
	}
	defer r.close()

	sess := &session.Session{}
	if err := r.sessions.Create(sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	reply, err := r.eng.HandleMessage(ctx, sess.ID, channel.LocalSender, question)
	if err != nil && !errors.Is(err, engine.ErrToolLoopExceeded) {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runTasks lists all scheduled tasks without booting the engine.
func runTasks(stdout io.Writer, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	store, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "scheduler.db"))
	if err != nil {
		return fmt.Errorf("open scheduler database: %w", err)
	}
	defer store.Close()

	tasks, err := store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "No scheduled tasks.")
		return nil
	}
	for _, t := range tasks {
		next := "-"
		if !t.NextFireAt.IsZero() {
			next = t.NextFireAt.Format(time.RFC3339)
		}
		fmt.Fprintf(stdout, "%s  %-9s  next %s  %s\n", t.ID[:8], t.State, next, t.Payload)
	}
	return nil
}

// newLogger creates the process-wide structured logger. All log output
// goes through slog; the handler renders the custom trace level by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
