// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command chatkern is an interactive terminal chat client backed by the
// chatkern streaming core: signed transport, context compression, and
// persistent conversation memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/jeranaias/chatkern/internal/config"
	"github.com/jeranaias/chatkern/internal/memory"
	"github.com/jeranaias/chatkern/internal/model"
	"github.com/jeranaias/chatkern/internal/orchestrator"
	"github.com/jeranaias/chatkern/internal/sse"
	"github.com/jeranaias/chatkern/internal/storage"
	"github.com/jeranaias/chatkern/internal/token"
	"github.com/jeranaias/chatkern/internal/transport"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")).
			Bold(true)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("chatkern: "+err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "config file path (default ~/.chatkern/config.toml)")
		modelFlag  = flag.String("model", "", "override the configured model")
		oneShot    = flag.String("ask", "", "send a single prompt and exit")
		noMemory   = flag.Bool("no-memory", false, "disable conversation memory")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *modelFlag != "" {
		cfg.DefaultModel = *modelFlag
	}
	if *noMemory {
		cfg.Memory.Enabled = false
	}

	client := transport.NewClient(transport.Config{
		BaseURL:           cfg.Transport.BaseURL,
		Model:             cfg.DefaultModel,
		ProxySecret:       cfg.Transport.ProxySecret,
		APIKey:            cfg.Transport.APIKey,
		ClientName:        cfg.Transport.ClientName,
		Development:       cfg.Transport.Development,
		Timeout:           cfg.Timeout(),
		WatchdogTimeout:   cfg.Watchdog(),
		RequestsPerMinute: cfg.Transport.RequestsPerMinute,
	})

	engine, closeStore, err := buildMemory(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	orch := orchestrator.New(client, engine, orchestrator.Config{
		Budget: token.Budget{
			MaxTokens:      cfg.Context.MaxTokens,
			ReservedTokens: cfg.Context.ReservedTokens,
		},
		MemoryEnabled:  cfg.Memory.Enabled,
		RetryAttempts:  cfg.Retry.Attempts,
		RetryBaseDelay: cfg.RetryBaseDelay(),
	})

	if *oneShot != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		reply, err := orch.Ask(ctx, *oneShot)
		if err != nil {
			return errors.New(orchestrator.UserMessage(err))
		}
		fmt.Println(reply)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Interrupts go through a channel instead of a session-wide notify
	// context: each turn arms its own cancellable context, so Ctrl+C stops
	// the active stream and the next prompt starts clean.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	watchConfig(ctx, *configPath, client, orch)

	return repl(ctx, sigs, orch, cfg)
}

// watchConfig hot-applies valid config edits to the running session. The
// model and token budget take effect on the next turn; transport auth and
// storage settings still need a restart.
func watchConfig(ctx context.Context, path string, client *transport.Client, orch *orchestrator.Orchestrator) {
	if path == "" {
		resolved, err := config.Path()
		if err != nil {
			return
		}
		path = resolved
	}

	err := config.Watch(ctx, path, func(next *config.Config) {
		client.SetModel(next.DefaultModel)
		orch.SetBudget(token.Budget{
			MaxTokens:      next.Context.MaxTokens,
			ReservedTokens: next.Context.ReservedTokens,
		})
		fmt.Println(infoStyle.Render("config reloaded: model " + next.DefaultModel))
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, infoStyle.Render("config watch disabled: "+err.Error()))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// buildMemory wires the snapshot store. With a database path configured the
// store is SQLite, optionally sealed; otherwise memory lives in-process for
// the session only.
func buildMemory(cfg *config.Config) (*memory.Engine, func(), error) {
	if !cfg.Memory.Enabled {
		return nil, func() {}, nil
	}
	if cfg.Memory.DatabasePath == "" {
		return memory.NewEngine(memory.NewMemStore()), func() {}, nil
	}

	var sealer *storage.Sealer
	if cfg.Memory.Passphrase != "" {
		salt, err := loadOrCreateSalt(cfg.Memory.DatabasePath + ".salt")
		if err != nil {
			return nil, nil, err
		}
		sealer, err = storage.NewSealer(cfg.Memory.Passphrase, salt)
		if err != nil {
			return nil, nil, err
		}
	}

	store, err := storage.Open(cfg.Memory.DatabasePath, sealer)
	if err != nil {
		return nil, nil, err
	}
	return memory.NewEngine(store), func() { store.Close() }, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil {
		return salt, nil
	}
	salt, err := storage.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to store key salt: %w", err)
	}
	return salt, nil
}

// =============================================================================
// REPL
// =============================================================================

// interruptContext arms one turn against Ctrl+C: the returned context is
// cancelled by the next interrupt, and release disarms it so a later
// interrupt cannot touch a turn that already finished. A signal still
// queued from between turns is dropped before arming.
func interruptContext(parent context.Context, interrupts <-chan os.Signal) (context.Context, context.CancelFunc) {
	select {
	case <-interrupts:
	default:
	}

	ctx, cancel := context.WithCancel(parent)
	disarm := make(chan struct{})
	go func() {
		select {
		case <-interrupts:
			cancel()
		case <-disarm:
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() { close(disarm) })
		cancel()
	}
	return ctx, release
}

func repl(ctx context.Context, sigs <-chan os.Signal, orch *orchestrator.Orchestrator, cfg *config.Config) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyFile := historyPath()
	loadHistory(line, historyFile)
	defer saveHistory(line, historyFile)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println(headerStyle.Render("chatkern"))
		fmt.Println(infoStyle.Render("model: " + cfg.DefaultModel + "  (/help for commands)"))
	}

	conv := model.NewConversation()
	conv.Model = cfg.DefaultModel

	for {
		input, err := line.Prompt(promptStyle.Render("you> "))
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			// io.EOF on Ctrl+D ends the session.
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		// Ctrl+C during this turn aborts the turn, not the program, and
		// the following turn starts with a fresh context.
		turnCtx, release := interruptContext(ctx, sigs)

		if strings.HasPrefix(input, "/") {
			quit := command(turnCtx, orch, conv, input)
			release()
			if quit {
				return nil
			}
			continue
		}

		send(turnCtx, orch, conv, input)
		release()
	}
}

// send streams one exchange, printing deltas as they arrive.
func send(ctx context.Context, orch *orchestrator.Orchestrator, conv *model.Conversation, text string) {
	err := orch.Send(ctx, conv, text, orchestrator.Callbacks{
		OnDelta: func(delta string, _ *sse.MessageMeta) {
			fmt.Print(delta)
		},
		OnDone: func(string) {
			fmt.Println()
		},
	})
	if err != nil {
		fmt.Println()
		fmt.Println(errorStyle.Render(orchestrator.UserMessage(err)))
	}
}

// command dispatches a slash command; returns true when the session ends.
func command(ctx context.Context, orch *orchestrator.Orchestrator, conv *model.Conversation, input string) bool {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/new":
		*conv = *model.NewConversation()
		fmt.Println(infoStyle.Render("started a fresh conversation (" + shortID(conv.ID) + ")"))

	case "/note":
		if rest == "" {
			fmt.Println(infoStyle.Render("usage: /note <text to remember>"))
			break
		}
		if err := orch.Note(ctx, conv.ID, rest); err != nil {
			fmt.Println(errorStyle.Render(orchestrator.UserMessage(err)))
			break
		}
		fmt.Println(infoStyle.Render("noted."))

	case "/memory":
		block := orch.Memory(ctx, conv.ID)
		if block == "" {
			fmt.Println(infoStyle.Render("no memory for this conversation yet"))
			break
		}
		fmt.Println(headerStyle.Render("memory"))
		fmt.Println(block)

	case "/help":
		fmt.Println(infoStyle.Render(strings.TrimSpace(`
/new            start a fresh conversation
/note <text>    force a note into memory
/memory         show stored memory for this conversation
/quit           exit`)))

	default:
		fmt.Println(infoStyle.Render("unknown command " + cmd + " (/help for commands)"))
	}
	return false
}

func shortID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()[:8]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// HISTORY
// =============================================================================

func historyPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chat_history")
}

func loadHistory(line *liner.State, path string) {
	if f, err := os.Open(path); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
