// stride - terminal client for the Stride coaching service.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"

	"github.com/strideloop/stride-core/internal/backend"
	"github.com/strideloop/stride-core/internal/cache"
	"github.com/strideloop/stride-core/internal/config"
	"github.com/strideloop/stride-core/internal/detect"
	"github.com/strideloop/stride-core/internal/export"
	"github.com/strideloop/stride-core/internal/model"
	"github.com/strideloop/stride-core/internal/session"
	"github.com/strideloop/stride-core/internal/storage"
	"github.com/strideloop/stride-core/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default ~/.stride/config.toml)")
		modeFlag   = flag.String("mode", "", "conversation mode: task or habit")
		urlFlag    = flag.String("url", "", "backend base URL override")
		noCache    = flag.Bool("no-cache", false, "disable the on-disk conversation cache")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("stride %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *modeFlag, *urlFlag, *noCache); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, modeFlag, urlFlag string, noCache bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if urlFlag != "" {
		cfg.Backend.BaseURL = urlFlag
	}
	if modeFlag != "" {
		cfg.Chat.DefaultMode = modeFlag
	}
	if noCache {
		cfg.Cache.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := openLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if watchPath, err := resolveConfigPath(configPath); err == nil {
		if w, werr := config.NewWatcher(watchPath, a.updateConfig, logger); werr == nil {
			if werr := w.Watch(); werr == nil {
				defer w.Close()
			}
		}
	}

	return a.repl()
}

// resolveConfigPath returns the config file path the session is using.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return config.ConfigPath()
}

// loadConfig loads from an explicit path when given, otherwise the default
// location (falling back to defaults when no file exists).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openLogger writes structured logs to ~/.stride/stride.log so log lines
// never interleave with the prompt. Falls back to discard if the config
// directory is unavailable.
func openLogger() (*slog.Logger, func(), error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	if err := config.EnsureConfigDir(); err != nil {
		return nil, func() {}, err
	}

	f, err := os.OpenFile(filepath.Join(dir, "stride.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, func() { f.Close() }, nil
}

// =============================================================================
// APPLICATION
// =============================================================================

// app wires the backend client, streaming machine, history store, session,
// and cache together behind the REPL.
type app struct {
	cfgMu    sync.RWMutex
	cfg      *config.Config
	logger   *slog.Logger
	client   *backend.Client
	machine  *stream.Machine
	history  *storage.History
	detector detect.Detector
	sessMgr  *session.Manager
	cache    *cache.Cache
	scoped   *cache.Scoped

	// listed maps the last printed history indices to conversation ids,
	// so /resume N refers to the numbering the user just saw.
	listed []string
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	sessMgr := session.NewManager(session.Config{
		UserID:           cfg.User.ID,
		AutoSaveEnabled:  cfg.Cache.Enabled,
		AutoSaveInterval: 30 * time.Second,
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		history:  storage.NewHistory(),
		detector: detect.NewPayloadDetector(),
		sessMgr:  sessMgr,
	}

	if cfg.Cache.Enabled {
		path, err := cfg.CachePath()
		if err != nil {
			return nil, err
		}
		c, err := cache.Open(path, logger)
		if err != nil {
			// A broken cache degrades to memory-only, it never blocks startup.
			logger.Warn("conversation cache unavailable", "error", err)
		} else {
			a.cache = c
			a.scoped = c.ForUser(sessMgr.UserID())
		}
	}

	opts := []stream.MachineOption{
		stream.WithUserContext(sessMgr),
		stream.WithStallTimeout(time.Duration(cfg.Chat.StallTimeoutSecs) * time.Second),
		stream.WithLogger(logger),
	}
	if a.scoped != nil {
		opts = append(opts, stream.WithPersister(a.scoped))
	}
	a.machine = stream.NewMachine(cfg.DefaultMode(), a.history, a.detector, opts...)

	clientOpts := []backend.Option{
		backend.WithMaxRetries(cfg.Backend.MaxRetries),
		backend.WithLogger(logger),
	}
	if cfg.Backend.AuthToken != "" {
		clientOpts = append(clientOpts, backend.WithAuthToken(cfg.Backend.AuthToken))
	}
	a.client = backend.NewClient(cfg.Backend.BaseURL, clientOpts...)

	a.bootstrapHistory()

	sessMgr.SetAutoSaveCallback(a.saveAll)

	return a, nil
}

// updateConfig applies a hot-reloaded config. Only chat display settings and
// the export author name take effect live; backend and cache changes need a
// restart.
func (a *app) updateConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg.Chat = cfg.Chat
	a.cfg.User.DisplayName = cfg.User.DisplayName
	a.cfgMu.Unlock()
}

// chatConfig returns a snapshot of the live chat settings.
func (a *app) chatConfig() config.ChatConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg.Chat
}

// displayName returns the configured export author name.
func (a *app) displayName() string {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg.User.DisplayName
}

// bootstrapHistory seeds the history from the local cache for instant
// display, then refreshes from the backend in the background.
func (a *app) bootstrapHistory() {
	if a.scoped != nil {
		if cached, err := a.scoped.Load(); err == nil && len(cached) > 0 {
			a.machine.ApplyHistory(cached)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversations, err := a.client.FetchHistory(ctx)
		if err != nil {
			a.logger.Warn("history refresh failed", "error", err)
			return
		}
		a.machine.ApplyHistory(conversations)
		a.sessMgr.MarkDirty()
	}()
}

// saveAll mirrors the full history into the cache. Used as the session
// auto-save hook.
func (a *app) saveAll() error {
	if a.scoped == nil {
		return nil
	}
	if err := a.cache.SaveAll(a.sessMgr.UserID(), a.history.All()); err != nil {
		return err
	}
	return nil
}

func (a *app) close() {
	a.machine.Cancel()
	if a.sessMgr.IsDirty() {
		if err := a.saveAll(); err != nil {
			a.logger.Warn("final cache save failed", "error", err)
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := a.replHistoryPath()
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Printf("stride %s — %s mode. Type /help for commands.\n", Version, a.machine.Conversation().Mode)

	for {
		a.drainEvents()

		input, err := line.Prompt("you> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		a.sessMgr.RecordActivity()

		if strings.HasPrefix(input, "/") {
			if quit := a.handleCommand(input); quit {
				break
			}
		} else {
			a.send(input)
		}

		a.sessMgr.Check()
	}

	if historyFile != "" {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
	fmt.Println("Goodbye.")
	return nil
}

func (a *app) replHistoryPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "repl_history")
}

// drainEvents consumes machine events that arrived while idle, such as a
// background history refresh.
func (a *app) drainEvents() {
	for {
		select {
		case ev := <-a.machine.Events():
			if hr, ok := ev.(stream.HistoryReplaced); ok && hr.Count > 0 {
				a.logger.Info("history refreshed", "count", hr.Count)
			}
		default:
			return
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) handleCommand(input string) (quit bool) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		a.printHelp()
	case "/new":
		a.cmdNew(args)
	case "/mode":
		a.cmdMode(args)
	case "/history", "/list":
		a.cmdHistory()
	case "/resume":
		a.cmdResume(args)
	case "/search":
		a.cmdSearch(args)
	case "/export":
		a.cmdExport(args)
	default:
		fmt.Printf("Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false
}

func (a *app) printHelp() {
	fmt.Print(`Commands:
  /new [task|habit]   start a new conversation
  /mode               show the current conversation mode
  /history            list past conversations grouped by recency
  /resume <n>         continue conversation n from the last /history listing
  /search <text>      search past conversations
  /export [md|json]   export the current conversation to a file
  /quit               exit
Anything else is sent to your coach.
`)
}

func (a *app) cmdNew(args []string) {
	mode := a.machine.Conversation().Mode
	if len(args) > 0 {
		m := model.Mode(args[0])
		if !m.Valid() {
			fmt.Printf("Unknown mode %q: use task or habit.\n", args[0])
			return
		}
		mode = m
	}
	a.machine.NewConversation(mode)
	fmt.Printf("Started a new %s conversation.\n", mode)
}

func (a *app) cmdMode(args []string) {
	if len(args) > 0 {
		fmt.Println("Mode is fixed per conversation. Use /new habit or /new task.")
		return
	}
	fmt.Printf("Current mode: %s\n", a.machine.Conversation().Mode)
}

func (a *app) cmdHistory() {
	sections := a.history.Sections(time.Now())
	if len(sections) == 0 {
		fmt.Println("No conversations yet.")
		return
	}

	a.listed = a.listed[:0]
	n := 0
	for _, sec := range sections {
		fmt.Printf("%s\n", sec.Label)
		for _, conv := range sec.Conversations {
			n++
			a.listed = append(a.listed, conv.ID)
			fmt.Printf("  %2d. %s — %s\n", n, conv.GetTitle(), conv.Preview())
		}
	}
}

func (a *app) cmdResume(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: /resume <n> (run /history first)")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(a.listed) {
		fmt.Println("Usage: /resume <n> (run /history first)")
		return
	}

	conv := a.history.Get(a.listed[n-1])
	if conv == nil {
		fmt.Println("That conversation is no longer in the history.")
		return
	}
	if err := a.machine.Resume(conv); err != nil {
		fmt.Printf("Cannot resume: %v\n", err)
		return
	}

	fmt.Printf("Resumed %q (%s mode, %d messages).\n", conv.GetTitle(), conv.Mode, conv.MessageCount())
	for _, msg := range conv.Messages {
		fmt.Printf("%s: %s\n", msg.Author.DisplayName(), msg.DisplayText())
	}
}

func (a *app) cmdSearch(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: /search <text>")
		return
	}
	query := strings.Join(args, " ")
	matches := a.history.Search(query)
	if len(matches) == 0 {
		fmt.Printf("No conversations match %q.\n", query)
		return
	}

	a.listed = a.listed[:0]
	for i, conv := range matches {
		a.listed = append(a.listed, conv.ID)
		fmt.Printf("  %2d. %s — %s\n", i+1, conv.GetTitle(), conv.Preview())
	}
}

func (a *app) cmdExport(args []string) {
	conv := a.machine.Conversation()
	if conv.IsEmpty() {
		fmt.Println("Nothing to export yet.")
		return
	}

	format := "md"
	if len(args) > 0 {
		format = args[0]
	}

	opts := export.DefaultOptions()
	opts.AuthorName = a.displayName()

	var exporter export.Exporter
	switch format {
	case "md", "markdown":
		exporter = export.NewMarkdownExporter(opts)
	case "json":
		exporter = export.NewJSONExporter()
	default:
		fmt.Printf("Unknown format %q: use md or json.\n", format)
		return
	}

	path, err := export.ToFile(conv, exporter, opts)
	if err != nil {
		fmt.Printf("Export failed: %v\n", err)
		return
	}
	fmt.Printf("Exported to %s\n", path)
}

// =============================================================================
// STREAMING
// =============================================================================

// send runs one full streaming turn: start the machine, drive the backend
// stream on a goroutine, and render machine events with a typewriter reveal
// until the turn settles. Ctrl+C cancels the in-flight stream.
func (a *app) send(input string) {
	targetID, err := a.machine.Start(input)
	if err != nil {
		fmt.Printf("Cannot send: %v\n", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go a.runStream(ctx, targetID, input)

	a.renderStream(targetID)
	a.sessMgr.MarkDirty()
}

// runStream drives the backend SSE stream and forwards its callbacks into
// the machine. Context cancellation becomes a silent Cancel, everything
// else a classified Fail.
func (a *app) runStream(ctx context.Context, targetID, input string) {
	conv := a.machine.Conversation()

	req := backend.ChatRequest{
		Message: input,
		Mode:    conv.Mode.String(),
	}
	// Only send ids the backend has previously acknowledged.
	if a.history.Get(conv.ID) != nil {
		req.ConversationID = conv.ID
	}

	done, err := a.client.StreamChat(ctx, req, backend.StreamHandler{
		OnStart: func(ev backend.StartEvent) {
			a.machine.AdoptConversationID(targetID, ev.ConversationID)
		},
		OnChunk: func(text string) {
			a.machine.ReceiveChunk(targetID, text)
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.machine.Cancel()
		} else {
			a.machine.Fail(targetID, err)
		}
		return
	}
	a.machine.Complete(targetID, done)
}

// renderStream consumes machine events for one turn and prints the reply
// through a paced reveal. The reveal is fed the cleaned partial view, not
// raw chunks, so payload fences never reach the terminal. Output is
// append-only: each tick prints only the newly revealed runes, and on
// settle the unprinted remainder, so no text is ever repeated.
func (a *app) renderStream(targetID string) {
	chatCfg := a.chatConfig()
	interval := time.Second / time.Duration(chatCfg.RevealFPS)
	reveal := stream.NewRevealWithConfig(chatCfg.RevealStep, interval)

	mode := a.machine.Conversation().Mode
	var raw strings.Builder
	fed := 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fmt.Print("coach> ")
	settled := false
	for {
		select {
		case ev := <-a.machine.Events():
			switch ev := ev.(type) {
			case stream.ChunkApplied:
				if ev.MessageID == targetID {
					raw.WriteString(ev.Text)
					cleaned := a.detector.CleanPartial(raw.String(), mode)
					if len(cleaned) > fed {
						reveal.Append(cleaned[fed:])
						fed = len(cleaned)
					}
				}
			case stream.StreamCompleted:
				fmt.Print(reveal.Remainder())
				// The partial view stops at a payload fence; the settled
				// message's cleaned text may carry prose past it. Print the
				// part the reveal never saw.
				printed := reveal.Visible()
				if msg := a.machine.Conversation().MessageByID(targetID); msg != nil {
					if final := msg.DisplayText(); strings.HasPrefix(final, printed) {
						fmt.Print(final[len(printed):])
					}
				}
				fmt.Println()
				if ev.Suggestion != nil {
					a.printSuggestion(ev.Suggestion)
				}
				settled = true
			case stream.StreamFailed:
				fmt.Print(reveal.Remainder())
				fmt.Println()
				if ev.Canceled {
					fmt.Println("(cancelled)")
				} else {
					fmt.Println(ev.UserMessage)
				}
				settled = true
			}
		case now := <-ticker.C:
			if delta, ok := reveal.TickDelta(now); ok {
				fmt.Print(delta)
			}
		}
		if settled {
			return
		}
	}
}

func (a *app) printSuggestion(s *model.Suggestion) {
	switch {
	case s.IsHabit():
		fmt.Printf("  [suggested habit: %s", s.Habit.Name)
		if s.Habit.Frequency != "" {
			fmt.Printf(", %s", s.Habit.Frequency)
		}
		fmt.Println("]")
	case s.IsTask():
		fmt.Printf("  [suggested task: %s", s.Task.Name)
		if s.Task.DueDate != "" {
			fmt.Printf(", due %s", s.Task.DueDate)
		}
		fmt.Println("]")
	}
}
