package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/doclens-ai/doclens/internal/config"
	"github.com/doclens-ai/doclens/internal/event"
	"github.com/doclens-ai/doclens/internal/logging"
	"github.com/doclens-ai/doclens/internal/session"
	"github.com/doclens-ai/doclens/internal/storage"
	"github.com/doclens-ai/doclens/internal/thread"
	"github.com/doclens-ai/doclens/pkg/types"
)

const defaultThreadTitle = "New thread"

const chatHelp = `Chat commands:
  /help                 Show this message
  /exit                 Quit the session
  /threads              List threads
  /new [title]          Create a thread and switch to it
  /select <id>          Switch to a thread
  /search <query>       Find threads by title
  /rename <title>       Rename the current thread
  /delete [id]          Delete a thread (default: current)
  /deselect             Continue without a thread`

var (
	chatThread    string
	chatNew       bool
	chatDocuments []string
	chatNoColor   bool
	chatDir       string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Chat with the document console",
	Long: `Start a chat session against the document console.

With message arguments the turn is sent once and the command exits after
the reply. Without arguments an interactive prompt opens; /help inside it
lists the thread commands.

Examples:
  doclens chat                              # interactive session
  doclens chat "Summarize the Q3 report"
  doclens chat --thread th_42 "And the main risks?"
  doclens chat --document doc_7 "What changed in this filing?"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "Thread to continue")
	chatCmd.Flags().BoolVar(&chatNew, "new-thread", false, "Start a fresh thread before the first turn")
	chatCmd.Flags().StringArrayVarP(&chatDocuments, "document", "d", nil, "Document ID(s) to scope retrieval")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
	chatCmd.Flags().StringVar(&chatDir, "directory", "", "Working directory")
}

// chatSession bundles everything one chat invocation needs.
type chatSession struct {
	cfg       *config.Config
	bus       *event.Bus
	registry  *thread.Registry
	ctrl      *session.Controller
	store     *storage.Store
	render    *renderer
	documents []string
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(chatDir)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if chatNoColor {
		color.NoColor = true
	}

	client := newAPIClient(cfg)
	bus := event.NewBus()
	defer bus.Close()

	documents := cfg.DocumentIDs
	if len(chatDocuments) > 0 {
		documents = chatDocuments
	}

	registry := thread.NewRegistry(client, bus)
	s := &chatSession{
		cfg:       cfg,
		bus:       bus,
		registry:  registry,
		ctrl:      session.NewController(client, registry, bus),
		store:     storage.NewDefault(),
		render:    newRenderer(),
		documents: documents,
	}

	ctx := context.Background()
	interactive := len(args) == 0

	if err := s.bindStartingThread(ctx, interactive); err != nil {
		return err
	}

	if !interactive {
		message := strings.Join(args, " ")
		s.render.user(message)
		return s.sendTurn(ctx, message)
	}
	return s.repl(ctx)
}

// bindStartingThread resolves which thread the session starts on: an
// explicit --thread, a fresh one for --new-thread, or, interactively, the
// one remembered from the last run.
func (s *chatSession) bindStartingThread(ctx context.Context, interactive bool) error {
	switch {
	case chatThread != "":
		return s.selectThread(ctx, chatThread)
	case chatNew:
		_, err := s.createThread(ctx, defaultThreadTitle)
		return err
	}

	if !interactive {
		return nil
	}

	state, err := s.store.LoadEndpointState(ctx, s.cfg.BaseURL)
	if err != nil || state.SelectedThreadID == "" {
		return nil
	}
	if err := s.selectThread(ctx, state.SelectedThreadID); err != nil {
		// The remembered thread may be long gone; start unbound rather
		// than refusing the whole session.
		s.render.notice(fmt.Sprintf("thread %s is gone; starting without one", state.SelectedThreadID))
	}
	return nil
}

func (s *chatSession) selectThread(ctx context.Context, id string) error {
	full, err := s.registry.Select(ctx, id)
	if err != nil {
		return err
	}
	s.ctrl.Bind(full.ID, full.Turns)
	s.rememberSelection(ctx)
	return nil
}

func (s *chatSession) createThread(ctx context.Context, title string) (*types.Thread, error) {
	created, err := s.registry.Create(ctx, title)
	if err != nil {
		return nil, err
	}
	full, err := s.registry.Select(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	s.ctrl.Bind(full.ID, full.Turns)
	s.rememberSelection(ctx)
	return created, nil
}

// rememberSelection persists the current thread choice for the next run.
func (s *chatSession) rememberSelection(ctx context.Context) {
	state := &storage.EndpointState{
		BaseURL:          s.cfg.BaseURL,
		SelectedThreadID: s.registry.SelectedID(),
	}
	if err := s.store.SaveEndpointState(ctx, state); err != nil {
		logging.Warn().Err(err).Msg("Failed to persist thread selection")
	}
}

func (s *chatSession) repl(ctx context.Context) error {
	s.render.banner(s.cfg.BaseURL)
	if id := s.registry.SelectedID(); id != "" {
		s.render.notice(fmt.Sprintf("continuing thread %s", id))
	}
	reader := bufio.NewReader(os.Stdin)

	for {
		line, err := readMultiline(reader, s.promptText())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "/") {
			quit, err := s.handleSlash(ctx, trimmed)
			if err != nil {
				s.render.errorf("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}

		s.render.user(trimmed)
		if err := s.sendTurn(ctx, trimmed); err != nil {
			s.render.errorf("turn failed: %v", err)
		}
	}
}

func (s *chatSession) promptText() string {
	if id := s.registry.SelectedID(); id != "" {
		return fmt.Sprintf("%s> ", id)
	}
	return "doclens> "
}

// readMultiline reads one submission; a trailing backslash continues the
// entry on the next line.
func readMultiline(reader *bufio.Reader, prompt string) (string, error) {
	var lines []string
	for {
		p := prompt
		if len(lines) > 0 {
			p = "... "
		}
		fmt.Print(p)
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(lines) == 0 {
				return "", err
			}
			return strings.Join(lines, "\n"), nil
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasSuffix(line, "\\") {
			lines = append(lines, strings.TrimSuffix(line, "\\"))
			continue
		}
		lines = append(lines, line)
		return strings.Join(lines, "\n"), nil
	}
}

// sendTurn runs one full exchange: send, render the reply as it streams,
// report the outcome. Ctrl-C cancels the in-flight turn without leaving
// the session.
func (s *chatSession) sendTurn(ctx context.Context, content string) error {
	var opts []session.SendOption
	if len(s.documents) > 0 {
		opts = append(opts, session.WithDocumentScope(s.documents...))
	}

	printer := newTurnPrinter(s.render)
	unsubscribe := s.bus.Subscribe(event.TurnUpdated, func(ev event.Event) {
		if data, ok := ev.Data.(event.TurnUpdatedData); ok {
			printer.observe(data.Turn)
		}
	})
	defer unsubscribe()

	if err := s.ctrl.Send(ctx, content, opts...); err != nil {
		return err
	}

	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			s.ctrl.Cancel()
		case <-done:
		}
	}()

	final, err := s.ctrl.Wait(ctx)
	close(done)
	if err != nil {
		printer.abort()
		return err
	}

	printer.finish(final)
	return nil
}

// handleSlash runs one in-session command. The bool result reports whether
// the session should end.
func (s *chatSession) handleSlash(ctx context.Context, input string) (bool, error) {
	cmd := parseSlash(input)
	switch cmd.Type {
	case "exit":
		return true, nil
	case "help":
		s.render.help(chatHelp)
	case "threads":
		threads, err := s.registry.Refresh(ctx)
		if err != nil {
			return false, err
		}
		s.printThreads(threads)
	case "new":
		title := cmd.Arg
		if title == "" {
			title = defaultThreadTitle
		}
		created, err := s.createThread(ctx, title)
		if err != nil {
			return false, err
		}
		s.render.notice(fmt.Sprintf("thread %s created", created.ID))
	case "select":
		if cmd.Arg == "" {
			return false, fmt.Errorf("usage: /select <id>")
		}
		if err := s.selectThread(ctx, cmd.Arg); err != nil {
			return false, err
		}
		s.render.notice(fmt.Sprintf("thread %s selected", cmd.Arg))
	case "search":
		if cmd.Arg == "" {
			return false, fmt.Errorf("usage: /search <query>")
		}
		if _, err := s.registry.List(ctx); err != nil {
			return false, err
		}
		results := s.registry.Search(cmd.Arg)
		if len(results) == 0 {
			s.render.notice("no matching threads")
			break
		}
		for _, res := range results {
			s.render.notice(fmt.Sprintf("%-14s %.2f  %s", res.Thread.ID, res.Score, res.Thread.Title))
		}
	case "rename":
		id := s.registry.SelectedID()
		if id == "" {
			return false, fmt.Errorf("no thread selected")
		}
		if cmd.Arg == "" {
			return false, fmt.Errorf("usage: /rename <title>")
		}
		if err := s.registry.Rename(ctx, id, cmd.Arg); err != nil {
			return false, err
		}
		s.render.notice("thread renamed")
	case "delete":
		id := cmd.Arg
		if id == "" {
			id = s.registry.SelectedID()
		}
		if id == "" {
			return false, fmt.Errorf("usage: /delete <id>")
		}
		if err := s.registry.Delete(ctx, id); err != nil {
			return false, err
		}
		if s.registry.SelectedID() == "" {
			s.ctrl.Bind("", nil)
		}
		s.rememberSelection(ctx)
		s.render.notice(fmt.Sprintf("thread %s deleted", id))
	case "deselect":
		s.registry.Deselect()
		s.ctrl.Bind("", nil)
		s.rememberSelection(ctx)
		s.render.notice("continuing without a thread")
	default:
		s.render.help(fmt.Sprintf("Unknown command: %s\n%s", input, chatHelp))
	}
	return false, nil
}

func (s *chatSession) printThreads(threads []types.Thread) {
	if len(threads) == 0 {
		s.render.notice("no threads yet; /new creates one")
		return
	}
	selected := s.registry.SelectedID()
	for _, th := range threads {
		marker := "  "
		if th.ID == selected {
			marker = "* "
		}
		s.render.notice(fmt.Sprintf("%s%-14s %3d msgs  %s", marker, th.ID, th.MessageCount, th.Title))
	}
}

type slashCommand struct {
	Type string
	Arg  string
}

func parseSlash(input string) slashCommand {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return slashCommand{Type: "unknown"}
	}
	rest := strings.Join(parts[1:], " ")
	switch parts[0] {
	case "exit", "quit":
		return slashCommand{Type: "exit"}
	case "help":
		return slashCommand{Type: "help"}
	case "threads":
		return slashCommand{Type: "threads"}
	case "new":
		return slashCommand{Type: "new", Arg: rest}
	case "select":
		return slashCommand{Type: "select", Arg: rest}
	case "search":
		return slashCommand{Type: "search", Arg: rest}
	case "rename":
		return slashCommand{Type: "rename", Arg: rest}
	case "delete":
		return slashCommand{Type: "delete", Arg: rest}
	case "deselect":
		return slashCommand{Type: "deselect"}
	default:
		return slashCommand{Type: "unknown", Arg: input}
	}
}
