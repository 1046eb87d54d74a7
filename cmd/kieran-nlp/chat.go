package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kieran-nlp/internal/authorized"
	"kieran-nlp/internal/chat"
	"kieran-nlp/internal/db"
	"kieran-nlp/internal/llm"
	"kieran-nlp/internal/models"
	"kieran-nlp/internal/provider"
	"kieran-nlp/internal/session"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE:  runChat,
	}
	cmd.Flags().String("model", "", "model to use for this session (defaults to the configured default)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	authCode, err := ensureAuthorized(cmd)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err), zap.String("db_path", cfg.DBPath))
		return err
	}
	defer database.Close()

	user, err := database.GetOrCreateUser(authCode)
	if err != nil {
		return err
	}

	sess := session.New()
	manager := chat.NewManager(database, sess, logger)
	prov := provider.New(cfg.APIURL, cfg.APIKey,
		provider.WithTimeout(cfg.RequestTimeout),
		provider.WithLogger(logger))
	engine, err := llm.NewEngine(database, manager, sess, prov, logger, cfg.ContextTokenBudget)
	if err != nil {
		return err
	}

	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = cfg.DefaultModel
	}

	// Ctrl-C cancels the in-flight turn; a second Ctrl-C with nothing in
	// flight ends the session.
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if !sess.CancelActive() {
				stop()
				return
			}
			fmt.Println("\n[cancelling...]")
		}
	}()

	fmt.Printf("kieran-nlp — model %s. Type /help for commands.\n", model)

	repl := &replState{
		ctx:     ctx,
		user:    user,
		model:   model,
		sess:    sess,
		manager: manager,
		engine:  engine,
	}
	return repl.loop(os.Stdin)
}

// ensureAuthorized runs the first-use authorization gate. On later runs the
// marker file carries the code without prompting.
func ensureAuthorized(cmd *cobra.Command) (string, error) {
	code, err := authorized.ReadMarker(cfg.AuthMarkerFile)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, authorized.ErrNotAuthorized) {
		return "", err
	}

	codes, err := authorized.LoadCodes(cfg.AuthCodeFile)
	if err != nil {
		return "", fmt.Errorf("no authorization codes available: %w", err)
	}

	fmt.Print("First use. Enter authorization code: ")
	reader := bufio.NewReader(cmd.InOrStdin())
	entered, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read authorization code: %w", err)
	}
	entered = strings.TrimSpace(entered)

	if !authorized.Verify(entered, codes) {
		return "", errors.New("authorization failed: unknown code")
	}
	if err := authorized.WriteMarker(cfg.AuthMarkerFile, entered); err != nil {
		return "", err
	}
	fmt.Println("Authorized.")
	return entered, nil
}

type replState struct {
	ctx     context.Context
	user    *models.User
	model   string
	sess    *session.Session
	manager *chat.Manager
	engine  *llm.Engine
}

func (r *replState) loop(in *os.File) error {
	scanner := bufio.NewScanner(in)
	for {
		select {
		case <-r.ctx.Done():
			return nil
		default:
		}

		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			r.command(line)
			continue
		}
		r.turn(line)
	}
}

func (r *replState) command(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(`/new               start a new conversation
/list              list conversations
/switch <id>       switch to a conversation
/rename <id> <t>   rename a conversation
/delete <id>       delete a conversation
/history           show the current conversation
/model [name]      show or change the model
/models            list available models
/quit              exit`)

	case "/new":
		r.sess.ClearCurrent()
		id, err := r.manager.EnsureActiveConversation(r.user)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("conversation %d\n", id)

	case "/list":
		convs, err := r.manager.List(r.user)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		current, _ := r.sess.Current()
		for _, c := range convs {
			marker := " "
			if c.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %4d  %s\n", marker, c.ID, c.Title)
		}

	case "/switch":
		id, ok := parseID(fields, 2)
		if !ok {
			fmt.Println("usage: /switch <id>")
			return
		}
		history, err := r.manager.SwitchTo(r.user, id)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printHistory(history)

	case "/rename":
		id, ok := parseID(fields, 3)
		if !ok {
			fmt.Println("usage: /rename <id> <title>")
			return
		}
		title := strings.Join(fields[2:], " ")
		if err := r.manager.Rename(r.user, id, title); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("renamed")

	case "/delete":
		id, ok := parseID(fields, 2)
		if !ok {
			fmt.Println("usage: /delete <id>")
			return
		}
		if err := r.manager.Delete(r.user, id); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("deleted")

	case "/history":
		id, ok := r.sess.Current()
		if !ok {
			fmt.Println("no active conversation")
			return
		}
		history, err := r.manager.History(id, cfg.HistoryPageSize, 0)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printHistory(history)

	case "/model":
		if len(fields) < 2 {
			fmt.Println("model:", r.model)
			return
		}
		r.model = fields[1]
		fmt.Println("model:", r.model)

	case "/models":
		for _, m := range cfg.Models {
			fmt.Println(m)
		}

	default:
		fmt.Println("unknown command; try /help")
	}
}

// turn runs one completion on a background worker while this goroutine stays
// free to observe cancellation.
func (r *replState) turn(prompt string) {
	var printed bool
	done := make(chan struct{})
	var (
		answer *models.Message
		err    error
	)

	go func() {
		defer close(done)
		answer, err = r.engine.Ask(r.ctx, llm.Request{
			User:   r.user,
			Model:  r.model,
			Prompt: prompt,
			OnFragment: func(fragment string) {
				printed = true
				fmt.Print(fragment)
			},
		})
	}()
	<-done

	switch {
	case err != nil:
		fmt.Println("error:", err)
	case !printed:
		// Transport failures and empty streams never emit fragments; show
		// the persisted result instead.
		fmt.Println(answer.Content)
	case answer.Content == llm.CancelNotice:
		fmt.Println("\n[" + llm.CancelNotice + "]")
	default:
		fmt.Println()
	}
}

func parseID(fields []string, minLen int) (int64, bool) {
	if len(fields) < minLen {
		return 0, false
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func printHistory(history []models.Message) {
	for _, msg := range history {
		speaker := "assistant"
		if msg.IsUser {
			speaker = "you"
		}
		fmt.Printf("[%s] %s\n", speaker, msg.Content)
	}
}
