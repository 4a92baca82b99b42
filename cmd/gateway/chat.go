package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prime399/study-flow-kiro-sub000/config"
	"github.com/prime399/study-flow-kiro-sub000/internal/chatclient"
	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/logging"
	"github.com/prime399/study-flow-kiro-sub000/internal/store"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the gateway from the terminal",
	Long: `Interactive chat against a running gateway. History is kept in a local
SQLite database. Commands: /retry, /clear, /model <id>, /balance, /history, /exit.
Ctrl-C stops the answer in progress; pressed at the prompt it exits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("session", "default", "name of the local chat session")
	chatCmd.Flags().String("model", "auto", "model id, or auto to let the gateway route")
	chatCmd.Flags().String("name", "", "your name, shared with the study assistant")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: "text"})
	if err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logCloser.Close()

	dbPath := cfg.HistoryDB
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	session, _ := cmd.Flags().GetString("session")
	model, _ := cmd.Flags().GetString("model")
	name, _ := cmd.Flags().GetString("name")

	client := chatclient.NewClient(cfg.GatewayURL, cfg.APIKey, nil)
	consumer, err := chatclient.NewConsumer(ctx, chatclient.Options{
		Transport: client,
		Ledger:    client,
		Store:     db.Session(session),
		Logger:    logger,
		CoinCost:  cfg.CoinCost,
		UserName:  name,
	})
	if err != nil {
		return err
	}
	consumer.SetModel(model)

	if _, err := consumer.RefreshBalance(ctx); err != nil {
		logger.Warn("could not load coin balance", slog.Any("error", err))
	}

	p := &printer{out: os.Stdout}
	consumer.OnChange(p.update)

	color.Cyan("StudyFlow chat (%s). Type /exit to quit.", cfg.GatewayURL)
	printHistory(os.Stdout, consumer.Snapshot())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if !consumer.Stop() {
				cancel()
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Printf("%s: ", color.CyanString("You"))
		var input string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			input = strings.TrimSpace(line)
		}

		if quit := handleInput(ctx, consumer, input); quit {
			return nil
		}
	}
}

// handleInput runs one line from the prompt and reports whether to exit.
func handleInput(ctx context.Context, c *chatclient.Consumer, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/retry":
		err = c.Retry(ctx)
	case "/clear":
		err = c.Clear(ctx)
		if err == nil {
			color.HiBlack("conversation cleared")
		}
	case "/model":
		if len(fields) < 2 {
			color.Yellow("usage: /model <id|auto>")
			return false
		}
		c.SetModel(fields[1])
		color.HiBlack("model set to %s", fields[1])
	case "/balance":
		var balance int64
		if balance, err = c.RefreshBalance(ctx); err == nil {
			color.HiBlack("coins: %d", balance)
		}
	case "/history":
		printHistory(os.Stdout, c.Snapshot())
	default:
		err = c.Submit(ctx, input)
	}

	var cerr *chaterr.Error
	switch {
	case err == nil, errors.As(err, &cerr):
		// Turn errors are shown by the printer.
	default:
		color.Red("%v", err)
	}
	return false
}
