// kanbeast-worker runs the agent hierarchy for one ticket: it connects back
// to the board, drives the planner to completion, and exits. Exit code zero
// means the planner closed the ticket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kanbeast/kanbeast/pkg/agent"
	"github.com/kanbeast/kanbeast/pkg/board"
	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/hub"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		ticketID  string
		serverURL string
		repo      string
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "kanbeast-worker",
		Short: "KanBeast ticket worker",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(ticketID, serverURL, repo, debug)
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket-id", "", "Ticket to work on")
	cmd.Flags().StringVar(&serverURL, "server-url", "http://localhost:8240", "Board base URL")
	cmd.Flags().StringVar(&repo, "repo", "/repo", "Mounted repository path")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.MarkFlagRequired("ticket-id")
	return cmd
}

func run(ticketID, serverURL, repo string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	settings, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.EnableFileLogging(filepath.Join(settings.EnvDir, "worker-"+ticketID+".log")); err != nil {
		logger.WarnCF("worker", "File logging disabled", map[string]any{"error": err.Error()})
	}

	client := board.NewClient(serverURL)

	// The board's settings win over the local file so every worker sees the
	// same models and knobs. A down board is not fatal; local values stand.
	var remote config.Settings
	if err := client.GetSettings(&remote); err != nil {
		logger.WarnCF("worker", "Could not fetch settings from board",
			map[string]any{"server_url": serverURL, "error": err.Error()})
	} else {
		settings.Merge(&remote)
	}

	hubClient := hub.NewClient(serverURL, ticketID)
	defer hubClient.Close()

	registry := llm.NewRegistry(settings.LLMConfigs, hubClient)
	store := conversation.NewStore(settings.ConversationsDir())

	prompts := config.NewPromptStore(settings.PromptsDir())
	if err := prompts.Watch(); err != nil {
		logger.WarnCF("worker", "Prompt watching disabled", map[string]any{"error": err.Error()})
	}
	defer prompts.Close()

	orch := agent.New(agent.Options{
		Board:              client,
		Registry:           registry,
		Store:              store,
		Prompts:            prompts,
		Settings:           settings,
		WorkDir:            repo,
		TranscriptsDir:     settings.TranscriptsDir(),
		Busy:               hubClient.SetBusy,
		ConversationSync:   hubClient.SyncConversation,
		ConversationFinish: hubClient.FinishConversation,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoCF("worker", "Starting", map[string]any{
		"ticket_id":  ticketID,
		"server_url": serverURL,
		"repo":       repo,
	})

	if err := orch.RunTicket(ctx, ticketID); err != nil {
		logger.ErrorCF("worker", "Ticket run failed",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
		return err
	}
	logger.InfoCF("worker", "Ticket complete", map[string]any{"ticket_id": ticketID})
	return nil
}
