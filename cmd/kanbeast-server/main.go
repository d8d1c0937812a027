// kanbeast-server hosts the board: the ticket HTTP API, the realtime hub,
// the watchdog, and the per-ticket worker launcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kanbeast/kanbeast/pkg/board"
	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/containerenv"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/hub"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "kanbeast-server",
		Short: "KanBeast board service",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func run(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	settings, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.EnableFileLogging(filepath.Join(settings.EnvDir, "server.log")); err != nil {
		logger.WarnCF("server", "File logging disabled", map[string]any{"error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heartbeats := board.NewHeartbeats()
	hubServer := hub.NewServer(heartbeats)

	boardSvc, err := board.NewService(settings.TicketsDir(), hubServer)
	if err != nil {
		return err
	}
	store := conversation.NewStore(settings.ConversationsDir())
	registry := llm.NewRegistry(settings.LLMConfigs, llm.NopHub{})

	env := containerenv.Discover(ctx, settings.Port)
	logger.InfoCF("server", "Environment discovered", map[string]any{
		"container":  env.ContainerName,
		"network":    env.Network,
		"server_url": env.ServerURL,
	})

	launcher := board.NewLauncher(settings.WorkerCommand, env.ServerURL, "/repo")
	boardSvc.OnActivated = func(t *models.Ticket) {
		// A worker that flipped its own ticket to Active is already running.
		if last, ok := heartbeats.Last(t.ID); ok && time.Since(last) < time.Minute {
			return
		}
		launcher.Launch(t)
	}

	var settingsMu sync.Mutex
	boardSvc.NotesSink = func(llmID, strengths, weaknesses string) error {
		if !registry.UpdateLlmNotes(llmID, strengths, weaknesses) {
			return fmt.Errorf("no LLM config %q", llmID)
		}
		settingsMu.Lock()
		defer settingsMu.Unlock()
		for i := range settings.LLMConfigs {
			if settings.LLMConfigs[i].ID == llmID {
				settings.LLMConfigs[i].Strengths = strengths
				settings.LLMConfigs[i].Weaknesses = weaknesses
			}
		}
		return settings.Save()
	}

	api := board.NewAPI(boardSvc, store, settings)
	api.OnSettingsChanged = func(s *config.Settings) {
		registry.UpdateConfigs(s.LLMConfigs)
	}

	watchdog := board.NewWatchdog(boardSvc, heartbeats, "")
	go watchdog.Run(ctx)

	mux := api.Routes()
	mux.HandleFunc("/ws", hubServer.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF("server", "Shutdown error", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("server", "Listening", map[string]any{"port": settings.Port})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
