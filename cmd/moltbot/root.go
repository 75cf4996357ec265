package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbot/moltbot/internal/archive"
	"github.com/moltbot/moltbot/internal/config"
	"github.com/moltbot/moltbot/internal/cookiejar"
	"github.com/moltbot/moltbot/internal/driver"
	"github.com/moltbot/moltbot/internal/events"
	"github.com/moltbot/moltbot/internal/logging"
	"github.com/moltbot/moltbot/internal/messenger"
	"github.com/moltbot/moltbot/internal/realtime"
	"github.com/moltbot/moltbot/internal/server"
)

var version = "dev"

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "moltbot",
		Short: "Session automation controller for a web messaging client",
		Long: `moltbot drives one persistent authenticated browser session against a
web messaging client: interactive login with second-factor support,
conversation and message mirroring, message sending, and an optional
auto-reply event stream. All control happens over a local HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the controller service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("received %v, shutting down", sig)
		cancel()
	}()

	jar, err := cookiejar.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open cookie jar: %w", err)
	}

	store, err := archive.Open(filepath.Join(cfg.DataDir, "archive.db"))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	locators, err := messenger.LoadLocators(cfg.LocatorsPath)
	if err != nil {
		return fmt.Errorf("load locators: %w", err)
	}

	bus := events.NewSubject()
	defer events.Complete(bus)

	newDriver := func() driver.Driver {
		return driver.NewPlaywright(driver.Options{
			Headless:  cfg.Headless,
			UserAgent: cfg.UserAgent,
		})
	}

	ctrl := messenger.NewController(newDriver, jar, locators, bus, messenger.Options{
		BaseURL:           cfg.BaseURL,
		PollInterval:      cfg.PollInterval.Std(),
		MessageWindow:     cfg.MessageWindow,
		ConversationLimit: cfg.ConversationLimit,
		OpTimeout:         cfg.OpTimeout.Std(),
		TypeDelay:         cfg.TypeDelay.Std(),
		AutoReply:         cfg.AutoReply,
	})
	defer ctrl.Shutdown(context.Background())

	// Every observed message lands in the archive regardless of who is
	// watching the push stream.
	archiveSub := events.Subscribe(bus, events.TopicNewMessage, func(ctx context.Context, ev messenger.NewMessageEvent) error {
		return store.Record(ctx, ev.ConversationID, string(ev.Message.Direction), ev.Message.Text, ev.Message.TimeLabel)
	})
	defer archiveSub.Unsubscribe()

	hub := realtime.NewHub()
	go hub.Run(ctx)

	subs := realtime.BindEvents(hub, bus)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	srv := server.New(server.Deps{
		Ctrl:    ctrl,
		Hub:     hub,
		Archive: store,
		Config:  cfg,
	})

	httpSrv := &http.Server{
		Addr:     fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:  srv.Router(),
		ErrorLog: logging.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("http shutdown: %v", err)
	}
	return nil
}
