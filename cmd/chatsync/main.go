// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Command chatsync runs the conversation engine against a chat backend
// and tails room activity to stdout. It is primarily a debugging and
// soak-testing surface for the engine; interactive clients embed
// [engine.Engine] directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/nami-aoshima/chatsync/api"
	"github.com/nami-aoshima/chatsync/channel"
	"github.com/nami-aoshima/chatsync/engine"
	"github.com/nami-aoshima/chatsync/lib/config"
	"github.com/nami-aoshima/chatsync/lib/ref"
	"github.com/nami-aoshima/chatsync/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		token       string
		userID      string
		roomID      string
		metricsAddr string
	)
	pflag.StringVar(&configPath, "config", "", "path to chatsync.yaml (default: $CHATSYNC_CONFIG)")
	pflag.StringVar(&token, "token", os.Getenv("CHATSYNC_TOKEN"), "bearer token for the backend (default: $CHATSYNC_TOKEN)")
	pflag.StringVar(&userID, "user", "", "identifier of the authenticated user")
	pflag.StringVar(&roomID, "room", "", "tail a single room instead of all rooms")
	pflag.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	pflag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	if token == "" {
		return fmt.Errorf("--token (or CHATSYNC_TOKEN) is required")
	}
	self, err := ref.ParseUserID(userID)
	if err != nil {
		return fmt.Errorf("--user: %w", err)
	}
	var only ref.RoomID
	if roomID != "" {
		if only, err = ref.ParseRoomID(roomID); err != nil {
			return fmt.Errorf("--room: %w", err)
		}
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: cfg.Server.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	pushURL, err := cfg.Server.ResolvedPushURL()
	if err != nil {
		return err
	}
	timeout, err := cfg.Server.Timeout()
	if err != nil {
		return err
	}
	floor, ceiling, err := cfg.Channel.Backoff()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	eng, err := engine.New(engine.Config{
		API:     client,
		PushURL: pushURL,
		Context: engine.Context{
			Credential: api.Credential(token),
			UserID:     self,
			Location:   time.Local,
		},
		Logger:           logger,
		Backoff:          channel.BackoffConfig{Floor: floor, Ceiling: ceiling},
		RequestTimeout:   timeout,
		TaskBuffer:       cfg.Buffers.Tasks,
		ChannelQueueSize: cfg.Channel.QueueSize,
		PendingFrames:    cfg.Buffers.PendingFrames,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	logger.Info("engine running", "user", self, "server", cfg.Server.BaseURL)
	tail(ctx, eng, only)

	stop()
	return <-done
}

// tail polls the engine and prints messages as they arrive, until the
// context is cancelled. seen tracks the newest printed identity per
// room so restarts of the poll loop do not reprint history.
func tail(ctx context.Context, eng *engine.Engine, only ref.RoomID) {
	seen := make(map[ref.RoomID]int)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, room := range eng.Rooms() {
			if !only.IsZero() && room.ID != only {
				continue
			}
			entries := eng.Messages(room.ID)
			// Hiding a message can shrink the visible slice.
			if seen[room.ID] > len(entries) {
				seen[room.ID] = len(entries)
			}
			for _, entry := range entries[seen[room.ID]:] {
				printEntry(room.DisplayName, entry)
			}
			seen[room.ID] = len(entries)
		}
	}
}

func printEntry(room string, entry store.Entry) {
	if entry.Tombstone {
		fmt.Printf("[%s] %s retracted a message\n", room, entry.Message.SenderID)
		return
	}
	marker := ""
	if entry.Message.Edited {
		marker = " (edited)"
	}
	fmt.Printf("[%s] %s %s: %s%s\n",
		room,
		entry.Message.CreatedAt.Local().Format("15:04:05"),
		entry.Message.SenderID,
		entry.Message.Content,
		marker,
	)
}
