// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Command chatsync-mock serves the in-memory chat backend used by the
// engine's integration tests as a standalone process. It speaks the
// same REST and websocket surface as the production service, stores
// everything in memory, and loses it all on exit.
//
// Seeded users authenticate with the token "token-<username>", so a
// demo session looks like:
//
//	chatsync-mock --listen :8080 --user alice --user bob
//	chatsync --token token-alice --user alice --config dev.yaml
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

	"github.com/spf13/pflag"

	"github.com/nami-aoshima/chatsync/apitest"
	"github.com/nami-aoshima/chatsync/lib/ref"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync-mock:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr string
		usernames  []string
		groupName  string
		verbose    bool
	)
	pflag.StringVar(&listenAddr, "listen", "127.0.0.1:8080", "address to serve on")
	pflag.StringArrayVar(&usernames, "user", []string{"alice", "bob"}, "seed a user (repeatable)")
	pflag.StringVar(&groupName, "group", "lounge", "seed a group containing every user (empty to skip)")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend := apitest.NewBackend(logger)
	members := make([]ref.UserID, 0, len(usernames))
	for _, username := range usernames {
		credential := backend.AddUser(username)
		logger.Info("seeded user", "username", username, "token", string(credential))
		members = append(members, ref.MustParseUserID(username))
	}
	if groupName != "" && len(members) > 0 {
		roomID := backend.CreateRoom(groupName, true, members...)
		logger.Info("seeded group", "room", roomID, "name", groupName, "members", len(members))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    listenAddr,
		Handler: backend.Handler(),
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.ListenAndServe() }()

	logger.Info("mock backend running", "addr", listenAddr)

	select {
	case err := <-serveDone:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
