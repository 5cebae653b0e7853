package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hubforge/mcp-hub-go/pkg/hubstatus"
	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

func main() {
	var (
		globalPath  = flag.String("global-settings", defaultGlobalPath(), "path to the global settings JSON file")
		projectPath = flag.String("project-settings", "", "path to the project settings JSON file")
		statePath   = flag.String("tool-state", defaultStatePath(), "path to the persisted tool state file")
		addr        = flag.String("addr", ":8710", "listen address for the status API")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := map[mcphub.Scope]string{mcphub.ScopeGlobal: *globalPath}
	if *projectPath != "" {
		paths[mcphub.ScopeProject] = *projectPath
	}
	store := mcphub.NewFileStore(paths, *statePath)

	hub := mcphub.New(store, &mcphub.Options{
		Logger:     logger,
		ClientName: "hubd",
	})
	clientID := hub.RegisterClient()

	watcher, err := mcphub.NewWatcher(hub, logger)
	if err != nil {
		log.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()

	for scope, path := range paths {
		snap, err := store.LoadConfig(scope)
		if err != nil {
			logger.Warn("load settings failed", "scope", scope, "path", path, "error", err)
			continue
		}
		if err := hub.UpdateConnections(ctx, scope, snap, path); err != nil {
			logger.Error("initial update failed", "scope", scope, "error", err)
		}
		if err := watcher.WatchConfig(scope, path); err != nil {
			logger.Warn("watch settings failed", "scope", scope, "path", path, "error", err)
		}
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher stopped", "error", err)
		}
	}()

	service, err := hubstatus.New(hub, &hubstatus.Options{
		Addr:   *addr,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build status service: %v", err)
	}

	logger.Info("hubd listening", "addr", *addr)
	if err := service.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("status service stopped", "error", err)
	}

	if err := hub.UnregisterClient(context.Background(), clientID); err != nil {
		logger.Error("dispose failed", "error", err)
	}
}

func defaultGlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "settings.json"
	}
	return filepath.Join(home, ".mcp-hub", "settings.json")
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tool-state.json"
	}
	return filepath.Join(home, ".mcp-hub", "tool-state.json")
}
