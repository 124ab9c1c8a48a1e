// shadow-sidecar is the in-sandbox agent that exposes the task workspace
// over HTTP: file operations, command execution with a live terminal
// transcript, and git state for the control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/gitops"
	"github.com/shadowrealm-ai/shadow/internal/sidecar"
)

func main() {
	workspace := flag.String("workspace", "/workspace", "Workspace directory to serve")
	port := flag.Int("port", 8371, "Port to listen on")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if _, err := os.Stat(*workspace); err != nil {
		logger.Error("workspace not accessible", "workspace", *workspace, "error", err)
		os.Exit(1)
	}

	server := sidecar.NewServer(*workspace,
		sidecar.WithLogger(logger),
		sidecar.WithGitWorker(gitops.NewWorker(*workspace, gitops.WithLogger(logger))),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("sidecar listening", "port", *port, "workspace", *workspace)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("sidecar server failed", "error", err)
		os.Exit(1)
	}
}
