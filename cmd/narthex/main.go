// Command narthex runs the dataset workbench: it tracks the analysis
// progress of every dataset of a Narthex service and serves the tree,
// terms and mapping API over HTTP, plus MCP tools over stdio on request.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/narthex/dbopen"
	"github.com/hazyhaar/narthex/observability"
	"github.com/hazyhaar/narthex/workbench"
)

func main() {
	configPath := flag.String("config", env("NARTHEX_CONFIG", ""), "path to the YAML config file")
	mcpStdio := flag.Bool("mcp", env("MCP_TRANSPORT", "") == "stdio", "serve MCP tools on stdin/stdout")
	flag.Parse()

	cfg := workbench.DefaultConfig()
	if *configPath != "" {
		loaded, err := workbench.LoadConfig(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging. Stdout carries MCP frames in stdio mode.
	out := os.Stdout
	if *mcpStdio {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := observability.Init(db); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	wb, err := workbench.New(cfg, db, logger)
	if err != nil {
		slog.Error("workbench", "error", err)
		os.Exit(1)
	}
	wb.Start(ctx)

	if *mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "narthex", Version: "1.0.0"}, nil)
		wb.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
			cancel()
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           wb.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("narthex starting", "addr", cfg.Listen, "backend", cfg.Backend.URL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := wb.Close(); err != nil {
		slog.Error("workbench close", "error", err)
	}
}

// applyEnv lets the environment override the file.
func applyEnv(cfg *workbench.Config) {
	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.OrgID = env("ORG_ID", cfg.OrgID)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.Backend.URL = env("NARTHEX_URL", cfg.Backend.URL)
	cfg.Backend.SessionCookie = env("NARTHEX_SESSION_COOKIE", cfg.Backend.SessionCookie)
	if d, err := time.ParseDuration(env("POLL_DELAY", "")); err == nil {
		cfg.Poll.Delay = d
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
