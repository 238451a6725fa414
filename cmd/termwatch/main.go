// Command termwatch watches Terms of Service and Privacy Policy pages and
// reports graded changes to subscribers.
//
// Usage:
//
//	termwatch -config termwatch.yaml          # daemon: scheduler + admin HTTP
//	termwatch -config termwatch.yaml -once    # one scan, print the run, exit
//	termwatch -config termwatch.yaml -mcp     # daemon with MCP over stdio
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/termwatch/dbopen"
	"github.com/hazyhaar/termwatch/termwatch"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to termwatch.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	once := flag.Bool("once", false, "run a single scan, print the run as JSON and exit")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools over stdio")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Stderr: stdout belongs to -once output and the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *once, *mcpStdio); err != nil {
		logger.Error("termwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, once, mcpStdio bool) error {
	cfg, err := termwatch.LoadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.Database.Path,
		dbopen.WithMkdirAll(), dbopen.WithBusyTimeout(cfg.Database.BusyTimeout))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	svc, err := termwatch.New(db, cfg, logger)
	if err != nil {
		return err
	}

	if once {
		if err := svc.SeedDocuments(ctx); err != nil {
			return err
		}
		res, err := svc.RunScan(ctx, "once")
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           newRouter(svc, cfg.Admin),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("termwatch: admin listening", "addr", cfg.Admin.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "termwatch", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("mcp: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	logger.Info("termwatch: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("termwatch: shutdown", "error", serr)
	}
	return err
}
