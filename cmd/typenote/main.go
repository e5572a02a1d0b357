// Command typenote serves the note-card export pipeline.
//
// Usage:
//
//	typenote -config typenote.yaml                 # HTTP API (default)
//	typenote -config typenote.yaml -mcp            # MCP tools over stdio
//	typenote -question "Best day?" -answer "..."   # one-shot export to -out
package main

import (
	"context"
	"database/sql"
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

	"github.com/hazyhaar/typenote/dbopen"
	"github.com/hazyhaar/typenote/delivery"
	"github.com/hazyhaar/typenote/export"
	"github.com/hazyhaar/typenote/fontembed"
	"github.com/hazyhaar/typenote/idgen"
	"github.com/hazyhaar/typenote/internal/browser"
	"github.com/hazyhaar/typenote/internal/config"
	"github.com/hazyhaar/typenote/journal"
	"github.com/hazyhaar/typenote/kit"
	"github.com/hazyhaar/typenote/notecard"
	"github.com/hazyhaar/typenote/observability"
	"github.com/hazyhaar/typenote/raster"
	"github.com/hazyhaar/typenote/shield"
)

const version = "0.1.0"

type flags struct {
	configPath string
	serve      bool
	mcp        bool
	question   string
	answer     string
	year       int
	out        string
	format     string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to typenote.yaml config file")
	flag.BoolVar(&f.serve, "serve", true, "serve the HTTP API; -serve=false requires -mcp or -question/-answer")
	flag.BoolVar(&f.mcp, "mcp", false, "serve MCP tools over stdio instead of HTTP")
	flag.StringVar(&f.question, "question", "", "one-shot: question text")
	flag.StringVar(&f.answer, "answer", "", "one-shot: answer text")
	flag.IntVar(&f.year, "year", 0, "one-shot: card year (default: current year)")
	flag.StringVar(&f.out, "out", ".", "one-shot: output directory")
	flag.StringVar(&f.format, "format", "", "one-shot: png or pdf (default from config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
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
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, f); err != nil {
		logger.Error("typenote: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, f flags) error {
	oneShot := f.question != "" || f.answer != ""
	if !f.serve && !f.mcp && !oneShot {
		return errors.New("nothing to do: -serve=false without -mcp or -question/-answer")
	}

	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadFile(f.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	db, err := dbopen.Open(cfg.Database.Path,
		dbopen.WithMkdirAll(),
		dbopen.WithImmediateTx(),
		dbopen.WithSchema(journal.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := journal.New(db)
	if err := store.Seed(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics(db, observability.WithMetricsLogger(logger))
	defer metrics.Close()
	exports := observability.NewExportLog(db, observability.WithExportLogLogger(logger))
	go retention(ctx, logger, db, cfg.Database.RetentionDays)

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Bin:              cfg.Browser.Bin,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		LoadTimeout:      cfg.Browser.LoadTimeout,
		Logger:           logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer mgr.Close()

	static := os.DirFS(cfg.Fonts.Dir)
	var src fontembed.Source = &fontembed.FSSource{FS: static}
	if cfg.Fonts.BaseURL != "" {
		src = &fontembed.HTTPSource{BaseURL: cfg.Fonts.BaseURL}
	}
	fonts := fontembed.New(src, cfg.Fonts.Name,
		fontembed.WithFamily(cfg.Fonts.Family),
		fontembed.WithLogger(logger),
	)

	engine := raster.NewEngine(
		raster.WithLadder(cfg.Render.Ladder...),
		raster.WithBackground(cfg.Render.Background),
		raster.WithFontFamily(cfg.Fonts.Family),
		raster.WithFontWait(cfg.Render.FontWait),
		raster.WithAttemptTimeout(cfg.Render.AttemptTimeout),
		raster.WithFonts(fonts),
		raster.WithLogger(logger),
	)

	size, err := notecard.ParseSize(cfg.Export.Size)
	if err != nil {
		return err
	}
	format := cfg.Export.Format
	if f.format != "" {
		format = f.format
	}
	opts := []export.Option{
		export.WithFonts(fonts),
		export.WithMetrics(metrics),
		export.WithExportLog(exports),
		export.WithLogger(logger),
		export.WithTimeout(cfg.Export.Timeout),
		export.WithFilePrefix(cfg.Export.FilePrefix),
		export.WithDefaultFormat(format),
		export.WithDefaultSize(size),
		export.WithThumbnailWidth(cfg.Export.ThumbnailWidth),
	}

	var mirrors []delivery.Deliverer
	for _, url := range cfg.Delivery.Webhooks {
		mirrors = append(mirrors, delivery.NewWebhook(url,
			delivery.WithWebhookRetries(cfg.Delivery.WebhookRetries),
			delivery.WithWebhookLogger(logger),
		))
	}

	newRouter := func(native, web delivery.Deliverer) *delivery.Router {
		r := delivery.NewRouter(logger, native, web, mirrors...)
		r.SetMirrorTimeout(cfg.Delivery.MirrorTimeout)
		return r
	}

	if oneShot {
		out, err := delivery.NewFileStore(f.out)
		if err != nil {
			return err
		}
		router := newRouter(out, out)
		defer router.Close()
		return runOnce(ctx, export.New(mgr, engine, router, opts...), f)
	}

	media, err := delivery.NewFileStore(cfg.Delivery.MediaDir)
	if err != nil {
		return err
	}
	downloads := delivery.NewDownloads(cfg.Delivery.DownloadPrefix,
		delivery.WithRevokeAfter(cfg.Delivery.RevokeAfter),
		delivery.WithDownloadsLogger(logger),
	)
	defer downloads.Close()
	router := newRouter(media, downloads)
	defer router.Close()
	svc := export.New(mgr, engine, router, opts...)

	if f.mcp {
		return runMCP(ctx, logger, svc)
	}
	return serve(ctx, logger, cfg, svc, export.NewHandler(svc, store, downloads, exports, static))
}

func runOnce(ctx context.Context, svc *export.Service, f flags) error {
	ctx = kit.WithOrigin(ctx, kit.Origin{Transport: kit.TransportCLI, RequestID: idgen.RequestID()})
	resp, err := svc.Export(ctx, export.Request{
		Year:   f.year,
		Blocks: []notecard.Block{{Question: f.question, Answer: f.answer}},
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runMCP(ctx context.Context, logger *slog.Logger, svc *export.Service) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "typenote", Version: version}, nil)
	svc.RegisterMCP(srv)
	logger.Info("typenote: MCP over stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func serve(ctx context.Context, logger *slog.Logger, cfg *config.Config, svc *export.Service, h *export.Handler) error {
	rules := make(map[string]shield.Rule, len(cfg.Server.RateLimits))
	for _, rl := range cfg.Server.RateLimits {
		rules[rl.Endpoint] = shield.Rule{MaxRequests: rl.MaxRequests, Window: rl.Window}
	}
	limiter := shield.NewRateLimiter(rules, logger)
	go limiter.Run(ctx, 5*time.Minute)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(shield.Stack(logger, limiter, cfg.Server.MaxBody)...),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Export.Timeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("typenote: server starting", "addr", cfg.Server.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info("typenote: shutting down", "exporting", svc.Busy())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("typenote: shutdown", "error", err)
	}
	return nil
}

// retention prunes metrics and the export log once a day.
func retention(ctx context.Context, logger *slog.Logger, db *sql.DB, days int) {
	tick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	for {
		if err := observability.Cleanup(ctx, db, days); err != nil && ctx.Err() == nil {
			logger.Warn("typenote: retention cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
