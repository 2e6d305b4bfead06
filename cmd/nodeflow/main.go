package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/davrud/nodeflow/internal/controller"
	"github.com/davrud/nodeflow/internal/engine"
	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/internal/logging"
	"github.com/davrud/nodeflow/internal/scheduler"
	"github.com/davrud/nodeflow/internal/session"
	"github.com/davrud/nodeflow/internal/store"
	"github.com/davrud/nodeflow/internal/streaming"
	"github.com/davrud/nodeflow/internal/validation"
	"github.com/davrud/nodeflow/pkg/mcp"
	"github.com/davrud/nodeflow/pkg/schema"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nodeflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	eventLog := store.NewEventLog(db)

	project, g, err := openProject(ctx, db, cfg)
	if err != nil {
		return err
	}
	ctx = logging.WithGraphID(ctx, project.ID)

	hub := streaming.NewMemoryHub()
	manager := session.NewManager(session.Options{
		Resolver:  session.NewLookPathResolver(),
		Hub:       hub,
		Appender:  eventLog,
		Logger:    logger,
		MaxChunks: cfg.MaxChunks,
	})

	var autosaver *scheduler.Autosaver
	if cfg.AutosaveSchedule != "" {
		autosaver, err = scheduler.NewAutosaver(project.ID, g, db, eventLog, cfg.AutosaveSchedule, logger)
		if err != nil {
			return fmt.Errorf("create autosaver: %w", err)
		}
	}

	grace := time.Duration(cfg.GraceSeconds) * time.Second
	ctrlOpts := controller.Options{
		Appender:       eventLog,
		Logger:         logger,
		DefaultProfile: schema.Profile(cfg.DefaultProfile),
		GracePeriod:    grace,
	}
	if autosaver != nil {
		ctrlOpts.Dirty = autosaver
	}
	ctrl := controller.New(g, manager, ctrlOpts)

	registry := engine.NewRegistry()
	if err := engine.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register builtin handlers: %w", err)
	}
	evaluator, err := engine.New(registry, logger)
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	if result := validator.Validate(g.Definition()); !result.Valid() {
		return fmt.Errorf("project graph is invalid: %w", result.ToError())
	}

	if autosaver != nil {
		if err := autosaver.Start(ctx); err != nil {
			return fmt.Errorf("start autosaver: %w", err)
		}
	}

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Graph:      g,
		Controller: ctrl,
		Evaluator:  evaluator,
		Sessions:   manager,
		Events:     eventLog,
		Logger:     logger,
	})

	logger.InfoContext(ctx, "nodeflow started",
		"version", version,
		"project", project.Name,
		"db_path", cfg.DBPath,
	)

	serveErr := srv.Serve(ctx)

	// Shutdown: close editors (terminating their sessions), stop every
	// remaining session, flush a final save.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownCtx = logging.WithGraphID(shutdownCtx, project.ID)

	ctrl.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx, grace)
	if autosaver != nil {
		if err := autosaver.Stop(shutdownCtx); err != nil {
			logger.Error("autosaver stop failed", "error", err)
		}
	}
	// Always write the definition on the way out, whatever the dirty flag says.
	if err := db.SaveGraph(shutdownCtx, project.ID, g.Definition()); err != nil {
		logger.Error("final save failed", "error", err)
	}

	logger.Info("nodeflow stopped")

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// openProject loads the named project, creating it (optionally seeded with
// the demo graph) on first run.
func openProject(ctx context.Context, db *store.LibSQLStore, cfg Config) (*store.Project, *graph.Graph, error) {
	projects, err := db.ListProjects(ctx, store.ProjectFilter{Name: cfg.ProjectName, Limit: 1})
	if err != nil {
		return nil, nil, fmt.Errorf("list projects: %w", err)
	}
	if len(projects) > 0 {
		p := projects[0]
		g, err := graph.Load(&p.Definition)
		if err != nil {
			return nil, nil, fmt.Errorf("load project %q: %w", p.Name, err)
		}
		return p, g, nil
	}

	g := graph.New()
	if cfg.SeedDemo {
		if err := seedDemoGraph(g); err != nil {
			return nil, nil, fmt.Errorf("seed demo graph: %w", err)
		}
	}
	p := &store.Project{
		ID:         uuid.New().String(),
		Name:       cfg.ProjectName,
		Definition: *g.Definition(),
	}
	if err := db.CreateProject(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("create project: %w", err)
	}
	return p, g, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP owns stdout; logs go to stderr.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
