package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/davrud/nodeflow/internal/store"
	"github.com/davrud/nodeflow/pkg/schema"
)

// GraphSource yields the current graph definition. Satisfied by *graph.Graph.
type GraphSource interface {
	Definition() *schema.GraphDefinition
}

// GraphSink persists a graph definition. Satisfied by *store.LibSQLStore.
type GraphSink interface {
	SaveGraph(ctx context.Context, projectID string, def *schema.GraphDefinition) error
}

// EventAppender records autosave events with proper sequencing. Satisfied by
// *store.EventLog. May be nil.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Autosaver persists the project graph on a cron schedule. Only the graph
// definition is written: node content changes exclusively through explicit
// saves, so an autosave never captures unsaved editor state or live
// transcripts.
type Autosaver struct {
	projectID string
	source    GraphSource
	sink      GraphSink
	appender  EventAppender
	schedule  cron.Schedule
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	dirty    atomic.Bool
	inflight atomic.Bool // save currently executing (dedup)
}

// NewAutosaver creates an Autosaver from a standard 5-field cron expression.
func NewAutosaver(projectID string, source GraphSource, sink GraphSink, appender EventAppender, cronExpr string, logger *slog.Logger) (*Autosaver, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse autosave schedule %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosaver{
		projectID: projectID,
		source:    source,
		sink:      sink,
		appender:  appender,
		schedule:  schedule,
		logger:    logger,
	}, nil
}

// MarkDirty flags the graph as changed since the last save. The controller
// calls this on every mutation; a clean graph is never rewritten.
func (a *Autosaver) MarkDirty() {
	a.dirty.Store(true)
}

// Start launches the background autosave loop.
func (a *Autosaver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return fmt.Errorf("autosaver already started")
	}

	saveCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(saveCtx)
	a.logger.Info("autosaver started", "project_id", a.projectID)
	return nil
}

func (a *Autosaver) loop(ctx context.Context) {
	defer close(a.done)

	for {
		now := time.Now()
		next := a.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.tick(ctx)
		}
	}
}

// tick saves the graph if it changed since the last save.
func (a *Autosaver) tick(ctx context.Context) {
	if !a.dirty.Load() {
		return
	}
	if !a.inflight.CompareAndSwap(false, true) {
		return // previous save still running (dedup)
	}
	defer a.inflight.Store(false)

	if err := a.Save(ctx); err != nil {
		a.logger.Error("autosave failed",
			slog.String("project_id", a.projectID),
			slog.String("error", err.Error()),
		)
	}
}

// Save persists the current graph definition immediately and clears the
// dirty flag. Also used for the final save on shutdown.
func (a *Autosaver) Save(ctx context.Context) error {
	def := a.source.Definition()
	if err := a.sink.SaveGraph(ctx, a.projectID, def); err != nil {
		return fmt.Errorf("save graph for project %q: %w", a.projectID, err)
	}
	a.dirty.Store(false)

	if a.appender != nil {
		if err := a.appender.AppendEvent(ctx, &store.Event{
			NodeID: a.projectID,
			Type:   schema.EventGraphAutosaved,
		}); err != nil {
			a.logger.Warn("autosave event append failed", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("graph autosaved",
		slog.String("project_id", a.projectID),
		slog.Int("nodes", len(def.Nodes)),
		slog.Int("connections", len(def.Connections)),
	)
	return nil
}

// NextRun computes the next save time after from.
func (a *Autosaver) NextRun(from time.Time) time.Time {
	return a.schedule.Next(from)
}

// Stop gracefully shuts down the autosaver, flushing a final save if the
// graph is dirty.
func (a *Autosaver) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return nil
	}

	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil

	if a.dirty.Load() {
		if err := a.Save(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("autosaver stopped")
	return nil
}
