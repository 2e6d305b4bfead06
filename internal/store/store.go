package store

import (
	"context"

	"github.com/davrud/nodeflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	SaveGraph(ctx context.Context, projectID string, def *schema.GraphDefinition) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Session event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, nodeID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
