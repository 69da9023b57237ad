// Package store persists components, projects and tags.
//
// Two backends implement Store: a JSON file on local disk and a
// PostgREST-compatible REST service. The backend is chosen once at startup
// from configuration and handed to its users by constructor injection.
//
// Stored html, css and js are opaque strings. They are never sanitized here;
// sanitization happens in the preview pipeline at render time.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
)

// DefaultUserID owns requests that carry no identity, and the seed data.
const DefaultUserID = "local"

// Component is a saved HTML/CSS/JS snippet.
type Component struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	ProjectID string    `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Name      string    `json:"name" yaml:"name"`
	HTML      string    `json:"html" yaml:"html"`
	CSS       string    `json:"css" yaml:"css"`
	JS        string    `json:"js" yaml:"js"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Project groups components.
type Project struct {
	ID          string    `json:"id" yaml:"id"`
	UserID      string    `json:"user_id" yaml:"user_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Tag labels components. Names are unique per user, ignoring case.
type Tag struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ComponentInput creates a component.
type ComponentInput struct {
	Name      string   `json:"name"`
	HTML      string   `json:"html"`
	CSS       string   `json:"css"`
	JS        string   `json:"js"`
	Tags      []string `json:"tags,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
}

// ComponentUpdate changes the non-nil fields of a component. An empty
// ProjectID detaches the component from its project.
type ComponentUpdate struct {
	Name      *string   `json:"name,omitempty"`
	HTML      *string   `json:"html,omitempty"`
	CSS       *string   `json:"css,omitempty"`
	JS        *string   `json:"js,omitempty"`
	Tags      *[]string `json:"tags,omitempty"`
	ProjectID *string   `json:"project_id,omitempty"`
}

// ProjectInput creates a project.
type ProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProjectUpdate changes the non-nil fields of a project.
type ProjectUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// TagInput creates a tag.
type TagInput struct {
	Name string `json:"name"`
}

// Store is the persistence contract. Every method is scoped to userID:
// records owned by someone else are never returned or modified.
type Store interface {
	Components(ctx context.Context, userID string) ([]Component, error)
	Component(ctx context.Context, id, userID string) (*Component, error)
	CreateComponent(ctx context.Context, userID string, in ComponentInput) (*Component, error)
	UpdateComponent(ctx context.Context, id, userID string, upd ComponentUpdate) (*Component, error)
	DeleteComponent(ctx context.Context, id, userID string) error

	Projects(ctx context.Context, userID string) ([]Project, error)
	Project(ctx context.Context, id, userID string) (*Project, error)
	CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, error)
	UpdateProject(ctx context.Context, id, userID string, upd ProjectUpdate) (*Project, error)
	DeleteProject(ctx context.Context, id, userID string) error

	Tags(ctx context.Context, userID string) ([]Tag, error)
	Tag(ctx context.Context, id, userID string) (*Tag, error)
	CreateTag(ctx context.Context, userID string, in TagInput) (*Tag, error)
	DeleteTag(ctx context.Context, id, userID string) error

	AddTagToComponent(ctx context.Context, componentID, tagID, userID string) error
	RemoveTagFromComponent(ctx context.Context, componentID, tagID, userID string) error

	// Ping verifies the backend answers.
	Ping(ctx context.Context) error
	// Backend names the implementation, as in the configuration.
	Backend() string
	Close() error
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, logger logging.Logger, metrics *monitoring.Metrics) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case config.BackendLocal, "":
		s, err = OpenLocal(ctx, cfg.Path, LocalOptions{
			Seed:    cfg.Seed,
			Watch:   cfg.Watch,
			Logger:  logger,
			Metrics: metrics,
		})
	case config.BackendRemote:
		s, err = NewRemote(cfg.Remote, logger)
	default:
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown storage backend %q", cfg.Backend))
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "Component store opened", "backend", s.Backend())
	return Instrument(s, metrics), nil
}

func storageError(op string, cause error) *errors.Error {
	return errors.NewIOError(errors.ErrCodeStorage, "storage "+op+" failed", cause).WithComponent("store")
}
