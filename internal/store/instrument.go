package store

import (
	"context"

	"github.com/conneroisu/snipbox/internal/monitoring"
)

// Instrument wraps s so every call is counted by backend, operation and
// result. A nil metrics returns s unchanged.
func Instrument(s Store, metrics *monitoring.Metrics) Store {
	if metrics == nil {
		return s
	}
	return &instrumented{next: s, metrics: metrics}
}

type instrumented struct {
	next    Store
	metrics *monitoring.Metrics
}

func (i *instrumented) observe(op string, err error) {
	i.metrics.ObserveStore(i.next.Backend(), op, err)
}

// Unwrap returns the wrapped store.
func (i *instrumented) Unwrap() Store { return i.next }

func (i *instrumented) Components(ctx context.Context, userID string) ([]Component, error) {
	out, err := i.next.Components(ctx, userID)
	i.observe("list_components", err)
	return out, err
}

func (i *instrumented) Component(ctx context.Context, id, userID string) (*Component, error) {
	out, err := i.next.Component(ctx, id, userID)
	i.observe("get_component", err)
	return out, err
}

func (i *instrumented) CreateComponent(ctx context.Context, userID string, in ComponentInput) (*Component, error) {
	out, err := i.next.CreateComponent(ctx, userID, in)
	i.observe("create_component", err)
	return out, err
}

func (i *instrumented) UpdateComponent(ctx context.Context, id, userID string, upd ComponentUpdate) (*Component, error) {
	out, err := i.next.UpdateComponent(ctx, id, userID, upd)
	i.observe("update_component", err)
	return out, err
}

func (i *instrumented) DeleteComponent(ctx context.Context, id, userID string) error {
	err := i.next.DeleteComponent(ctx, id, userID)
	i.observe("delete_component", err)
	return err
}

func (i *instrumented) Projects(ctx context.Context, userID string) ([]Project, error) {
	out, err := i.next.Projects(ctx, userID)
	i.observe("list_projects", err)
	return out, err
}

func (i *instrumented) Project(ctx context.Context, id, userID string) (*Project, error) {
	out, err := i.next.Project(ctx, id, userID)
	i.observe("get_project", err)
	return out, err
}

func (i *instrumented) CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, error) {
	out, err := i.next.CreateProject(ctx, userID, in)
	i.observe("create_project", err)
	return out, err
}

func (i *instrumented) UpdateProject(ctx context.Context, id, userID string, upd ProjectUpdate) (*Project, error) {
	out, err := i.next.UpdateProject(ctx, id, userID, upd)
	i.observe("update_project", err)
	return out, err
}

func (i *instrumented) DeleteProject(ctx context.Context, id, userID string) error {
	err := i.next.DeleteProject(ctx, id, userID)
	i.observe("delete_project", err)
	return err
}

func (i *instrumented) Tags(ctx context.Context, userID string) ([]Tag, error) {
	out, err := i.next.Tags(ctx, userID)
	i.observe("list_tags", err)
	return out, err
}

func (i *instrumented) Tag(ctx context.Context, id, userID string) (*Tag, error) {
	out, err := i.next.Tag(ctx, id, userID)
	i.observe("get_tag", err)
	return out, err
}

func (i *instrumented) CreateTag(ctx context.Context, userID string, in TagInput) (*Tag, error) {
	out, err := i.next.CreateTag(ctx, userID, in)
	i.observe("create_tag", err)
	return out, err
}

func (i *instrumented) DeleteTag(ctx context.Context, id, userID string) error {
	err := i.next.DeleteTag(ctx, id, userID)
	i.observe("delete_tag", err)
	return err
}

func (i *instrumented) AddTagToComponent(ctx context.Context, componentID, tagID, userID string) error {
	err := i.next.AddTagToComponent(ctx, componentID, tagID, userID)
	i.observe("add_tag", err)
	return err
}

func (i *instrumented) RemoveTagFromComponent(ctx context.Context, componentID, tagID, userID string) error {
	err := i.next.RemoveTagFromComponent(ctx, componentID, tagID, userID)
	i.observe("remove_tag", err)
	return err
}

func (i *instrumented) Ping(ctx context.Context) error {
	err := i.next.Ping(ctx)
	i.observe("ping", err)
	return err
}

func (i *instrumented) Backend() string { return i.next.Backend() }

func (i *instrumented) Close() error { return i.next.Close() }
