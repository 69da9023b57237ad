package store

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
)

// Table names of the remote schema.
const (
	componentsTable = "components"
	projectsTable   = "projects"
	tagsTable       = "tags"
)

// pgNoRows is the PostgREST code for a single-object request that matched
// nothing.
const pgNoRows = "PGRST116"

// RemoteStore talks to a PostgREST API, such as the one Supabase exposes at
// /rest/v1. Row level security on the service is expected to match the
// user_id filters this client sends.
type RemoteStore struct {
	client *resty.Client
	logger logging.Logger
}

type pgError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// NewRemote creates a client for the service at cfg.URL.
func NewRemote(cfg config.RemoteConfig, logger logging.Logger) (*RemoteStore, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "storage.remote.url is required for the remote backend")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "snipbox")
	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey).SetAuthToken(cfg.APIKey)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
	})

	return &RemoteStore{client: client, logger: logger.WithComponent("store.remote")}, nil
}

// Backend implements Store.
func (s *RemoteStore) Backend() string { return config.BackendRemote }

// Close implements Store.
func (s *RemoteStore) Close() error { return nil }

// Ping implements Store.
func (s *RemoteStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "ping", http.MethodGet, componentsTable,
		s.client.R().SetQueryParams(map[string]string{"select": "id", "limit": "1"}))
	return err
}

func (s *RemoteStore) do(ctx context.Context, op, method, table string, req *resty.Request) (*resty.Response, error) {
	resp, err := req.SetContext(ctx).SetError(&pgError{}).Execute(method, "/"+table)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewNetworkError(errors.ErrCodeStorage, "remote store "+op+" failed", err).WithComponent("store")
	}
	if resp.IsError() {
		return nil, s.statusError(ctx, op, resp)
	}
	return resp, nil
}

func (s *RemoteStore) statusError(ctx context.Context, op string, resp *resty.Response) error {
	pe, _ := resp.Error().(*pgError)
	msg := resp.Status()
	if pe != nil && pe.Message != "" {
		msg = pe.Message
	}

	switch {
	case pe != nil && pe.Code == pgNoRows, resp.StatusCode() == http.StatusNotFound:
		return errors.NewValidationError(errors.ErrCodeNotFound, msg)
	case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
		return errors.ErrUnauthorized().WithCause(fmt.Errorf("%s", msg))
	case resp.StatusCode() < http.StatusInternalServerError:
		return errors.NewValidationError(errors.ErrCodeValidationFailed, msg).WithContext("operation", op)
	}

	err := fmt.Errorf("%s: %s", resp.Status(), msg)
	s.logger.Error(ctx, err, "Remote store request failed", "operation", op, "status", resp.StatusCode())
	return storageError(op, err)
}

func ownedBy(id, userID string) map[string]string {
	return map[string]string{"id": "eq." + id, "user_id": "eq." + userID}
}

func nullable(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// components

// Components implements Store.
func (s *RemoteStore) Components(ctx context.Context, userID string) ([]Component, error) {
	var rows []Component
	_, err := s.do(ctx, "list components", http.MethodGet, componentsTable, s.client.R().
		SetQueryParams(map[string]string{"select": "*", "user_id": "eq." + userID, "order": "created_at.desc"}).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Component{}
	}
	return rows, nil
}

// Component implements Store.
func (s *RemoteStore) Component(ctx context.Context, id, userID string) (*Component, error) {
	var rows []Component
	_, err := s.do(ctx, "get component", http.MethodGet, componentsTable, s.client.R().
		SetQueryParams(ownedBy(id, userID)).
		SetQueryParam("select", "*").
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound("component", id)
	}
	return &rows[0], nil
}

// CreateComponent implements Store.
func (s *RemoteStore) CreateComponent(ctx context.Context, userID string, in ComponentInput) (*Component, error) {
	if err := ValidateComponentInput(in); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"user_id":    userID,
		"project_id": nullable(in.ProjectID),
		"name":       strings.TrimSpace(in.Name),
		"html":       in.HTML,
		"css":        in.CSS,
		"js":         in.JS,
		"tags":       tagsOrEmpty(dedupe(in.Tags)),
	}
	var rows []Component
	_, err := s.do(ctx, "create component", http.MethodPost, componentsTable, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetBody(body).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storageError("create component", fmt.Errorf("service returned no row"))
	}
	return &rows[0], nil
}

// UpdateComponent implements Store.
func (s *RemoteStore) UpdateComponent(ctx context.Context, id, userID string, upd ComponentUpdate) (*Component, error) {
	if err := ValidateComponentUpdate(upd); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		body["name"] = strings.TrimSpace(*upd.Name)
	}
	if upd.HTML != nil {
		body["html"] = *upd.HTML
	}
	if upd.CSS != nil {
		body["css"] = *upd.CSS
	}
	if upd.JS != nil {
		body["js"] = *upd.JS
	}
	if upd.Tags != nil {
		body["tags"] = tagsOrEmpty(dedupe(*upd.Tags))
	}
	if upd.ProjectID != nil {
		body["project_id"] = nullable(*upd.ProjectID)
	}
	return s.patchComponent(ctx, "update component", id, userID, body)
}

func (s *RemoteStore) patchComponent(ctx context.Context, op, id, userID string, body map[string]interface{}) (*Component, error) {
	var rows []Component
	_, err := s.do(ctx, op, http.MethodPatch, componentsTable, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetQueryParams(ownedBy(id, userID)).
		SetBody(body).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound("component", id)
	}
	return &rows[0], nil
}

// DeleteComponent implements Store.
func (s *RemoteStore) DeleteComponent(ctx context.Context, id, userID string) error {
	return s.deleteOwned(ctx, componentsTable, "component", id, userID)
}

func (s *RemoteStore) deleteOwned(ctx context.Context, table, resource, id, userID string) error {
	var rows []map[string]interface{}
	_, err := s.do(ctx, "delete "+resource, http.MethodDelete, table, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetQueryParams(ownedBy(id, userID)).
		SetResult(&rows))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.ErrNotFound(resource, id)
	}
	return nil
}

// projects

// Projects implements Store.
func (s *RemoteStore) Projects(ctx context.Context, userID string) ([]Project, error) {
	var rows []Project
	_, err := s.do(ctx, "list projects", http.MethodGet, projectsTable, s.client.R().
		SetQueryParams(map[string]string{"select": "*", "user_id": "eq." + userID, "order": "created_at.desc"}).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Project{}
	}
	return rows, nil
}

// Project implements Store.
func (s *RemoteStore) Project(ctx context.Context, id, userID string) (*Project, error) {
	var rows []Project
	_, err := s.do(ctx, "get project", http.MethodGet, projectsTable, s.client.R().
		SetQueryParams(ownedBy(id, userID)).
		SetQueryParam("select", "*").
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound("project", id)
	}
	return &rows[0], nil
}

// CreateProject implements Store.
func (s *RemoteStore) CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, error) {
	if err := ValidateProjectInput(in); err != nil {
		return nil, err
	}
	var rows []Project
	_, err := s.do(ctx, "create project", http.MethodPost, projectsTable, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetBody(map[string]interface{}{
			"user_id":     userID,
			"name":        strings.TrimSpace(in.Name),
			"description": in.Description,
		}).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storageError("create project", fmt.Errorf("service returned no row"))
	}
	return &rows[0], nil
}

// UpdateProject implements Store.
func (s *RemoteStore) UpdateProject(ctx context.Context, id, userID string, upd ProjectUpdate) (*Project, error) {
	if err := ValidateProjectUpdate(upd); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		body["name"] = strings.TrimSpace(*upd.Name)
	}
	if upd.Description != nil {
		body["description"] = *upd.Description
	}

	var rows []Project
	_, err := s.do(ctx, "update project", http.MethodPatch, projectsTable, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetQueryParams(ownedBy(id, userID)).
		SetBody(body).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound("project", id)
	}
	return &rows[0], nil
}

// DeleteProject implements Store. Member components are detached first.
func (s *RemoteStore) DeleteProject(ctx context.Context, id, userID string) error {
	if _, err := s.Project(ctx, id, userID); err != nil {
		return err
	}
	_, err := s.do(ctx, "detach components", http.MethodPatch, componentsTable, s.client.R().
		SetQueryParams(map[string]string{"project_id": "eq." + id, "user_id": "eq." + userID}).
		SetBody(map[string]interface{}{"project_id": nil, "updated_at": time.Now().UTC()}))
	if err != nil {
		return err
	}
	return s.deleteOwned(ctx, projectsTable, "project", id, userID)
}

// tags

// Tags implements Store.
func (s *RemoteStore) Tags(ctx context.Context, userID string) ([]Tag, error) {
	var rows []Tag
	_, err := s.do(ctx, "list tags", http.MethodGet, tagsTable, s.client.R().
		SetQueryParams(map[string]string{"select": "*", "user_id": "eq." + userID, "order": "name.asc"}).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Tag{}
	}
	return rows, nil
}

// Tag implements Store.
func (s *RemoteStore) Tag(ctx context.Context, id, userID string) (*Tag, error) {
	var rows []Tag
	_, err := s.do(ctx, "get tag", http.MethodGet, tagsTable, s.client.R().
		SetQueryParams(ownedBy(id, userID)).
		SetQueryParam("select", "*").
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ErrNotFound("tag", id)
	}
	return &rows[0], nil
}

// CreateTag implements Store. An existing tag with the same name, ignoring
// case, is returned instead of creating a duplicate.
func (s *RemoteStore) CreateTag(ctx context.Context, userID string, in TagInput) (*Tag, error) {
	if err := ValidateTagInput(in); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)

	existing, err := s.Tags(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if strings.EqualFold(existing[i].Name, name) {
			return &existing[i], nil
		}
	}

	var rows []Tag
	_, err = s.do(ctx, "create tag", http.MethodPost, tagsTable, s.client.R().
		SetHeader("Prefer", "return=representation").
		SetBody(map[string]interface{}{"user_id": userID, "name": name}).
		SetResult(&rows))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storageError("create tag", fmt.Errorf("service returned no row"))
	}
	return &rows[0], nil
}

// DeleteTag implements Store. The tag is removed from every component that
// carries it before the tag row is deleted.
func (s *RemoteStore) DeleteTag(ctx context.Context, id, userID string) error {
	if _, err := s.Tag(ctx, id, userID); err != nil {
		return err
	}

	var tagged []Component
	_, err := s.do(ctx, "find tagged components", http.MethodGet, componentsTable, s.client.R().
		SetQueryParams(map[string]string{"select": "id,tags", "user_id": "eq." + userID, "tags": "cs.{" + id + "}"}).
		SetResult(&tagged))
	if err != nil {
		return err
	}
	for _, c := range tagged {
		body := map[string]interface{}{"tags": tagsOrEmpty(without(c.Tags, id)), "updated_at": time.Now().UTC()}
		if _, err := s.patchComponent(ctx, "untag component", c.ID, userID, body); err != nil {
			return err
		}
	}
	return s.deleteOwned(ctx, tagsTable, "tag", id, userID)
}

// AddTagToComponent implements Store.
func (s *RemoteStore) AddTagToComponent(ctx context.Context, componentID, tagID, userID string) error {
	tag, err := s.Tag(ctx, tagID, userID)
	if err != nil {
		return err
	}
	c, err := s.Component(ctx, componentID, userID)
	if err != nil {
		return err
	}
	if contains(c.Tags, tagID) || contains(c.Tags, tag.Name) {
		return nil
	}
	body := map[string]interface{}{"tags": append(c.Tags, tagID), "updated_at": time.Now().UTC()}
	_, err = s.patchComponent(ctx, "tag component", componentID, userID, body)
	return err
}

// RemoveTagFromComponent implements Store.
func (s *RemoteStore) RemoveTagFromComponent(ctx context.Context, componentID, tagID, userID string) error {
	c, err := s.Component(ctx, componentID, userID)
	if err != nil {
		return err
	}
	tags := without(c.Tags, tagID)
	if tag, err := s.Tag(ctx, tagID, userID); err == nil {
		tags = without(tags, tag.Name)
	}
	body := map[string]interface{}{"tags": tagsOrEmpty(tags), "updated_at": time.Now().UTC()}
	_, err = s.patchComponent(ctx, "untag component", componentID, userID, body)
	return err
}
