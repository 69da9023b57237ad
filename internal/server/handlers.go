package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/export"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/middleware"
	"github.com/conneroisu/snipbox/internal/preview"
	"github.com/conneroisu/snipbox/internal/headless"
	"github.com/conneroisu/snipbox/internal/refresh"
	"github.com/conneroisu/snipbox/internal/sanitizer"
	"github.com/conneroisu/snipbox/internal/store"
	"github.com/conneroisu/snipbox/internal/version"
)

const maxBodyBytes = 4 << 20

// HandleHeader reports the isolation handle a frame was rendered with.
const HandleHeader = "X-Snipbox-Handle"

type previewRequest struct {
	Session string `json:"session,omitempty"`
	preview.Request
}

type previewResponse struct {
	Session   string           `json:"session"`
	Handle    uint64           `json:"handle"`
	Remounted bool             `json:"remounted"`
	Hosted    bool             `json:"hosted"`
	Document  string           `json:"document"`
	Frame     string           `json:"frame"`
	Width     string           `json:"width"`
	Height    string           `json:"height"`
	Degraded  bool             `json:"degraded"`
	Removed   sanitizer.Counts `json:"removed"`
	Warnings  []string         `json:"warnings"`
}

type checkResponse struct {
	*headless.Report
	Contained bool     `json:"contained"`
	Warnings  []string `json:"warnings"`
}

// fail logs err by kind and writes it to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.errs.Handle(r.Context(), err,
		"method", r.Method,
		"path", r.URL.Path)
	middleware.WriteError(w, r, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if err == io.EOF {
			msg = "request body is required"
		}
		return errors.NewValidationError(errors.ErrCodeValidationFailed, msg).WithCause(err)
	}
	return nil
}

func renderString(ctx context.Context, c templ.Component) (string, error) {
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// publicMessage is the text a live client sees for err.
func publicMessage(err error) string {
	if te, ok := errors.AsError(err); ok && errors.HTTPStatus(err) < http.StatusInternalServerError {
		return te.Message
	}
	return "preview render failed"
}

// capabilityFor reports the isolation capability the caller declared. A
// caller rendering on the server before the client has started passes
// ssr=1 and receives the placeholder.
func capabilityFor(r *http.Request) isolation.Capability {
	if ssr, _ := strconv.ParseBool(r.URL.Query().Get("ssr")); ssr {
		return isolation.Never()
	}
	return isolation.Always()
}

func (s *Server) controllerFor(user, session string) *refresh.Controller {
	if session == "" {
		return refresh.NewController()
	}
	return s.sessions.Controller(sessionKey(user, session))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Session) > 64 {
		s.fail(w, r, errors.NewValidationError(errors.ErrCodeValidationFailed, "session id too long").
			WithContext("field", "session"))
		return
	}
	if req.Session == "" {
		req.Session = preview.NewSessionID()
	}

	res, err := s.pipeline.RenderContext(r.Context(), s.controllerFor(user, req.Session), req.Request, capabilityFor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	frame, err := renderString(r.Context(), res.Frame)
	if err != nil {
		s.fail(w, r, errors.NewRenderError(errors.ErrCodeRenderFailed, "frame render failed", err))
		return
	}

	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	middleware.WriteJSON(w, http.StatusOK, previewResponse{
		Session:   req.Session,
		Handle:    uint64(res.Mount.Handle),
		Remounted: res.Mount.Remounted,
		Hosted:    res.Hosted,
		Document:  res.Mount.Document.String(),
		Frame:     frame,
		Width:     string(res.Width),
		Height:    string(res.Height),
		Degraded:  res.Degraded,
		Removed:   res.Removed,
		Warnings:  warnings,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req preview.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	prep, err := s.pipeline.Prepare(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := headless.Run(r.Context(), prep.Document, headless.Options{
		Budget:  s.config.Preview.ScriptBudget,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	warnings := prep.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	middleware.WriteJSON(w, http.StatusOK, checkResponse{
		Report:    report,
		Contained: report.Contained(),
		Warnings:  warnings,
	})
}

// handleFrame renders the hosted frame of a stored component as an HTML
// fragment, for clients that swap frames in place.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.store.Component(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	req := componentRequest(*c)
	req.Width, req.Height = q.Get("width"), q.Get("height")

	res, err := s.pipeline.RenderContext(r.Context(), s.controllerFor(user, q.Get("session")), req, capabilityFor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HandleHeader, strconv.FormatUint(uint64(res.Mount.Handle), 10))
	if err := res.Frame.Render(r.Context(), w); err != nil {
		s.logger.Error(r.Context(), err, "Failed to write frame", "component", c.ID)
	}
}

func componentRequest(c store.Component) preview.Request {
	return preview.Request{Markup: c.HTML, Style: c.CSS, Script: c.JS}
}

// Components

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	components, err := s.store.Components(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if f := filterFrom(r); !f.empty() {
		tags, err := s.store.Tags(r.Context(), user)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		components = f.apply(components, tags)
	}
	if components == nil {
		components = []store.Component{}
	}
	middleware.WriteJSON(w, http.StatusOK, components)
}

// componentFilter narrows a component list. Project and tag match exactly
// (a tag by id or name); q is a case-insensitive substring of the name or
// of any tag name.
type componentFilter struct {
	project, tag, q string
}

func filterFrom(r *http.Request) componentFilter {
	v := r.URL.Query()
	return componentFilter{
		project: v.Get("project"),
		tag:     v.Get("tag"),
		q:       strings.ToLower(strings.TrimSpace(v.Get("q"))),
	}
}

func (f componentFilter) empty() bool {
	return f.project == "" && f.tag == "" && f.q == ""
}

func (f componentFilter) apply(components []store.Component, tags []store.Tag) []store.Component {
	out := make([]store.Component, 0, len(components))
	for _, c := range components {
		if f.project != "" && c.ProjectID != f.project {
			continue
		}
		names := tagNames(c, tags)
		if f.tag != "" && !hasTag(c, names, f.tag) {
			continue
		}
		if f.q != "" && !matchesQuery(c, names, f.q) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasTag(c store.Component, names []string, tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	for _, n := range names {
		if strings.EqualFold(n, tag) {
			return true
		}
	}
	return false
}

func matchesQuery(c store.Component, names []string, q string) bool {
	if strings.Contains(strings.ToLower(c.Name), q) {
		return true
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), q) {
			return true
		}
	}
	return false
}

func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.store.Component(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateComponent(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in store.ComponentInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.store.CreateComponent(r.Context(), user, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.componentChanged(user, MessageComponentUpdated, c.ID)
	w.Header().Set("Location", "/api/components/"+c.ID)
	middleware.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var upd store.ComponentUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.store.UpdateComponent(r.Context(), r.PathValue("id"), user, upd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.componentChanged(user, MessageComponentUpdated, c.ID)
	middleware.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteComponent(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteComponent(r.Context(), id, user); err != nil {
		s.fail(w, r, err)
		return
	}
	s.componentChanged(user, MessageComponentDeleted, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	s.changeTag(w, r, s.store.AddTagToComponent)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	s.changeTag(w, r, s.store.RemoveTagFromComponent)
}

func (s *Server) changeTag(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, componentID, tagID, userID string) error) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := op(r.Context(), id, r.PathValue("tagID"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.store.Component(r.Context(), id, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.componentChanged(user, MessageComponentUpdated, id)
	middleware.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) componentChanged(user, typ, id string) {
	s.hub.publish(user, UpdateMessage{Type: typ, Target: id, Timestamp: time.Now()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	format := export.FormatZip
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = export.ParseFormat(v); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	c, err := s.store.Component(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	data, err := export.Bundle(*c, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(*c, format)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// exportRequest selects the components of a multi-component package.
type exportRequest struct {
	IDs    []string `json:"ids"`
	Format string   `json:"format,omitempty"`
}

// handleExportMany packages several components into one archive. Every id
// must belong to the caller.
func (s *Server) handleExportMany(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		s.fail(w, r, errors.NewValidationError(errors.ErrCodeValidationFailed, "ids must name at least one component"))
		return
	}

	components := make([]store.Component, 0, len(req.IDs))
	for _, id := range req.IDs {
		c, err := s.store.Component(r.Context(), id, user)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		components = append(components, *c)
	}

	data, err := export.BundleMulti(components, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.PackageFileName(format)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Projects

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	projects, err := s.store.Projects(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	middleware.WriteJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.store.Project(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in store.ProjectInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.store.CreateProject(r.Context(), user, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/projects/"+p.ID)
	middleware.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var upd store.ProjectUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.store.UpdateProject(r.Context(), r.PathValue("id"), user, upd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), r.PathValue("id"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tags

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tags, err := s.store.Tags(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tags == nil {
		tags = []store.Tag{}
	}
	middleware.WriteJSON(w, http.StatusOK, tags)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.store.Tag(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in store.TagInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.store.CreateTag(r.Context(), user, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, t)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteTag(r.Context(), r.PathValue("id"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, version.Get())
}
