package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/watcher"
)

const reloadDebounce = 200 * time.Millisecond

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	// Seed fills a missing data file with the demo components.
	Seed bool
	// Watch reloads the data file when another process rewrites it.
	Watch   bool
	Logger  logging.Logger
	Metrics *monitoring.Metrics
	Now     func() time.Time
}

// LocalStore keeps every record in one JSON file. Each mutation rewrites the
// file through a temporary file and a rename, so readers never observe a
// partial write.
type LocalStore struct {
	path    string
	logger  logging.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	data   *snapshot
	digest [sha256.Size]byte

	watcher *watcher.FileWatcher
	cancel  context.CancelFunc
}

// errUnchanged aborts a mutation that turned out to be a no-op.
var errUnchanged = fmt.Errorf("unchanged")

// OpenLocal opens or creates the data file at path.
func OpenLocal(ctx context.Context, path string, opts LocalOptions) (*LocalStore, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &LocalStore{
		path:    filepath.Clean(path),
		logger:  opts.Logger.WithComponent("store.local"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, storageError("open", err)
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		data := &snapshot{Version: snapshotVersion}
		if opts.Seed {
			if data, err = loadSeed(DefaultUserID, s.now().UTC()); err != nil {
				return nil, errors.NewInternalError(errors.ErrCodeInternalError, "invalid seed data", err)
			}
			s.logger.Info(ctx, "Seeding component store", "path", s.path, "components", len(data.Components))
		}
		if err := s.persist(data); err != nil {
			return nil, storageError("create", err)
		}
		s.data = data
	case err != nil:
		return nil, storageError("open", err)
	default:
		data, err := decodeSnapshot(raw)
		if err != nil {
			return nil, storageError("decode", err).WithContext("path", s.path)
		}
		s.data = data
		s.digest = sha256.Sum256(raw)
	}

	if opts.Watch {
		if err := s.watch(); err != nil {
			s.logger.Warn(ctx, err, "Data file watching disabled", "path", s.path)
		}
	}
	return s, nil
}

func decodeSnapshot(raw []byte) (*snapshot, error) {
	var data snapshot
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data.Version == 0 {
		data.Version = snapshotVersion
	}
	if data.Version > snapshotVersion {
		return nil, fmt.Errorf("data file version %d is newer than supported version %d", data.Version, snapshotVersion)
	}
	return &data, nil
}

// persist writes data atomically. Callers hold mu, except during open.
func (s *LocalStore) persist(data *snapshot) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+base+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	s.digest = sha256.Sum256(raw)
	return nil
}

// mutate applies fn to a copy of the data and commits it only when fn
// succeeds and the file was written.
func (s *LocalStore) mutate(op string, fn func(*snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	if err := fn(next); err != nil {
		if err == errUnchanged {
			return nil
		}
		return err
	}
	if err := s.persist(next); err != nil {
		return storageError(op, err)
	}
	s.data = next
	return nil
}

func (s *LocalStore) watch() error {
	fw, err := watcher.NewFileWatcher(reloadDebounce, s.logger)
	if err != nil {
		return err
	}
	fw.AddFilter(watcher.NoTempFilter)
	fw.AddFilter(watcher.NameFilter(s.path))
	if err := fw.AddPath(filepath.Dir(s.path)); err != nil {
		fw.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw.AddHandler(func([]watcher.ChangeEvent) error {
		return s.Reload(ctx)
	})
	fw.Start(ctx)

	s.watcher = fw
	s.cancel = cancel
	return nil
}

// Reload re-reads the data file if its content differs from the last state
// this store wrote or read. A file that fails to decode is ignored.
func (s *LocalStore) Reload(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn(ctx, err, "Data file removed, keeping in-memory records", "path", s.path)
			return nil
		}
		return storageError("reload", err)
	}

	digest := sha256.Sum256(raw)
	s.mu.RLock()
	same := digest == s.digest
	s.mu.RUnlock()
	if same {
		return nil
	}

	data, err := decodeSnapshot(raw)
	if err != nil {
		s.logger.Warn(ctx, err, "Ignoring unreadable data file", "path", s.path)
		return nil
	}

	s.mu.Lock()
	s.data = data
	s.digest = digest
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.StoreReloads.Inc()
	}
	s.logger.Info(ctx, "Reloaded component store", "path", s.path, "components", len(data.Components))
	return nil
}

// Path returns the data file location.
func (s *LocalStore) Path() string { return s.path }

// Backend implements Store.
func (s *LocalStore) Backend() string { return config.BackendLocal }

// Ping implements Store.
func (s *LocalStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// Close stops watching the data file.
func (s *LocalStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

// lookups

func (d *snapshot) component(id, userID string) (int, error) {
	for i := range d.Components {
		if d.Components[i].ID == id {
			if d.Components[i].UserID != userID {
				return -1, errors.ErrUnauthorized()
			}
			return i, nil
		}
	}
	return -1, errors.ErrNotFound("component", id)
}

func (d *snapshot) project(id, userID string) (int, error) {
	for i := range d.Projects {
		if d.Projects[i].ID == id {
			if d.Projects[i].UserID != userID {
				return -1, errors.ErrUnauthorized()
			}
			return i, nil
		}
	}
	return -1, errors.ErrNotFound("project", id)
}

func (d *snapshot) tag(id, userID string) (int, error) {
	for i := range d.Tags {
		if d.Tags[i].ID == id {
			if d.Tags[i].UserID != userID {
				return -1, errors.ErrUnauthorized()
			}
			return i, nil
		}
	}
	return -1, errors.ErrNotFound("tag", id)
}

// components

// Components implements Store. Newest first.
func (s *LocalStore) Components(ctx context.Context, userID string) ([]Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Component{}
	for _, c := range s.data.Components {
		if c.UserID == userID {
			c.Tags = append([]string(nil), c.Tags...)
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Component implements Store.
func (s *LocalStore) Component(ctx context.Context, id, userID string) (*Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, err := s.data.component(id, userID)
	if err != nil {
		return nil, err
	}
	c := s.data.Components[i]
	c.Tags = append([]string(nil), c.Tags...)
	return &c, nil
}

// CreateComponent implements Store.
func (s *LocalStore) CreateComponent(ctx context.Context, userID string, in ComponentInput) (*Component, error) {
	if err := ValidateComponentInput(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := Component{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: in.ProjectID,
		Name:      strings.TrimSpace(in.Name),
		HTML:      in.HTML,
		CSS:       in.CSS,
		JS:        in.JS,
		Tags:      dedupe(in.Tags),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.mutate("create component", func(d *snapshot) error {
		if c.ProjectID != "" {
			if _, err := d.project(c.ProjectID, userID); err != nil {
				return err
			}
		}
		d.Components = append(d.Components, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateComponent implements Store.
func (s *LocalStore) UpdateComponent(ctx context.Context, id, userID string, upd ComponentUpdate) (*Component, error) {
	if err := ValidateComponentUpdate(upd); err != nil {
		return nil, err
	}

	var out Component
	err := s.mutate("update component", func(d *snapshot) error {
		i, err := d.component(id, userID)
		if err != nil {
			return err
		}
		c := &d.Components[i]
		if upd.Name != nil {
			c.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.HTML != nil {
			c.HTML = *upd.HTML
		}
		if upd.CSS != nil {
			c.CSS = *upd.CSS
		}
		if upd.JS != nil {
			c.JS = *upd.JS
		}
		if upd.Tags != nil {
			c.Tags = dedupe(*upd.Tags)
		}
		if upd.ProjectID != nil {
			if *upd.ProjectID != "" {
				if _, err := d.project(*upd.ProjectID, userID); err != nil {
					return err
				}
			}
			c.ProjectID = *upd.ProjectID
		}
		c.UpdatedAt = s.now().UTC()
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteComponent implements Store.
func (s *LocalStore) DeleteComponent(ctx context.Context, id, userID string) error {
	return s.mutate("delete component", func(d *snapshot) error {
		i, err := d.component(id, userID)
		if err != nil {
			return err
		}
		d.Components = append(d.Components[:i], d.Components[i+1:]...)
		return nil
	})
}

// projects

// Projects implements Store. Newest first.
func (s *LocalStore) Projects(ctx context.Context, userID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Project{}
	for _, p := range s.data.Projects {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Project implements Store.
func (s *LocalStore) Project(ctx context.Context, id, userID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, err := s.data.project(id, userID)
	if err != nil {
		return nil, err
	}
	p := s.data.Projects[i]
	return &p, nil
}

// CreateProject implements Store.
func (s *LocalStore) CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, error) {
	if err := ValidateProjectInput(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.mutate("create project", func(d *snapshot) error {
		d.Projects = append(d.Projects, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProject implements Store.
func (s *LocalStore) UpdateProject(ctx context.Context, id, userID string, upd ProjectUpdate) (*Project, error) {
	if err := ValidateProjectUpdate(upd); err != nil {
		return nil, err
	}

	var out Project
	err := s.mutate("update project", func(d *snapshot) error {
		i, err := d.project(id, userID)
		if err != nil {
			return err
		}
		p := &d.Projects[i]
		if upd.Name != nil {
			p.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		p.UpdatedAt = s.now().UTC()
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject implements Store. Components of the project are kept and
// detached from it.
func (s *LocalStore) DeleteProject(ctx context.Context, id, userID string) error {
	return s.mutate("delete project", func(d *snapshot) error {
		i, err := d.project(id, userID)
		if err != nil {
			return err
		}
		d.Projects = append(d.Projects[:i], d.Projects[i+1:]...)

		now := s.now().UTC()
		for j := range d.Components {
			if d.Components[j].ProjectID == id {
				d.Components[j].ProjectID = ""
				d.Components[j].UpdatedAt = now
			}
		}
		return nil
	})
}

// tags

// Tags implements Store. Sorted by name.
func (s *LocalStore) Tags(ctx context.Context, userID string) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Tag{}
	for _, t := range s.data.Tags {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// Tag implements Store.
func (s *LocalStore) Tag(ctx context.Context, id, userID string) (*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, err := s.data.tag(id, userID)
	if err != nil {
		return nil, err
	}
	t := s.data.Tags[i]
	return &t, nil
}

// CreateTag implements Store. Creating a name the user already has, in any
// case, returns the existing tag.
func (s *LocalStore) CreateTag(ctx context.Context, userID string, in TagInput) (*Tag, error) {
	if err := ValidateTagInput(in); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	var out Tag
	err := s.mutate("create tag", func(d *snapshot) error {
		for _, t := range d.Tags {
			if t.UserID == userID && strings.EqualFold(t.Name, name) {
				out = t
				return errUnchanged
			}
		}
		out = Tag{ID: uuid.NewString(), UserID: userID, Name: name, CreatedAt: s.now().UTC()}
		d.Tags = append(d.Tags, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTag implements Store. The tag is also removed from every component.
func (s *LocalStore) DeleteTag(ctx context.Context, id, userID string) error {
	return s.mutate("delete tag", func(d *snapshot) error {
		i, err := d.tag(id, userID)
		if err != nil {
			return err
		}
		d.Tags = append(d.Tags[:i], d.Tags[i+1:]...)

		now := s.now().UTC()
		for j := range d.Components {
			if contains(d.Components[j].Tags, id) {
				d.Components[j].Tags = without(d.Components[j].Tags, id)
				d.Components[j].UpdatedAt = now
			}
		}
		return nil
	})
}

// AddTagToComponent implements Store.
func (s *LocalStore) AddTagToComponent(ctx context.Context, componentID, tagID, userID string) error {
	return s.mutate("tag component", func(d *snapshot) error {
		ti, err := d.tag(tagID, userID)
		if err != nil {
			return err
		}
		ci, err := d.component(componentID, userID)
		if err != nil {
			return err
		}
		c := &d.Components[ci]
		if contains(c.Tags, tagID) || contains(c.Tags, d.Tags[ti].Name) {
			return errUnchanged
		}
		c.Tags = append(c.Tags, tagID)
		c.UpdatedAt = s.now().UTC()
		return nil
	})
}

// RemoveTagFromComponent implements Store. Legacy entries holding the tag
// name instead of its id are removed too.
func (s *LocalStore) RemoveTagFromComponent(ctx context.Context, componentID, tagID, userID string) error {
	return s.mutate("untag component", func(d *snapshot) error {
		ci, err := d.component(componentID, userID)
		if err != nil {
			return err
		}
		c := &d.Components[ci]
		c.Tags = without(c.Tags, tagID)
		for _, t := range d.Tags {
			if t.ID == tagID {
				c.Tags = without(c.Tags, t.Name)
			}
		}
		c.UpdatedAt = s.now().UTC()
		return nil
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != "" && !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
