package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/monitoring"
)

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newLocal(t *testing.T, seed bool) (*LocalStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := OpenLocal(context.Background(), path, LocalOptions{Seed: seed, Now: c.now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func strptr(s string) *string { return &s }

func TestOpenLocal_Seed(t *testing.T) {
	ctx := context.Background()
	s, path := newLocal(t, true)

	components, err := s.Components(ctx, DefaultUserID)
	require.NoError(t, err)
	assert.Len(t, components, 3)

	projects, err := s.Projects(ctx, DefaultUserID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Demo Project", projects[0].Name)

	tags, err := s.Tags(ctx, DefaultUserID)
	require.NoError(t, err)
	assert.Len(t, tags, 6)

	_, err = os.Stat(path)
	assert.NoError(t, err, "seeded data should be written to disk")

	other, err := s.Components(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestOpenLocal_NoSeed(t *testing.T) {
	s, _ := newLocal(t, false)
	components, err := s.Components(context.Background(), DefaultUserID)
	require.NoError(t, err)
	assert.NotNil(t, components)
	assert.Empty(t, components)
}

func TestOpenLocal_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenLocal(context.Background(), path, LocalOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorage))
}

func TestOpenLocal_FutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o600))

	_, err := OpenLocal(context.Background(), path, LocalOptions{})
	assert.Error(t, err)
}

func TestLocalStore_ComponentCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	first, err := s.CreateComponent(ctx, "u1", ComponentInput{Name: "  Card  ", HTML: "<div>card</div>"})
	require.NoError(t, err)
	assert.Equal(t, "Card", first.Name)
	assert.Equal(t, "u1", first.UserID)
	assert.Len(t, first.ID, 36)

	second, err := s.CreateComponent(ctx, "u1", ComponentInput{Name: "Button", Tags: []string{"a", "a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, second.Tags)

	list, err := s.Components(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Button", list[0].Name, "newest first")
	assert.Equal(t, "Card", list[1].Name)

	updated, err := s.UpdateComponent(ctx, first.ID, "u1", ComponentUpdate{CSS: strptr("div{color:red}")})
	require.NoError(t, err)
	assert.Equal(t, "Card", updated.Name)
	assert.Equal(t, "div{color:red}", updated.CSS)
	assert.True(t, updated.UpdatedAt.After(first.UpdatedAt))

	got, err := s.Component(ctx, first.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	require.NoError(t, s.DeleteComponent(ctx, first.ID, "u1"))
	_, err = s.Component(ctx, first.ID, "u1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestLocalStore_Ownership(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	c, err := s.CreateComponent(ctx, "owner", ComponentInput{Name: "Mine"})
	require.NoError(t, err)

	_, err = s.Component(ctx, c.ID, "intruder")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	_, err = s.UpdateComponent(ctx, c.ID, "intruder", ComponentUpdate{Name: strptr("Theirs")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	err = s.DeleteComponent(ctx, c.ID, "intruder")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	got, err := s.Component(ctx, c.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, "Mine", got.Name)
}

func TestLocalStore_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	tests := []struct {
		name string
		run  func() error
	}{
		{"empty component name", func() error {
			_, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "   "})
			return err
		}},
		{"long component name", func() error {
			_, err := s.CreateComponent(ctx, "u", ComponentInput{Name: string(make([]rune, 101))})
			return err
		}},
		{"long project description", func() error {
			desc := make([]byte, ProjectDescMax+1)
			for i := range desc {
				desc[i] = 'x'
			}
			_, err := s.CreateProject(ctx, "u", ProjectInput{Name: "p", Description: string(desc)})
			return err
		}},
		{"long tag", func() error {
			_, err := s.CreateTag(ctx, "u", TagInput{Name: "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz"})
			return err
		}},
		{"empty update name", func() error {
			_, err := s.UpdateComponent(ctx, "missing", "u", ComponentUpdate{Name: strptr("")})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "got %v", err)
		})
	}
}

func TestLocalStore_ProjectMembership(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	_, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Orphan", ProjectID: "nope"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	p, err := s.CreateProject(ctx, "u", ProjectInput{Name: "Site", Description: "landing page"})
	require.NoError(t, err)

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Header", ProjectID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, p.ID, c.ProjectID)

	detached, err := s.UpdateComponent(ctx, c.ID, "u", ComponentUpdate{ProjectID: strptr("")})
	require.NoError(t, err)
	assert.Empty(t, detached.ProjectID)

	_, err = s.UpdateComponent(ctx, c.ID, "u", ComponentUpdate{ProjectID: strptr(p.ID)})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID, "u"))

	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err, "components survive their project")
	assert.Empty(t, got.ProjectID)

	_, err = s.Project(ctx, p.ID, "u")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestLocalStore_UpdateProject(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	p, err := s.CreateProject(ctx, "u", ProjectInput{Name: "Old"})
	require.NoError(t, err)

	updated, err := s.UpdateProject(ctx, p.ID, "u", ProjectUpdate{Name: strptr("New"), Description: strptr("desc")})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Name)
	assert.Equal(t, "desc", updated.Description)

	_, err = s.UpdateProject(ctx, p.ID, "other", ProjectUpdate{Name: strptr("x")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
}

func TestLocalStore_Tags(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	zeta, err := s.CreateTag(ctx, "u", TagInput{Name: "zeta"})
	require.NoError(t, err)
	alpha, err := s.CreateTag(ctx, "u", TagInput{Name: "Alpha"})
	require.NoError(t, err)

	again, err := s.CreateTag(ctx, "u", TagInput{Name: " ALPHA "})
	require.NoError(t, err)
	assert.Equal(t, alpha.ID, again.ID, "names are unique ignoring case")

	tags, err := s.Tags(ctx, "u")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "Alpha", tags[0].Name)
	assert.Equal(t, "zeta", tags[1].Name)

	theirs, err := s.CreateTag(ctx, "v", TagInput{Name: "alpha"})
	require.NoError(t, err)
	assert.NotEqual(t, alpha.ID, theirs.ID, "other users have their own tags")

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Box"})
	require.NoError(t, err)

	require.NoError(t, s.AddTagToComponent(ctx, c.ID, alpha.ID, "u"))
	require.NoError(t, s.AddTagToComponent(ctx, c.ID, alpha.ID, "u"))
	require.NoError(t, s.AddTagToComponent(ctx, c.ID, zeta.ID, "u"))

	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{alpha.ID, zeta.ID}, got.Tags)

	err = s.AddTagToComponent(ctx, c.ID, theirs.ID, "u")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	require.NoError(t, s.RemoveTagFromComponent(ctx, c.ID, alpha.ID, "u"))
	got, err = s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{zeta.ID}, got.Tags)

	require.NoError(t, s.DeleteTag(ctx, zeta.ID, "u"))
	got, err = s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Empty(t, got.Tags)

	_, err = s.Tag(ctx, zeta.ID, "u")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestLocalStore_RemoveTagByName(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	tag, err := s.CreateTag(ctx, "u", TagInput{Name: "legacy"})
	require.NoError(t, err)
	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Old", Tags: []string{"legacy", "keep"}})
	require.NoError(t, err)

	require.NoError(t, s.AddTagToComponent(ctx, c.ID, tag.ID, "u"))
	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy", "keep"}, got.Tags, "a name entry counts as tagged")

	require.NoError(t, s.RemoveTagFromComponent(ctx, c.ID, tag.ID, "u"))
	got, err = s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, got.Tags)
}

func TestLocalStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t, false)

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Box", Tags: []string{"a"}})
	require.NoError(t, err)

	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	got.Tags[0] = "mutated"
	got.Name = "mutated"

	again, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, "Box", again.Name)
	assert.Equal(t, []string{"a"}, again.Tags)
}

func TestLocalStore_Persistence(t *testing.T) {
	ctx := context.Background()
	s, path := newLocal(t, false)

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Saved", HTML: "<p>x</p>"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenLocal(ctx, path, LocalOptions{Seed: true})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", got.HTML)

	seeded, err := reopened.Components(ctx, DefaultUserID)
	require.NoError(t, err)
	assert.Empty(t, seeded, "an existing file is never reseeded")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	assert.Equal(t, "data.json", entries[0].Name())
}

func TestLocalStore_Reload(t *testing.T) {
	ctx := context.Background()
	metrics := monitoring.NewMetrics()
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := OpenLocal(ctx, path, LocalOptions{Metrics: metrics})
	require.NoError(t, err)
	defer s.Close()

	// Writes made by the store itself are not reloads.
	_, err = s.CreateComponent(ctx, "u", ComponentInput{Name: "Mine"})
	require.NoError(t, err)
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, 0.0, counterValue(t, metrics, "snipbox_store_reloads_total"))

	external := `{"version":1,"components":[{"id":"ext","user_id":"u","name":"External","html":"","css":"","js":"","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}]}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o600))
	require.NoError(t, s.Reload(ctx))

	list, err := s.Components(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "External", list[0].Name)
	assert.Equal(t, 1.0, counterValue(t, metrics, "snipbox_store_reloads_total"))

	// A broken edit keeps the last good state.
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	require.NoError(t, s.Reload(ctx))
	list, err = s.Components(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLocalStore_WatchPicksUpEdits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := OpenLocal(ctx, path, LocalOptions{Watch: true})
	require.NoError(t, err)
	defer s.Close()

	external := `{"version":1,"tags":[{"id":"t1","user_id":"u","name":"watched","created_at":"2024-01-01T00:00:00Z"}]}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o600))

	assert.Eventually(t, func() bool {
		tags, err := s.Tags(ctx, "u")
		return err == nil && len(tags) == 1 && tags[0].Name == "watched"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLocalStore_Ping(t *testing.T) {
	s, path := newLocal(t, false)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "local", s.Backend())
	assert.Equal(t, path, s.Path())

	require.NoError(t, os.Remove(path))
	assert.Error(t, s.Ping(context.Background()))
}

func counterValue(t *testing.T, m *monitoring.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
