package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
)

const testAPIKey = "anon-key"

// fakeREST is a small in-memory PostgREST: eq. and cs. filters, ordering,
// and return=representation.
type fakeREST struct {
	mu       sync.Mutex
	tables   map[string][]map[string]interface{}
	seq      int
	failures int
	methods  []string
}

func newFakeREST() *fakeREST {
	return &fakeREST{tables: map[string][]map[string]interface{}{}}
}

func (f *fakeREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.methods = append(f.methods, r.Method)
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("apikey") != testAPIKey || r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Invalid API key"}`)
		return
	}
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"message":"overloaded"}`)
		return
	}

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	query := r.URL.Query()
	representation := r.Header.Get("Prefer") == "return=representation"

	switch r.Method {
	case http.MethodGet:
		rows := f.match(table, query)
		switch query.Get("order") {
		case "created_at.desc":
			sort.SliceStable(rows, func(i, j int) bool {
				return rows[i]["created_at"].(string) > rows[j]["created_at"].(string)
			})
		case "name.asc":
			sort.SliceStable(rows, func(i, j int) bool {
				return rows[i]["name"].(string) < rows[j]["name"].(string)
			})
		}
		json.NewEncoder(w).Encode(rows)

	case http.MethodPost:
		var row map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"message":%q}`, err.Error())
			return
		}
		if name, _ := row["name"].(string); name == "reject" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":"23514","message":"check constraint violated"}`)
			return
		}
		f.seq++
		stamp := time.Date(2024, 1, 1, 0, 0, f.seq, 0, time.UTC).Format(time.RFC3339)
		row["id"] = fmt.Sprintf("%s-%d", table, f.seq)
		row["created_at"] = stamp
		if table != tagsTable {
			row["updated_at"] = stamp
		}
		f.tables[table] = append(f.tables[table], row)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]map[string]interface{}{row})

	case http.MethodPatch:
		var patch map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rows := f.match(table, query)
		for _, row := range rows {
			for k, v := range patch {
				row[k] = v
			}
		}
		if !representation {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(rows)

	case http.MethodDelete:
		removed := f.match(table, query)
		kept := f.tables[table][:0]
		for _, row := range f.tables[table] {
			if !f.matches(row, query) {
				kept = append(kept, row)
			}
		}
		f.tables[table] = kept
		json.NewEncoder(w).Encode(removed)
	}
}

func (f *fakeREST) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.methods)
}

func (f *fakeREST) match(table string, query map[string][]string) []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, row := range f.tables[table] {
		if f.matches(row, query) {
			out = append(out, row)
		}
	}
	return out
}

func (f *fakeREST) matches(row map[string]interface{}, query map[string][]string) bool {
	for key, values := range query {
		if key == "select" || key == "order" || key == "limit" {
			continue
		}
		v := values[0]
		switch {
		case strings.HasPrefix(v, "eq."):
			if fmt.Sprint(row[key]) != strings.TrimPrefix(v, "eq.") {
				return false
			}
		case strings.HasPrefix(v, "cs.{"):
			want := strings.TrimSuffix(strings.TrimPrefix(v, "cs.{"), "}")
			list, _ := row[key].([]interface{})
			found := false
			for _, item := range list {
				if item == want {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func newRemote(t *testing.T, fake http.Handler, retries int) *RemoteStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewRemote(config.RemoteConfig{
		URL:     srv.URL + "/rest/v1/",
		APIKey:  testAPIKey,
		Timeout: 5 * time.Second,
		Retries: retries,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestNewRemote_RequiresURL(t *testing.T) {
	_, err := NewRemote(config.RemoteConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))
}

func TestRemoteStore_ComponentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newRemote(t, newFakeREST(), 0)

	first, err := s.CreateComponent(ctx, "u1", ComponentInput{Name: " Card ", HTML: "<div></div>"})
	require.NoError(t, err)
	assert.Equal(t, "Card", first.Name)
	assert.Equal(t, "u1", first.UserID)
	assert.NotEmpty(t, first.ID)

	second, err := s.CreateComponent(ctx, "u1", ComponentInput{Name: "Button"})
	require.NoError(t, err)
	_, err = s.CreateComponent(ctx, "u2", ComponentInput{Name: "Elsewhere"})
	require.NoError(t, err)

	list, err := s.Components(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")

	updated, err := s.UpdateComponent(ctx, first.ID, "u1", ComponentUpdate{JS: strptr("console.log(1)")})
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", updated.JS)
	assert.Equal(t, "Card", updated.Name)

	_, err = s.Component(ctx, first.ID, "u2")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound), "rows of other users are invisible")

	require.NoError(t, s.DeleteComponent(ctx, first.ID, "u1"))
	err = s.DeleteComponent(ctx, first.ID, "u1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = s.UpdateComponent(ctx, "missing", "u1", ComponentUpdate{Name: strptr("x")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestRemoteStore_ValidatesBeforeSending(t *testing.T) {
	fake := newFakeREST()
	s := newRemote(t, fake, 0)

	_, err := s.CreateComponent(context.Background(), "u", ComponentInput{Name: ""})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
	assert.Zero(t, fake.calls())
}

func TestRemoteStore_ProjectsAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newRemote(t, newFakeREST(), 0)

	p, err := s.CreateProject(ctx, "u", ProjectInput{Name: "Site"})
	require.NoError(t, err)

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Nav", ProjectID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, p.ID, c.ProjectID)

	renamed, err := s.UpdateProject(ctx, p.ID, "u", ProjectUpdate{Name: strptr("Website")})
	require.NoError(t, err)
	assert.Equal(t, "Website", renamed.Name)

	require.NoError(t, s.DeleteProject(ctx, p.ID, "u"))

	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Empty(t, got.ProjectID)

	projects, err := s.Projects(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestRemoteStore_Tags(t *testing.T) {
	ctx := context.Background()
	s := newRemote(t, newFakeREST(), 0)

	beta, err := s.CreateTag(ctx, "u", TagInput{Name: "beta"})
	require.NoError(t, err)
	alpha, err := s.CreateTag(ctx, "u", TagInput{Name: "alpha"})
	require.NoError(t, err)

	dup, err := s.CreateTag(ctx, "u", TagInput{Name: "BETA"})
	require.NoError(t, err)
	assert.Equal(t, beta.ID, dup.ID)

	tags, err := s.Tags(ctx, "u")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "alpha", tags[0].Name)

	c, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "Box"})
	require.NoError(t, err)
	require.NoError(t, s.AddTagToComponent(ctx, c.ID, alpha.ID, "u"))
	require.NoError(t, s.AddTagToComponent(ctx, c.ID, beta.ID, "u"))
	require.NoError(t, s.AddTagToComponent(ctx, c.ID, beta.ID, "u"))

	got, err := s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{alpha.ID, beta.ID}, got.Tags)

	require.NoError(t, s.RemoveTagFromComponent(ctx, c.ID, alpha.ID, "u"))
	require.NoError(t, s.DeleteTag(ctx, beta.ID, "u"))

	got, err = s.Component(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Empty(t, got.Tags)

	_, err = s.Tag(ctx, beta.ID, "u")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestRemoteStore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("bad key", func(t *testing.T) {
		srv := httptest.NewServer(newFakeREST())
		defer srv.Close()
		s, err := NewRemote(config.RemoteConfig{URL: srv.URL + "/rest/v1", APIKey: "wrong"}, nil)
		require.NoError(t, err)

		_, err = s.Components(ctx, "u")
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
	})

	t.Run("no rows", func(t *testing.T) {
		s := newRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotAcceptable)
			fmt.Fprint(w, `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`)
		}), 0)
		_, err := s.Components(ctx, "u")
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("rejected", func(t *testing.T) {
		s := newRemote(t, newFakeREST(), 0)
		_, err := s.CreateComponent(ctx, "u", ComponentInput{Name: "reject"})
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
		assert.Contains(t, err.Error(), "check constraint violated")
	})

	t.Run("server failure", func(t *testing.T) {
		fake := newFakeREST()
		fake.failures = 100
		s := newRemote(t, fake, 1)

		err := s.Ping(ctx)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeStorage))
		assert.Equal(t, 2, fake.calls(), "one attempt plus one retry")
	})
}

func TestRemoteStore_RetriesTransientFailures(t *testing.T) {
	fake := newFakeREST()
	fake.failures = 2
	s := newRemote(t, fake, 2)

	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 3, fake.calls())
	assert.Equal(t, "remote", s.Backend())
}
