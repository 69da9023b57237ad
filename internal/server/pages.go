package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/export"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/preview"
	"github.com/conneroisu/snipbox/internal/refresh"
	"github.com/conneroisu/snipbox/internal/store"
)

// newComponentID opens the editor on an unsaved component.
const newComponentID = "new"

const pageStyle = `
body{margin:0;font-family:system-ui,sans-serif;background:#f6f7f9;color:#1f2328}
header{display:flex;gap:1rem;align-items:center;padding:.75rem 1.5rem;background:#fff;border-bottom:1px solid #ddd}
header a{color:inherit;text-decoration:none}
main{padding:1.5rem}
.grid{display:grid;grid-template-columns:repeat(auto-fill,minmax(320px,1fr));gap:1rem}
.card{background:#fff;border:1px solid #ddd;border-radius:6px;padding:1rem}
.card h2{font-size:1rem;margin:0 0 .5rem}
.tag{display:inline-block;font-size:.75rem;background:#eef;border-radius:3px;padding:0 .4rem;margin-right:.25rem}
.actions{display:flex;gap:.75rem;margin-top:.5rem;font-size:.875rem}
.editor{display:grid;grid-template-columns:1fr 1fr;gap:1rem}
.editor textarea{width:100%;min-height:10rem;font-family:ui-monospace,monospace}
pre{background:#fff;border:1px solid #ddd;padding:.75rem;overflow:auto}
.warnings{color:#9a6700;font-size:.875rem}
`

type card struct {
	component store.Component
	tags      []string
	frame     templ.Component
}

func write(w io.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

func layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := write(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`,
			`<meta name="viewport" content="width=device-width, initial-scale=1">`,
			`<title>`, templ.EscapeString(title), ` · snipbox</title><style>`, pageStyle, `</style></head><body>`,
			`<header><a href="/"><strong>snipbox</strong></a><a href="/editor/new">New component</a></header><main>`); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		return write(w, `</main></body></html>`)
	})
}

func tagList(names []string) string {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(`<span class="tag">` + templ.EscapeString(n) + `</span>`)
	}
	return b.String()
}

// dashboardView lists cards under a search form. query is echoed back as
// typed; the filter decides which empty-state message applies.
func dashboardView(query string, filter componentFilter, cards []card) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := write(w, `<form class="search" method="get" action="/" role="search">`,
			`<input type="search" name="q" placeholder="Search by name or tag" value="`, templ.EscapeString(query), `">`); err != nil {
			return err
		}
		for _, hidden := range [][2]string{{"project", filter.project}, {"tag", filter.tag}} {
			if hidden[1] == "" {
				continue
			}
			if err := write(w, `<input type="hidden" name="`, hidden[0], `" value="`, templ.EscapeString(hidden[1]), `">`); err != nil {
				return err
			}
		}
		if err := write(w, `<button type="submit">Search</button></form>`); err != nil {
			return err
		}

		if len(cards) == 0 {
			if !filter.empty() {
				return write(w, `<p data-snipbox-empty>No components match. <a href="/">Show all</a>.</p>`)
			}
			return write(w, `<p data-snipbox-empty>No components yet. <a href="/editor/new">Create one</a>.</p>`)
		}
		if err := write(w, `<div class="grid">`); err != nil {
			return err
		}
		for _, c := range cards {
			id := templ.EscapeString(c.component.ID)
			if err := write(w, `<article class="card" data-component="`, id, `"><h2>`,
				templ.EscapeString(c.component.Name), `</h2>`, tagList(c.tags)); err != nil {
				return err
			}
			if err := c.frame.Render(ctx, w); err != nil {
				return err
			}
			if err := write(w, `<div class="actions"><a href="/components/`, id, `">View</a><a href="/editor/`, id,
				`">Edit</a><a href="/api/components/`, id, `/export">Export</a></div></article>`); err != nil {
				return err
			}
		}
		return write(w, `</div>`)
	})
}

func viewerView(c store.Component, tags []string, frame templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		id := templ.EscapeString(c.ID)
		if err := write(w, `<section data-snipbox-viewer="`, id, `"><h1>`, templ.EscapeString(c.Name), `</h1>`,
			tagList(tags), `<div class="actions"><a href="/editor/`, id, `">Edit</a>`); err != nil {
			return err
		}
		for _, f := range []export.Format{export.FormatZip, export.FormatTarGz, export.FormatTarZst} {
			if err := write(w, `<a href="/api/components/`, id, `/export?format=`, string(f), `">Download .`,
				f.Extension(), `</a>`); err != nil {
				return err
			}
		}
		if err := write(w, `</div><div class="preview">`); err != nil {
			return err
		}
		if err := frame.Render(ctx, w); err != nil {
			return err
		}
		return write(w, `</div>`,
			`<h2>HTML</h2><pre data-source="html"><code>`, templ.EscapeString(c.HTML), `</code></pre>`,
			`<h2>CSS</h2><pre data-source="css"><code>`, templ.EscapeString(c.CSS), `</code></pre>`,
			`<h2>JavaScript</h2><pre data-source="js"><code>`, templ.EscapeString(c.JS), `</code></pre></section>`)
	})
}

// editorScript debounces edits by 500ms and streams them over the live
// preview socket. Each remount message replaces the frame wholesale; a
// resize only restyles the mounted frame.
const editorScript = `<script>
(function () {
  var root = document.querySelector('[data-snipbox-editor]');
  var id = root.dataset.component, session = root.dataset.session;
  var host = document.getElementById('preview'), notes = document.getElementById('warnings');
  var name = document.getElementById('name');
  var src = { html: document.getElementById('src-html'), css: document.getElementById('src-css'), js: document.getElementById('src-js') };
  var ws, timer;
  function payload() { return { html: src.html.value, css: src.css.value, js: src.js.value }; }
  function warn(list) { notes.textContent = (list || []).join('\n'); }
  function send() { if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify(payload())); }
  function schedule() { clearTimeout(timer); timer = setTimeout(send, 500); }
  function connect() {
    var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    ws = new WebSocket(proto + location.host + '/ws?session=' + encodeURIComponent(session));
    ws.onopen = send;
    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type === 'remount') { host.innerHTML = msg.frame; warn(msg.warnings); }
      else if (msg.type === 'resize') {
        var frame = host.querySelector('iframe[data-handle="' + msg.handle + '"]');
        if (frame) { frame.style.width = msg.width; frame.style.height = msg.height; }
      }
      else if (msg.type === 'error') { warn([msg.error]); }
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  Object.keys(src).forEach(function (k) { src[k].addEventListener('input', schedule); });
  document.getElementById('save').addEventListener('click', function () {
    var body = payload(); body.name = name.value;
    var isNew = id === 'new';
    fetch(isNew ? '/api/components' : '/api/components/' + encodeURIComponent(id), {
      method: isNew ? 'POST' : 'PUT',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify(body)
    }).then(function (r) { return r.json().then(function (j) { return { ok: r.ok, body: j }; }); })
      .then(function (res) {
        if (!res.ok) { warn([res.body.error]); return; }
        if (isNew) location.href = '/editor/' + encodeURIComponent(res.body.id);
        else warn(['Saved']);
      });
  });
  connect();
})();
</script>`

func editorView(c store.Component, session string, frame templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := write(w, `<section data-snipbox-editor data-component="`, templ.EscapeString(c.ID),
			`" data-session="`, templ.EscapeString(session), `">`,
			`<p><input id="name" placeholder="Component name" value="`, templ.EscapeString(c.Name), `">`,
			` <button id="save" type="button">Save</button></p><div class="editor"><div>`,
			`<label>HTML<textarea id="src-html" spellcheck="false">`, templ.EscapeString(c.HTML), `</textarea></label>`,
			`<label>CSS<textarea id="src-css" spellcheck="false">`, templ.EscapeString(c.CSS), `</textarea></label>`,
			`<label>JavaScript<textarea id="src-js" spellcheck="false">`, templ.EscapeString(c.JS), `</textarea></label>`,
			`</div><div><div id="preview">`); err != nil {
			return err
		}
		if err := frame.Render(ctx, w); err != nil {
			return err
		}
		return write(w, `</div><pre id="warnings" class="warnings"></pre></div></div></section>`, editorScript)
	})
}

func errorView(status int, message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return write(w, `<section data-snipbox-error="`, http.StatusText(status), `"><h1>`,
			templ.EscapeString(http.StatusText(status)), `</h1><p>`, templ.EscapeString(message),
			`</p><p><a href="/">Back to dashboard</a></p></section>`)
	})
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, title string, body templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := layout(title, body).Render(r.Context(), w); err != nil {
		s.logger.Error(r.Context(), err, "Failed to render page", "path", r.URL.Path)
	}
}

func (s *Server) failPage(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	message := "The page could not be loaded."
	if te, ok := errors.AsError(err); ok && status < http.StatusInternalServerError {
		message = te.Message
	}
	s.errs.Handle(r.Context(), err, "path", r.URL.Path)
	s.renderPage(w, r, status, http.StatusText(status), errorView(status, message))
}

// tagNames resolves the tag references of c. Entries that match no tag are
// shown as stored.
func tagNames(c store.Component, tags []store.Tag) []string {
	byID := make(map[string]string, len(tags))
	for _, t := range tags {
		byID[t.ID] = t.Name
	}
	names := make([]string, 0, len(c.Tags))
	for _, ref := range c.Tags {
		if n, ok := byID[ref]; ok {
			names = append(names, n)
		} else {
			names = append(names, ref)
		}
	}
	return names
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	components, err := s.store.Components(r.Context(), user)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	tags, err := s.store.Tags(r.Context(), user)
	if err != nil {
		s.failPage(w, r, err)
		return
	}

	filter := filterFrom(r)
	if !filter.empty() {
		components = filter.apply(components, tags)
	}
	cards := make([]card, 0, len(components))
	for _, c := range components {
		// every card is its own hosting view
		res, err := s.pipeline.RenderContext(r.Context(), refresh.NewController(), componentRequest(c), capabilityFor(r))
		if err != nil {
			s.failPage(w, r, err)
			return
		}
		cards = append(cards, card{component: c, tags: tagNames(c, tags), frame: res.Frame})
	}

	s.renderPage(w, r, http.StatusOK, "Components", dashboardView(r.URL.Query().Get("q"), filter, cards))
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	c, err := s.store.Component(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	tags, err := s.store.Tags(r.Context(), user)
	if err != nil {
		s.failPage(w, r, err)
		return
	}

	res, err := s.pipeline.RenderContext(r.Context(), refresh.NewController(), componentRequest(*c), capabilityFor(r))
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, c.Name, viewerView(*c, tagNames(*c, tags), res.Frame))
}

// handleEditor serves the editor with a placeholder where the preview will
// be. The page's socket mounts the first frame once the browser is up.
func (s *Server) handleEditor(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.failPage(w, r, err)
		return
	}

	c := &store.Component{ID: newComponentID}
	if id := r.PathValue("id"); id != newComponentID {
		if c, err = s.store.Component(r.Context(), id, user); err != nil {
			s.failPage(w, r, err)
			return
		}
	}

	session := preview.NewSessionID()
	res, err := s.pipeline.RenderContext(r.Context(), s.controllerFor(user, session), componentRequest(*c), isolation.Never())
	if err != nil {
		s.failPage(w, r, err)
		return
	}

	title := c.Name
	if title == "" {
		title = "New component"
	}
	s.renderPage(w, r, http.StatusOK, title, editorView(*c, session, res.Frame))
}
