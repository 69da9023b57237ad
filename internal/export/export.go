// Package export packages stored components as standalone archives that
// open in a browser without snipbox. A bundle holds one component; a
// package combines several into one page.
//
// The bundle holds the component's source exactly as stored. Nothing is
// sanitized: the archive is the user's own code, handed back to them.
package export

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/store"
)

// Format selects the archive container.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// Files in every bundle, relative to the bundle directory.
const (
	IndexFile    = "index.html"
	StyleFile    = "style.css"
	ScriptFile   = "script.js"
	MetadataFile = "component.json"
)

// PackageDir is the directory, and file name stem, of a multi-component
// package. Its metadata lists every component.
const (
	PackageDir          = "components"
	PackageMetadataFile = "components.json"
)

const maxSlugLength = 64

// ParseFormat accepts the format names and the empty string, which means zip.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatZip:
		return FormatZip, nil
	case FormatTarGz, "tgz":
		return FormatTarGz, nil
	case FormatTarZst, "tzst":
		return FormatTarZst, nil
	default:
		return "", errors.NewValidationError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("unsupported export format %q (use zip, tar.gz or tar.zst)", s))
	}
}

// Extension is the file name suffix of the format, without a dot.
func (f Format) Extension() string { return string(f) }

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case FormatTarZst:
		return "application/zstd"
	default:
		return "application/zip"
	}
}

// FileName is the suggested download name for c in format f.
func FileName(c store.Component, f Format) string {
	return Slug(c.Name) + "." + f.Extension()
}

// Metadata is written to component.json.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Files     []string  `json:"files"`
}

type entry struct {
	name string
	data []byte
}

// Slug turns a component name into a lowercase ASCII file name. Accents
// are stripped, other characters become hyphens.
func Slug(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	dash := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLength {
			break
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "component"
	}
	return slug
}

// IndexHTML is the page that loads the component's style and script files
// around its markup.
func IndexHTML(c store.Component) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(c.Name))
	fmt.Fprintf(&b, "<link rel=\"stylesheet\" href=\"%s\">\n", StyleFile)
	b.WriteString("</head>\n<body>\n")
	b.WriteString(c.HTML)
	fmt.Fprintf(&b, "\n<script src=\"%s\"></script>\n", ScriptFile)
	b.WriteString("</body>\n</html>\n")
	return []byte(b.String())
}

func metadataOf(c store.Component, files []string) Metadata {
	return Metadata{
		ID:        c.ID,
		Name:      c.Name,
		ProjectID: c.ProjectID,
		Tags:      c.Tags,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Files:     files,
	}
}

func bundle(c store.Component) ([]entry, error) {
	raw, err := json.MarshalIndent(metadataOf(c, []string{IndexFile, StyleFile, ScriptFile}), "", "  ")
	if err != nil {
		return nil, err
	}

	dir := Slug(c.Name) + "/"
	return []entry{
		{dir + IndexFile, IndexHTML(c)},
		{dir + StyleFile, []byte(c.CSS)},
		{dir + ScriptFile, []byte(c.JS)},
		{dir + MetadataFile, append(raw, '\n')},
	}, nil
}

// Write streams the bundle for c to w in format f.
func Write(w io.Writer, c store.Component, f Format) error {
	entries, err := bundle(c)
	if err != nil {
		return exportError(err)
	}
	return writeArchive(w, entries, c.UpdatedAt, f)
}

// writeArchive writes entries in format f. A zero modified time means now.
func writeArchive(w io.Writer, entries []entry, modified time.Time, f Format) error {
	if modified.IsZero() {
		modified = time.Now()
	}

	var err error
	switch f {
	case FormatZip, "":
		err = writeZip(w, entries, modified)
	case FormatTarGz:
		gz := gzip.NewWriter(w)
		if err = writeTar(gz, entries, modified); err == nil {
			err = gz.Close()
		}
	case FormatTarZst:
		var zw *zstd.Encoder
		if zw, err = zstd.NewWriter(w); err == nil {
			if err = writeTar(zw, entries, modified); err == nil {
				err = zw.Close()
			}
		}
	default:
		_, err = ParseFormat(string(f))
		return err
	}
	if err != nil {
		return exportError(err)
	}
	return nil
}

// PackageFileName is the suggested download name of a package in format f.
func PackageFileName(f Format) string {
	return PackageDir + "." + f.Extension()
}

var commentBreaks = strings.NewReplacer("*/", "* /", "\n", " ", "\r", " ")

// commentName keeps a component name from closing the HTML or CSS/JS
// comment it is written into.
func commentName(name string) string {
	name = commentBreaks.Replace(name)
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "- -")
	}
	return name
}

// PackageFiles combines components into one page, one stylesheet and one
// script. Each component's markup sits in its own .component-N container
// and its script runs in its own function scope, in the given order.
func PackageFiles(components []store.Component) (index, style, script []byte) {
	var h, c, j strings.Builder

	h.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	h.WriteString("<meta charset=\"utf-8\">\n")
	h.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	h.WriteString("<title>Packaged Components</title>\n")
	fmt.Fprintf(&h, "<link rel=\"stylesheet\" href=\"%s\">\n", StyleFile)
	h.WriteString("</head>\n<body>\n")
	c.WriteString("/* Packaged components */\n\n")
	j.WriteString("// Packaged components\n\n")

	for i, comp := range components {
		name := commentName(comp.Name)
		fmt.Fprintf(&h, "<!-- Component: %s -->\n", html.EscapeString(name))
		fmt.Fprintf(&h, "<div class=\"component component-%d\" data-component=\"%s\">\n", i, html.EscapeString(comp.ID))
		h.WriteString(comp.HTML)
		h.WriteString("\n</div>\n\n")

		fmt.Fprintf(&c, "/* Component: %s */\n", name)
		fmt.Fprintf(&c, ".component-%d {\n  display: block;\n}\n\n", i)
		c.WriteString(comp.CSS)
		c.WriteString("\n\n")

		fmt.Fprintf(&j, "/* Component: %s */\n", name)
		j.WriteString("(function () {\n")
		j.WriteString(comp.JS)
		j.WriteString("\n})();\n\n")
	}

	fmt.Fprintf(&h, "<script src=\"%s\"></script>\n", ScriptFile)
	h.WriteString("</body>\n</html>\n")
	return []byte(h.String()), []byte(c.String()), []byte(j.String())
}

// WriteMulti streams one package holding every component to w in format f.
// At least one component is required.
func WriteMulti(w io.Writer, components []store.Component, f Format) error {
	if len(components) == 0 {
		return errors.NewValidationError(errors.ErrCodeValidationFailed, "at least one component is required")
	}

	metas := make([]Metadata, 0, len(components))
	var modified time.Time
	for _, comp := range components {
		metas = append(metas, metadataOf(comp, []string{IndexFile, StyleFile, ScriptFile}))
		if comp.UpdatedAt.After(modified) {
			modified = comp.UpdatedAt
		}
	}
	raw, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return exportError(err)
	}

	index, style, script := PackageFiles(components)
	dir := PackageDir + "/"
	entries := []entry{
		{dir + IndexFile, index},
		{dir + StyleFile, style},
		{dir + ScriptFile, script},
		{dir + PackageMetadataFile, append(raw, '\n')},
	}
	return writeArchive(w, entries, modified, f)
}

// BundleMulti returns the package archive bytes.
func BundleMulti(components []store.Component, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMulti(&buf, components, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteBundle writes the zip bundle for c.
func WriteBundle(w io.Writer, c store.Component) error {
	return Write(w, c, FormatZip)
}

// Bundle returns the archive bytes.
func Bundle(c store.Component, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, c, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeZip(w io.Writer, entries []entry, modified time.Time) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return err
		}
		if _, err := fw.Write(e.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeTar(w io.Writer, entries []entry, modified time.Time) error {
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.data)),
			ModTime:  modified,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(e.data); err != nil {
			return err
		}
	}
	return tw.Close()
}

func exportError(cause error) error {
	return errors.NewIOError(errors.ErrCodeInternalError, "export failed", cause).WithComponent("export")
}
