// Package webassets embeds the injected toolbar stub and the portal
// page template. Grounded on the teacher's main.go (`//go:embed web` +
// fs.Sub + http.FileServer(http.FS(...))), reused verbatim for serving
// `P/toolbar.js` and friends; contents are placeholders since the
// actual browser-side toolbar behavior is out of scope (§1).
package webassets

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
	"net/http"
)

//go:embed web
var webFiles embed.FS

// FS returns the embedded static asset filesystem rooted at "web".
func FS() (fs.FS, error) {
	return fs.Sub(webFiles, "web")
}

// FileServer returns an http.Handler serving the embedded static
// assets (toolbar.js, toolbar.css).
func FileServer() (http.Handler, error) {
	sub, err := FS()
	if err != nil {
		return nil, err
	}
	return http.FileServer(http.FS(sub)), nil
}

var portalTemplate = template.Must(template.ParseFS(webFiles, "web/portal.html.tmpl"))

// PortalSession is one row rendered on the portal page.
type PortalSession struct {
	Name string
	Path string
}

// PortalData is the template context for the portal page (§4.F route 1).
type PortalData struct {
	BasePath string
	Sessions []PortalSession
}

// RenderPortal writes the portal HTML page to w.
func RenderPortal(w io.Writer, data PortalData) error {
	return portalTemplate.ExecuteTemplate(w, "portal.html.tmpl", data)
}
