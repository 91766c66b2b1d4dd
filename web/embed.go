// Package web serves the built wizard frontend from dist/.
//
// Client-side routes such as /wizard/<sessionId> and /sites resolve to
// index.html. Paths that look like files, and paths under the API
// prefixes, never do: a missing bundle chunk or a mistyped endpoint
// gets a 404 instead of an HTML page the caller cannot parse.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// APIPrefixes are path prefixes owned by the JSON API.
var APIPrefixes = []string{"/customer/", "/admin/", "/auth/", "/health"}

// SPAHandler returns the handler for everything the API router does not match.
func SPAHandler() http.Handler {
	dist, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dist missing from embedded files: " + err.Error())
	}
	return newFrontend(dist, APIPrefixes)
}

type frontend struct {
	files       fs.FS
	fileServer  http.Handler
	apiPrefixes []string
}

func newFrontend(files fs.FS, apiPrefixes []string) *frontend {
	return &frontend{
		files:       files,
		fileServer:  http.FileServer(http.FS(files)),
		apiPrefixes: apiPrefixes,
	}
}

func (f *frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	for _, p := range f.apiPrefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"not found"}` + "\n"))
			return
		}
	}

	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name != "" && name != "index.html" {
		if st, err := fs.Stat(f.files, name); err == nil && !st.IsDir() {
			if strings.HasPrefix(name, "assets/") {
				// Vite emits content-hashed names under assets/.
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			}
			f.fileServer.ServeHTTP(w, r)
			return
		}
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
	}

	f.serveIndex(w, r)
}

// serveIndex writes index.html directly; FileServer would redirect
// /index.html to /.
func (f *frontend) serveIndex(w http.ResponseWriter, r *http.Request) {
	index, err := fs.ReadFile(f.files, "index.html")
	if err != nil {
		http.Error(w, "frontend not built", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(index)
}
