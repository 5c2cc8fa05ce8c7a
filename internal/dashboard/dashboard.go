// Package dashboard serves the embedded ops page on the control
// listener. The page polls the operator API; all state lives there.
package dashboard

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
)

//go:embed all:static
var staticFiles embed.FS

// Handler serves the dashboard UI.
type Handler struct {
	fileServer http.Handler
}

// New creates a new dashboard handler.
func New() *Handler {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		slog.Error("failed to get static subdirectory", "error", err)
	}

	return &Handler{
		fileServer: http.FileServer(http.FS(staticFS)),
	}
}

// ServeHTTP serves the dashboard files.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" || path == "" || path == "/index.html" {
		h.serveIndex(w, r)
		return
	}

	h.fileServer.ServeHTTP(w, r)
}

// serveIndex serves the index.html file directly.
func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	content, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}
