// Package web serves the cowork console's static assets.
package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		if s.isAppRoute(r.URL.Path) {
			http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// isAppRoute reports whether the path is a client-side route rather than an
// asset, so the console's index can take over.
func (s *Server) isAppRoute(path string) bool {
	if path == "/" || strings.Contains(filepath.Base(path), ".") {
		return false
	}
	if _, err := os.Stat(filepath.Join(s.Dir, filepath.Clean(path))); err == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Dir, "index.html"))
	return err == nil
}
