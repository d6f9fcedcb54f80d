// Package dashboard serves the single static monitoring page, embedded into
// the binary so the service ships with no external asset directory.
package dashboard

import (
	"embed"
	"net/http"
)

//go:embed static/index.html
var staticFS embed.FS

// Handler returns an http.Handler that serves the dashboard page for any
// path it is mounted on.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	})
}
