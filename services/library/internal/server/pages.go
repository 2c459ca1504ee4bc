package server

import (
	"bytes"
	"embed"
	"html/template"
	"math/rand/v2"
	"net/http"
	"strings"

	"bibliotec/internal/util"
)

//go:embed pages/*.html
var pageFS embed.FS

var pages = template.Must(template.ParseFS(pageFS, "pages/*.html"))

var homeIcons = []string{"📚", "🧮", "📕", "📖"}

type pageData struct {
	Title      string
	Icon       string
	AppVersion string
	Status     int
	Confirmed  bool
	Name       string
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	renderPage(w, r, http.StatusOK, "home", pageData{
		Title: "Bibliotec",
		Icon:  homeIcons[rand.IntN(len(homeIcons))],
	})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	renderPage(w, r, http.StatusOK, "about", pageData{
		Title:      "Bibliotec | About",
		AppVersion: s.appVersion,
	})
}

func renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		util.LoggerFromContext(r.Context()).Error("page_render_failed", "page", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
