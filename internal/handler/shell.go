// Package handler contains the HTTP handlers of the Damai Jiwa server.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements http.Handler:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Most of ours are http.HandlerFunc methods on a struct that holds their
// dependencies. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming request (URL params, JSON body, cookies)
// 2. Call the service layer
// 3. Write the response (status code, headers, body)
//
// Handlers hold no business rules; they are the glue between HTTP and the
// services.
package handler

import (
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/sakif/damaijiwa/internal/model"
)

// The client shell is compiled into the binary, so a deploy is one file.
//
//go:embed web/templates/*.html web/static
var webFS embed.FS

// ShellHandler serves the single-page client: the HTML shell for every
// non-API path and its static assets.
type ShellHandler struct {
	templates *template.Template
	static    http.Handler
	logger    *slog.Logger
}

// NewShellHandler parses the embedded templates once at startup.
//
// TEMPLATE COMPOSITION:
// base.html defines the page skeleton with {{template "content" .}};
// app.html fills "content" with the three screens (landing,
// category selection, journey).
func NewShellHandler(logger *slog.Logger) (*ShellHandler, error) {
	tmpl, err := template.ParseFS(webFS, "web/templates/base.html", "web/templates/app.html")
	if err != nil {
		return nil, err
	}

	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		return nil, err
	}

	return &ShellHandler{
		templates: tmpl,
		static:    http.StripPrefix("/static/", http.FileServer(http.FS(static))),
		logger:    logger,
	}, nil
}

// HandleStatic serves /static/*.
func (h *ShellHandler) HandleStatic(w http.ResponseWriter, r *http.Request) {
	h.static.ServeHTTP(w, r)
}

// HandleShell renders the app page. The client decides which screen to show
// after calling /api/me.
func (h *ShellHandler) HandleShell(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Title":      "Damai Jiwa",
		"Categories": model.Categories,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template", slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// HandleAPINotFound answers unknown /api paths with JSON instead of the shell.
func HandleAPINotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "API route not found"})
}

// HandleHealth is the liveness check.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
