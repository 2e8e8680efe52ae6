package http

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/ekisa-team/voxforge/internal/service"
)

//go:embed templates/index.html
var templatesFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

type pageData struct {
	Options service.Options
	Title   string
}

// UIHandler renders the single page user interface.
type UIHandler struct {
	service *service.TTS
}

// NewUIHandler creates a new UIHandler and mounts it on mux.
func NewUIHandler(mux *http.ServeMux, service *service.TTS) *UIHandler {
	h := &UIHandler{service: service}
	mux.HandleFunc("GET /{$}", h.handleIndex)

	return h
}

func (h *UIHandler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, pageData{
		Title:   "Coqui TTS Voice Generator",
		Options: h.service.Options(),
	}); err != nil {
		slog.Error("Failed to render page", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
