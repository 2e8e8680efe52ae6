// Package http serves the browser user interface and the JSON API behind it.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/ekisa-team/voxforge/internal/service"
)

// Version is reported in the OpenAPI document.
const Version = "1.0.0"

// Server is the HTTP front end.
type Server struct {
	srv *http.Server
	api huma.API
	mux *http.ServeMux
}

// NewServer creates a server for addr. Nothing listens until Serve.
func NewServer(addr string, tts *service.TTS) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("voxforge", Version)
	config.Info.Description = "Text-to-speech with pre-trained voices and voice cloning."
	api := humago.New(mux, config)
	api.UseMiddleware(logRequests)

	NewTTSHandler(api, tts)
	NewUIHandler(mux, tts)

	return &Server{
		api: api,
		mux: mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the huma API.
func (s *Server) API() huma.API {
	return s.api
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("HTTP server listening", "addr", l.Addr().String())

	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func logRequests(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	slog.Debug("HTTP request",
		"method", ctx.Method(),
		"path", ctx.URL().Path,
		"status", ctx.Status(),
		"duration", time.Since(start),
	)
}
